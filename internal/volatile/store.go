// Package volatile keeps the live per-user conversation state in Redis: the
// bounded message log, the flush idempotency marker, the flush lock and the
// model settings.
package volatile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ngbaranov/ChatAi/internal/conversation"
)

const globalSettingsKey = "global_ai_config"

// Store implements conversation.Log and conversation.SettingsSource on top
// of a shared Redis client. The client is owned by the caller.
type Store struct {
	rdb         redis.UniversalClient
	locker      *redislock.Client
	logger      *slog.Logger
	onMalformed func(userID string, err error)
	defaults    conversation.Settings
}

// Option configures optional Store behavior.
type Option func(*Store)

// WithLogger sets the logger used for skipped entries and lock diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMalformedHook is called once for every log entry that fails to decode.
func WithMalformedHook(hook func(userID string, err error)) Option {
	return func(s *Store) { s.onMalformed = hook }
}

// WithDefaultSettings sets the parameters used when neither the user nor the
// global config sets a field.
func WithDefaultSettings(defaults conversation.Settings) Option {
	return func(s *Store) { s.defaults = defaults }
}

func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:    rdb,
		locker: redislock.New(rdb),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func historyKey(userID string) string  { return "chat:" + userID + ":history" }
func markerKey(userID string) string   { return "chat:" + userID + ":flushed" }
func digestKey(userID string) string   { return "chat:" + userID + ":flushed_digest" }
func lockKey(userID string) string     { return "chat:" + userID + ":flush_lock" }
func settingsKey(userID string) string { return "chat:" + userID + ":config" }

// Messages returns the whole log in insertion order. Entries that cannot be
// decoded are skipped.
func (s *Store) Messages(ctx context.Context, userID string) ([]conversation.Message, error) {
	raw, err := s.rdb.LRange(ctx, historyKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}

	out := make([]conversation.Message, 0, len(raw))
	for i, item := range raw {
		msg, err := decodeEntry(item)
		if err != nil {
			s.logger.Warn("skipping malformed log entry", "user_id", userID, "index", i, "error", err)
			if s.onMalformed != nil {
				s.onMalformed(userID, err)
			}
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// AppendTurn pushes both messages and trims the list inside one MULTI block,
// so readers never observe the reply without the preceding user message.
func (s *Store) AppendTurn(ctx context.Context, userID string, user, assistant conversation.Message, maxStored int) error {
	userRaw, err := encodeEntry(user)
	if err != nil {
		return err
	}
	assistantRaw, err := encodeEntry(assistant)
	if err != nil {
		return err
	}

	key := historyKey(userID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, userRaw, assistantRaw)
		if maxStored > 0 {
			pipe.LTrim(ctx, key, int64(-maxStored), -1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Replace swaps the log for msgs, keeping at most maxStored of the newest.
func (s *Store) Replace(ctx context.Context, userID string, msgs []conversation.Message, maxStored int) error {
	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		raw, err := encodeEntry(m)
		if err != nil {
			return err
		}
		values = append(values, raw)
	}

	key := historyKey(userID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
		}
		if maxStored > 0 {
			pipe.LTrim(ctx, key, int64(-maxStored), -1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace log: %w", err)
	}
	return nil
}

// Clear drops the user's log together with the digest of its last flush,
// so the next conversation is never mistaken for the cleared one.
func (s *Store) Clear(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, historyKey(userID), digestKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear log: %w", err)
	}
	return nil
}

// MarkFlushed sets the idempotency marker unless it is already present.
func (s *Store) MarkFlushed(ctx context.Context, userID string, ttl time.Duration) error {
	if err := s.rdb.SetNX(ctx, markerKey(userID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("set flush marker: %w", err)
	}
	return nil
}

// ConsumeMarker clears the marker and reports whether it was set.
func (s *Store) ConsumeMarker(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.Del(ctx, markerKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("consume flush marker: %w", err)
	}
	return n > 0, nil
}

// MarkerSet reports whether the marker is present without clearing it.
func (s *Store) MarkerSet(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, markerKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check flush marker: %w", err)
	}
	return n > 0, nil
}

// RememberFlushedLog records the digest of the log that was just persisted.
// Unlike the marker it is never consumed; it only expires.
func (s *Store) RememberFlushedLog(ctx context.Context, userID, digest string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, digestKey(userID), digest, ttl).Err(); err != nil {
		return fmt.Errorf("record flushed digest: %w", err)
	}
	return nil
}

// FlushedDigest returns the digest recorded by RememberFlushedLog, or ""
// when none is live.
func (s *Store) FlushedDigest(ctx context.Context, userID string) (string, error) {
	v, err := s.rdb.Get(ctx, digestKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read flushed digest: %w", err)
	}
	return v, nil
}

// LogDigest fingerprints a log by length and content.
func LogDigest(msgs []conversation.Message) string {
	h := xxhash.New()
	for _, m := range msgs {
		_, _ = h.WriteString(string(m.Role))
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(m.Content)
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%d:%016x", len(msgs), h.Sum64())
}

func encodeEntry(m conversation.Message) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode log entry: %w", err)
	}
	return string(b), nil
}

func decodeEntry(raw string) (conversation.Message, error) {
	var m conversation.Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return conversation.Message{}, fmt.Errorf("decode log entry: %w", err)
	}
	m.Role = conversation.NormalizeRole(m.Role)
	switch m.Role {
	case conversation.RoleUser, conversation.RoleAssistant, conversation.RoleSystem:
	default:
		return conversation.Message{}, fmt.Errorf("decode log entry: unknown role %q", m.Role)
	}
	return m, nil
}

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
