package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ngbaranov/ChatAi/internal/conversation"
	"github.com/ngbaranov/ChatAi/internal/memory"
	"github.com/ngbaranov/ChatAi/internal/observability"
	"github.com/ngbaranov/ChatAi/internal/volatile"
)

// ErrPersistence wraps a failed durable write. The volatile log is left
// untouched so the flush can be retried.
var ErrPersistence = errors.New("history persistence failed")

const (
	OutcomeFlushed     = "flushed"
	OutcomeDuplicate   = "duplicate"
	OutcomeEmpty       = "empty"
	OutcomeLockTimeout = "lock_timeout"
	OutcomeError       = "error"
)

// Result describes one flush attempt.
type Result struct {
	Outcome      string `json:"outcome"`
	Flushed      bool   `json:"flushed"`
	MessageCount int    `json:"message_count"`
	SessionID    string `json:"session_id,omitempty"`
}

type Config struct {
	LockTTL           time.Duration
	LockWait          time.Duration
	MarkerTTL         time.Duration
	MaxStoredMessages int
	// DigestTTL bounds how long the fingerprint of the last persisted log
	// is remembered. It defaults to LockTTL+LockWait, which outlives every
	// trigger queued on the lock when a flush commits.
	DigestTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 10 * time.Second
	}
	if c.MarkerTTL <= 0 {
		c.MarkerTTL = 5 * time.Second
	}
	if c.MaxStoredMessages <= 0 {
		c.MaxStoredMessages = 50
	}
	if c.DigestTTL <= 0 {
		c.DigestTTL = c.LockTTL + c.LockWait
	}
	return c
}

// Flusher migrates a user's volatile log into durable history as one
// session. Concurrent flushes for the same user are serialized by the flush
// lock and deduplicated by the flush marker.
type Flusher struct {
	log       *volatile.Store
	store     memory.Store
	retention Retention
	cfg       Config
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewFlusher(log *volatile.Store, store memory.Store, retention Retention, cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Flusher {
	if retention == nil {
		retention = SessionCap{Limit: DefaultSessionsLimit}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		log:       log,
		store:     store,
		retention: retention,
		cfg:       cfg.withDefaults(),
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Flush persists the current volatile log. It is safe to call repeatedly:
// a call that finds the flush marker consumes it and writes nothing.
func (f *Flusher) Flush(ctx context.Context, userID string) (Result, error) {
	start := time.Now()
	res, err := f.flush(ctx, userID)
	f.metrics.ObserveStage("flush_total", time.Since(start))
	switch {
	case err == nil:
		f.metrics.ObserveFlush(res.Outcome, res.MessageCount)
	case errors.Is(err, volatile.ErrLockTimeout):
		f.metrics.ObserveFlush(OutcomeLockTimeout, 0)
	default:
		f.metrics.ObserveFlush(OutcomeError, 0)
	}
	return res, err
}

func (f *Flusher) flush(ctx context.Context, userID string) (Result, error) {
	seen, err := f.log.ConsumeMarker(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("check flush marker: %w", err)
	}
	if seen {
		f.logger.Debug("flush skipped, marker present", "user_id", userID)
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	waitStart := time.Now()
	lock, err := f.log.AcquireFlushLock(ctx, userID, f.cfg.LockTTL, f.cfg.LockWait)
	f.metrics.ObserveStage("flush_lock_wait", time.Since(waitStart))
	if err != nil {
		return Result{}, err
	}
	defer f.release(ctx, userID, lock)

	// Triggers that queued on the lock behind a successful flush see its
	// marker here. It is only tested, so every queued trigger sees it.
	set, err := f.log.MarkerSet(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	if set {
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	msgs, err := f.log.Messages(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("read volatile log: %w", err)
	}
	if len(msgs) == 0 {
		return Result{Outcome: OutcomeEmpty}, nil
	}

	// The marker may already have been consumed by a late trigger; the
	// digest of the last persisted log still identifies an unchanged log.
	digest := volatile.LogDigest(msgs)
	last, err := f.log.FlushedDigest(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	if last == digest {
		f.logger.Debug("flush skipped, log unchanged since last flush", "user_id", userID)
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	sessionID := uuid.NewString()
	records := make([]memory.HistoryRecord, len(msgs))
	for i, m := range msgs {
		records[i] = memory.HistoryRecord{
			UserID:    userID,
			SessionID: sessionID,
			Role:      string(m.Role),
			Content:   m.Content,
		}
	}
	memory.StampSession(records, f.now())

	holdCtx, stopHold := lock.Hold(ctx, f.cfg.LockTTL)
	defer stopHold()

	if err := f.store.InsertSession(holdCtx, records); err != nil {
		if cause := context.Cause(holdCtx); errors.Is(cause, volatile.ErrLockNotHeld) {
			err = cause
		}
		f.logger.Error("flush persistence failed", "user_id", userID, "messages", len(records), "error", err)
		return Result{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	f.markFlushed(ctx, userID, digest)

	deleted, err := f.retention.Enforce(holdCtx, f.store, userID)
	if err != nil {
		f.metrics.ObserveRetentionFailure()
		f.logger.Error("retention enforcement failed", "user_id", userID, "policy", f.retention.Unit(), "error", err)
	} else {
		f.metrics.ObserveRetention(f.retention.Unit(), deleted)
	}

	f.logger.Info("session flushed", "user_id", userID, "session_id", sessionID, "messages", len(records), "retention_deleted", deleted)
	return Result{
		Outcome:      OutcomeFlushed,
		Flushed:      true,
		MessageCount: len(records),
		SessionID:    sessionID,
	}, nil
}

func (f *Flusher) markFlushed(ctx context.Context, userID, digest string) {
	if err := f.log.MarkFlushed(ctx, userID, f.cfg.MarkerTTL); err != nil {
		f.logger.Warn("set flush marker failed", "user_id", userID, "error", err)
	}
	if err := f.log.RememberFlushedLog(ctx, userID, digest, f.cfg.DigestTTL); err != nil {
		f.logger.Warn("record flushed digest failed", "user_id", userID, "error", err)
	}
}

func (f *Flusher) release(ctx context.Context, userID string, lock *volatile.Lock) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := lock.Release(releaseCtx); err != nil {
		f.logger.Warn("flush lock release failed", "user_id", userID, "error", err)
	}
}

// Reset flushes the log and clears it. The log is only cleared once its
// contents are durable.
func (f *Flusher) Reset(ctx context.Context, userID string) (Result, error) {
	res, err := f.Flush(ctx, userID)
	if err != nil {
		return res, err
	}
	if err := f.log.Clear(ctx, userID); err != nil {
		return res, fmt.Errorf("clear volatile log: %w", err)
	}
	return res, nil
}

// Purge deletes the user's durable history. It takes the flush lock so it
// cannot interleave with a flush for the same user.
func (f *Flusher) Purge(ctx context.Context, userID string) (int64, error) {
	lock, err := f.log.AcquireFlushLock(ctx, userID, f.cfg.LockTTL, f.cfg.LockWait)
	if err != nil {
		return 0, err
	}
	defer f.release(ctx, userID, lock)

	n, err := f.store.PurgeUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	f.metrics.ObserveRetention("purged", n)
	f.logger.Info("history purged", "user_id", userID, "records", n)
	return n, nil
}

// Loader restores a durable session into the volatile log.
type Loader struct {
	flusher *Flusher
}

func NewLoader(f *Flusher) *Loader {
	return &Loader{flusher: f}
}

// Load flushes the current log, replaces it with the given durable session
// and sets the flush marker so the restored copy is not persisted again by
// the next disconnect.
func (l *Loader) Load(ctx context.Context, userID, sessionID string) ([]conversation.Message, error) {
	f := l.flusher
	records, err := f.store.Session(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := f.Flush(ctx, userID); err != nil {
		return nil, fmt.Errorf("flush before load: %w", err)
	}

	msgs := make([]conversation.Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, conversation.Message{
			Role:    conversation.NormalizeRole(conversation.Role(r.Role)),
			Content: r.Content,
		})
	}
	if len(msgs) > f.cfg.MaxStoredMessages {
		msgs = msgs[len(msgs)-f.cfg.MaxStoredMessages:]
	}
	if err := f.log.Replace(ctx, userID, msgs, f.cfg.MaxStoredMessages); err != nil {
		return nil, fmt.Errorf("replace volatile log: %w", err)
	}
	f.markFlushed(ctx, userID, volatile.LogDigest(msgs))
	f.logger.Info("session loaded", "user_id", userID, "session_id", sessionID, "messages", len(msgs))
	return msgs, nil
}
