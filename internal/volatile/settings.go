package volatile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ngbaranov/ChatAi/internal/conversation"
)

// Settings resolves model parameters as user config, then global config,
// then the configured defaults.
func (s *Store) Settings(ctx context.Context, userID string) (conversation.Settings, error) {
	global, err := s.GlobalSettings(ctx)
	if err != nil {
		return global, err
	}
	user, err := s.readSettings(ctx, settingsKey(userID))
	if err != nil {
		return global, err
	}
	return user.WithDefaults(global), nil
}

// GlobalSettings returns the shared settings with defaults applied.
func (s *Store) GlobalSettings(ctx context.Context) (conversation.Settings, error) {
	base := s.defaults.WithDefaults(conversation.Settings{})
	global, err := s.readSettings(ctx, globalSettingsKey)
	if err != nil {
		return base, err
	}
	return global.WithDefaults(base), nil
}

// SaveGlobalSettings replaces the shared settings.
func (s *Store) SaveGlobalSettings(ctx context.Context, settings conversation.Settings) error {
	return s.writeSettings(ctx, globalSettingsKey, settings)
}

// SaveUserSettings replaces one user's overrides.
func (s *Store) SaveUserSettings(ctx context.Context, userID string, settings conversation.Settings) error {
	return s.writeSettings(ctx, settingsKey(userID), settings)
}

func (s *Store) readSettings(ctx context.Context, key string) (conversation.Settings, error) {
	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return conversation.Settings{}, nil
	}
	if err != nil {
		return conversation.Settings{}, fmt.Errorf("read settings %s: %w", key, err)
	}
	var out conversation.Settings
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.logger.Warn("ignoring malformed settings", "key", key, "error", err)
		return conversation.Settings{}, nil
	}
	return out, nil
}

func (s *Store) writeSettings(ctx context.Context, key string, settings conversation.Settings) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := s.rdb.Set(ctx, key, b, 0).Err(); err != nil {
		return fmt.Errorf("write settings %s: %w", key, err)
	}
	return nil
}
