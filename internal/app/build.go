package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ngbaranov/ChatAi/internal/completion"
	"github.com/ngbaranov/ChatAi/internal/config"
	"github.com/ngbaranov/ChatAi/internal/conversation"
	"github.com/ngbaranov/ChatAi/internal/history"
	"github.com/ngbaranov/ChatAi/internal/httpapi"
	"github.com/ngbaranov/ChatAi/internal/memory"
	"github.com/ngbaranov/ChatAi/internal/observability"
	"github.com/ngbaranov/ChatAi/internal/session"
	"github.com/ngbaranov/ChatAi/internal/volatile"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Metrics      *observability.Metrics
	Flusher      *history.Flusher
	StoreMode    string
	ProviderMode string

	// Cleanup should be called on shutdown to release external resources (Redis, DB).
	Cleanup func() error
}

// Build connects to Redis with redis.ParseURL and wires the service.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	rdb, err := volatile.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis init failed: %w", err)
	}
	res, err := BuildWithRedis(ctx, cfg, rdb, logger)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	storeCleanup := res.Cleanup
	res.Cleanup = func() error {
		var errs []string
		if err := storeCleanup(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := rdb.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}
	return res, nil
}

// BuildWithRedis wires the service on an existing Redis client. The client
// stays owned by the caller.
func BuildWithRedis(ctx context.Context, cfg config.Config, rdb redis.UniversalClient, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	live := volatile.New(rdb,
		volatile.WithLogger(logger),
		volatile.WithMalformedHook(func(string, error) { metrics.ObserveMalformed("redis") }),
		volatile.WithDefaultSettings(defaultSettings(cfg)),
	)

	historyStore, storeMode, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	completer, providerMode, err := completion.New(completion.Config{
		Mode:    cfg.CompletionMode,
		BaseURL: cfg.CompletionBaseURL,
		APIKey:  cfg.CompletionAPIKey,
		Timeout: cfg.CompletionTimeout,
	})
	if err != nil {
		_ = historyStore.Close()
		return nil, fmt.Errorf("completion provider init failed: %w", err)
	}

	retention, err := history.NewRetention(cfg.RetentionPolicy, cfg.RetentionSessionsLimit, cfg.RetentionRecordsLimit)
	if err != nil {
		_ = historyStore.Close()
		return nil, err
	}

	exchange := conversation.NewExchange(live, live, completer, conversation.ExchangeConfig{
		MaxHistoryMessages: cfg.MaxHistoryMessages,
		MaxStoredMessages:  cfg.MaxStoredMessages,
	}, metrics, logger)

	flusher := history.NewFlusher(live, historyStore, retention, history.Config{
		LockTTL:           cfg.FlushLockTTL,
		LockWait:          cfg.FlushLockWait,
		MarkerTTL:         cfg.FlushMarkerTTL,
		MaxStoredMessages: cfg.MaxStoredMessages,
	}, metrics, logger)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.ObserveSessionEvent("expired")
		metrics.SetActiveConnections(sessions.ActiveCount())
		logger.Info("connection expired", "user_id", s.UserID, "connection_id", s.ID)
	})

	checks := map[string]httpapi.ReadyCheck{"redis": live.Ping}
	if pinger, ok := historyStore.(interface{ Ping(context.Context) error }); ok {
		checks["history"] = pinger.Ping
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:    sessions,
		Turns:       exchange,
		Flusher:     flusher,
		Loader:      history.NewLoader(flusher),
		Log:         live,
		Settings:    live,
		History:     historyStore,
		HistoryMode: storeMode,
		Metrics:     metrics,
		Logger:      logger,
		ReadyChecks: checks,
	})

	logger.Info("service wired",
		"history_store_mode", storeMode,
		"completion_mode", providerMode,
		"retention", retention.Unit(),
	)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Metrics:      metrics,
		Flusher:      flusher,
		StoreMode:    storeMode,
		ProviderMode: providerMode,
		Cleanup:      historyStore.Close,
	}, nil
}

func defaultSettings(cfg config.Config) conversation.Settings {
	temperature := cfg.DefaultTemperature
	frequency := cfg.DefaultFrequencyPenalty
	presence := cfg.DefaultPresencePenalty
	return conversation.Settings{
		Model:            cfg.DefaultModel,
		Prompt:           cfg.DefaultPrompt,
		Temperature:      &temperature,
		FrequencyPenalty: &frequency,
		PresencePenalty:  &presence,
	}
}
