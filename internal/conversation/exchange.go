package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ngbaranov/ChatAi/internal/observability"
)

var (
	// ErrProvider marks a failed or abandoned completion call. The volatile
	// log is never modified when a turn fails with this error.
	ErrProvider = errors.New("completion provider failed")

	ErrEmptyMessage = errors.New("empty user message")
)

// ExchangeConfig bounds how much history a turn sends and keeps.
type ExchangeConfig struct {
	MaxHistoryMessages int
	MaxStoredMessages  int
}

// Exchange runs one request/reply turn against the model.
type Exchange struct {
	log       Log
	settings  SettingsSource
	completer Completer
	cfg       ExchangeConfig
	metrics   *observability.Metrics
	logger    *slog.Logger
}

func NewExchange(log Log, settings SettingsSource, completer Completer, cfg ExchangeConfig, metrics *observability.Metrics, logger *slog.Logger) *Exchange {
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = 4
	}
	if cfg.MaxStoredMessages <= cfg.MaxHistoryMessages {
		cfg.MaxStoredMessages = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{
		log:       log,
		settings:  settings,
		completer: completer,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// HandleTurn sends userMessage with the trimmed history and records the
// exchange. The user and assistant messages are appended only after the
// provider has answered.
func (e *Exchange) HandleTurn(ctx context.Context, userID, userMessage string) (string, error) {
	if strings.TrimSpace(userMessage) == "" {
		return "", ErrEmptyMessage
	}
	start := time.Now()

	history, err := e.log.Messages(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("read history: %w", err)
	}

	settings := DefaultSettings()
	if e.settings != nil {
		s, err := e.settings.Settings(ctx, userID)
		if err != nil {
			e.logger.Warn("settings lookup failed, using defaults", "user_id", userID, "error", err)
		} else {
			settings = s.WithDefaults(settings)
		}
	}

	user := Message{Role: RoleUser, Content: userMessage}
	window := append(BuildWindow(history, settings.Prompt, e.cfg.MaxHistoryMessages), user)
	e.metrics.ObserveStage("turn_context_ready", time.Since(start))

	reply, err := e.complete(ctx, CompletionRequest{
		Model:            settings.Model,
		Messages:         window,
		Temperature:      *settings.Temperature,
		FrequencyPenalty: *settings.FrequencyPenalty,
		PresencePenalty:  *settings.PresencePenalty,
	})
	if err != nil {
		e.metrics.ObserveProviderError(IsRetryable(err))
		e.logger.Warn("completion failed", "user_id", userID, "model", settings.Model, "error", err)
		return "", err
	}

	assistant := Message{Role: RoleAssistant, Content: reply}
	if err := e.log.AppendTurn(ctx, userID, user, assistant, e.cfg.MaxStoredMessages); err != nil {
		return "", fmt.Errorf("append turn: %w", err)
	}

	e.metrics.ObserveTurn(time.Since(start))
	return reply, nil
}

func (e *Exchange) complete(ctx context.Context, req CompletionRequest) (string, error) {
	started := time.Now()
	reply, err := e.completer.Complete(ctx, req)
	e.metrics.ObserveStage("turn_completion", time.Since(started))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProvider, err)
	}
	// A reply that arrives after the caller went away is discarded.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", fmt.Errorf("%w: %w", ErrProvider, ctxErr)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("%w: empty reply", ErrProvider)
	}
	return reply, nil
}

type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err carries a transient provider classification.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
