package completion

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ngbaranov/ChatAi/internal/conversation"
)

const (
	ModeAuto = "auto"
	ModeHTTP = "http"
	ModeMock = "mock"

	DefaultBaseURL = "https://api.deepseek.com"
)

// Config controls provider construction.
type Config struct {
	Mode    string
	BaseURL string
	APIKey  string
	// Timeout bounds one completion call. Zero leaves the caller's context
	// as the only bound.
	Timeout time.Duration
}

// New returns the configured provider and the mode it resolved to. In auto
// mode a configured API key selects the HTTP provider.
func New(cfg Config) (conversation.Completer, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeAuto
	}
	if mode == ModeAuto {
		mode = ModeMock
		if strings.TrimSpace(cfg.APIKey) != "" {
			mode = ModeHTTP
		}
	}

	switch mode {
	case ModeHTTP:
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, "", errors.New("completion API key is required for http mode")
		}
		return NewHTTPProvider(cfg.BaseURL, cfg.APIKey, cfg.Timeout), ModeHTTP, nil
	case ModeMock:
		return NewMockProvider(), ModeMock, nil
	default:
		return nil, "", fmt.Errorf("unsupported completion mode %q", cfg.Mode)
	}
}
