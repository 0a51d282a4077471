package conversation

import (
	"context"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"

	// legacyRoleBot is how assistant replies were labeled before the
	// history schema moved to provider role names.
	legacyRoleBot Role = "bot"
)

// Message is a single conversational entry. It is treated as immutable once created.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NormalizeRole maps legacy role labels to the current vocabulary.
func NormalizeRole(r Role) Role {
	switch Role(strings.ToLower(strings.TrimSpace(string(r)))) {
	case legacyRoleBot, RoleAssistant:
		return RoleAssistant
	case RoleSystem:
		return RoleSystem
	case RoleUser, "":
		return RoleUser
	default:
		return r
	}
}

// Settings carries the per-call model parameters.
type Settings struct {
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	Temperature      *float64 `json:"temperature,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
}

const (
	DefaultModel            = "deepseek-chat"
	DefaultPrompt           = "You are a friendly assistant."
	DefaultTemperature      = 0.2
	DefaultFrequencyPenalty = 0.1
	DefaultPresencePenalty  = 0.2
)

// DefaultSettings returns the documented fallback parameters.
func DefaultSettings() Settings {
	return Settings{}.WithDefaults(Settings{})
}

// WithDefaults fills every absent field of s from base, then from the
// package defaults.
func (s Settings) WithDefaults(base Settings) Settings {
	out := s
	if strings.TrimSpace(out.Model) == "" {
		out.Model = strings.TrimSpace(base.Model)
	}
	if strings.TrimSpace(out.Model) == "" {
		out.Model = DefaultModel
	}
	if strings.TrimSpace(out.Prompt) == "" {
		out.Prompt = base.Prompt
	}
	if strings.TrimSpace(out.Prompt) == "" {
		out.Prompt = DefaultPrompt
	}
	out.Temperature = firstFloat(out.Temperature, base.Temperature, DefaultTemperature)
	out.FrequencyPenalty = firstFloat(out.FrequencyPenalty, base.FrequencyPenalty, DefaultFrequencyPenalty)
	out.PresencePenalty = firstFloat(out.PresencePenalty, base.PresencePenalty, DefaultPresencePenalty)
	return out
}

func firstFloat(v, base *float64, fallback float64) *float64 {
	if v != nil {
		return v
	}
	if base != nil {
		c := *base
		return &c
	}
	return &fallback
}

// CompletionRequest is the payload handed to a Completer.
type CompletionRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Temperature      float64   `json:"temperature"`
	FrequencyPenalty float64   `json:"frequency_penalty"`
	PresencePenalty  float64   `json:"presence_penalty"`
}

// Completer invokes the remote model. Implementations may block for an
// arbitrary amount of time and should honor ctx cancellation.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Log is the per-user volatile conversation buffer.
type Log interface {
	Messages(ctx context.Context, userID string) ([]Message, error)
	AppendTurn(ctx context.Context, userID string, user, assistant Message, maxStored int) error
}

// SettingsSource resolves model parameters for a user.
type SettingsSource interface {
	Settings(ctx context.Context, userID string) (Settings, error)
}
