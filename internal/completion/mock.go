package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/ngbaranov/ChatAi/internal/conversation"
)

// MockProvider gives deterministic local replies when no API key is set.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Complete(ctx context.Context, req conversation.CompletionRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return buildMockReply(req.Messages), nil
}

func buildMockReply(msgs []conversation.Message) string {
	var last string
	prior := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != conversation.RoleUser {
			continue
		}
		if last == "" {
			last = strings.TrimSpace(msgs[i].Content)
			continue
		}
		prior++
	}
	if last == "" {
		last = "..."
	}
	if prior == 0 {
		return fmt.Sprintf("I heard you: %s", last)
	}
	return fmt.Sprintf("I heard you: %s\n(%d earlier messages in context)", last, prior)
}
