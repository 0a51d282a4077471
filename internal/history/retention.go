package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/ngbaranov/ChatAi/internal/memory"
)

const (
	PolicySessions = "sessions"
	PolicyRecords  = "records"

	DefaultSessionsLimit = 10
	DefaultRecordsLimit  = 1000
)

// Retention trims durable history after a flush.
type Retention interface {
	// Enforce deletes excess history and reports how many records it removed.
	Enforce(ctx context.Context, store memory.Store, userID string) (int64, error)
	// Unit labels what the policy counts ("sessions" or "records").
	Unit() string
}

// SessionCap keeps a user's Limit most recently started sessions. Older
// sessions are removed whole in a single transaction.
type SessionCap struct {
	Limit int
}

func (p SessionCap) Unit() string { return PolicySessions }

func (p SessionCap) Enforce(ctx context.Context, store memory.Store, userID string) (int64, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultSessionsLimit
	}
	sums, err := store.SessionSummaries(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	if len(sums) <= limit {
		return 0, nil
	}

	// Summaries arrive newest start first.
	excess := make([]string, 0, len(sums)-limit)
	for _, sum := range sums[limit:] {
		excess = append(excess, sum.SessionID)
	}
	n, err := store.DeleteSessions(ctx, userID, excess)
	if err != nil {
		return 0, fmt.Errorf("delete %d sessions: %w", len(excess), err)
	}
	return n, nil
}

// RecordCap keeps only the newest Limit records across every user.
type RecordCap struct {
	Limit int
}

func (p RecordCap) Unit() string { return PolicyRecords }

func (p RecordCap) Enforce(ctx context.Context, store memory.Store, _ string) (int64, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultRecordsLimit
	}
	n, err := store.TrimRecords(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("trim records: %w", err)
	}
	return n, nil
}

// NewRetention returns the configured policy. Only one policy is ever active.
func NewRetention(policy string, sessionsLimit, recordsLimit int) (Retention, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "", PolicySessions:
		return SessionCap{Limit: sessionsLimit}, nil
	case PolicyRecords:
		return RecordCap{Limit: recordsLimit}, nil
	default:
		return nil, fmt.Errorf("unknown retention policy %q", policy)
	}
}
