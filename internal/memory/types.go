package memory

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("history session not found")

// HistoryRecord is one persisted message. Records sharing a SessionID were
// written by the same flush and are ordered by Seq (and Timestamp).
type HistoryRecord struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSummary describes one durable session. StartedAt is the earliest
// record timestamp in the session.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	MessageCount int       `json:"message_count"`
}

// Store persists flushed conversation history.
type Store interface {
	// InsertSession writes every record in one transaction.
	InsertSession(ctx context.Context, records []HistoryRecord) error
	// SessionSummaries lists a user's sessions, newest start first.
	SessionSummaries(ctx context.Context, userID string) ([]SessionSummary, error)
	// Session returns one session's records in order, or ErrNotFound.
	Session(ctx context.Context, userID, sessionID string) ([]HistoryRecord, error)
	// DeleteSessions removes every record of the given sessions in one transaction.
	DeleteSessions(ctx context.Context, userID string, sessionIDs []string) (int64, error)
	// TrimRecords keeps only the newest keep records across all users.
	TrimRecords(ctx context.Context, keep int) (int64, error)
	// PurgeUser removes all of a user's history.
	PurgeUser(ctx context.Context, userID string) (int64, error)
	Close() error
}

// StampSession assigns order and strictly increasing timestamps to records
// of one session, starting at base.
func StampSession(records []HistoryRecord, base time.Time) {
	base = base.UTC().Truncate(time.Microsecond)
	for i := range records {
		records[i].Seq = i
		if records[i].Timestamp.IsZero() {
			records[i].Timestamp = base.Add(time.Duration(i) * time.Microsecond)
		}
	}
}
