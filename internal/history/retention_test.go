package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ngbaranov/ChatAi/internal/memory"
)

func seedSessions(t *testing.T, st memory.Store, userID string, n int, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		recs := []memory.HistoryRecord{
			{UserID: userID, SessionID: fmt.Sprintf("%s-%02d", userID, i), Role: "user", Content: "q"},
			{UserID: userID, SessionID: fmt.Sprintf("%s-%02d", userID, i), Role: "assistant", Content: "r"},
		}
		memory.StampSession(recs, base.Add(time.Duration(i)*time.Minute))
		if err := st.InsertSession(context.Background(), recs); err != nil {
			t.Fatalf("InsertSession() error = %v", err)
		}
	}
}

func TestSessionCapRemovesOldestWhole(t *testing.T) {
	st := memory.NewInMemoryStore()
	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	seedSessions(t, st, "u1", 13, base)
	seedSessions(t, st, "u2", 2, base)

	n, err := SessionCap{Limit: 10}.Enforce(context.Background(), st, "u1")
	if err != nil {
		t.Fatalf("Enforce() error = %v", err)
	}
	if n != 6 {
		t.Fatalf("Enforce() deleted %d records, want 6", n)
	}
	sums, _ := st.SessionSummaries(context.Background(), "u1")
	if len(sums) != 10 {
		t.Fatalf("sessions = %d, want 10", len(sums))
	}
	if last := sums[len(sums)-1]; last.SessionID != "u1-03" {
		t.Fatalf("oldest kept = %s, want u1-03", last.SessionID)
	}
	if other, _ := st.SessionSummaries(context.Background(), "u2"); len(other) != 2 {
		t.Fatalf("u2 sessions = %d, want untouched", len(other))
	}
}

func TestSessionCapUnderLimitIsNoop(t *testing.T) {
	st := memory.NewInMemoryStore()
	seedSessions(t, st, "u1", 3, time.Now())

	n, err := SessionCap{Limit: 10}.Enforce(context.Background(), st, "u1")
	if err != nil || n != 0 {
		t.Fatalf("Enforce() = %d, %v; want 0, nil", n, err)
	}
}

func TestRecordCapTrimsGlobally(t *testing.T) {
	st := memory.NewInMemoryStore()
	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	seedSessions(t, st, "u1", 3, base)
	seedSessions(t, st, "u2", 3, base.Add(time.Hour))

	n, err := RecordCap{Limit: 8}.Enforce(context.Background(), st, "u1")
	if err != nil || n != 4 {
		t.Fatalf("Enforce() = %d, %v; want 4, nil", n, err)
	}
	if sums, _ := st.SessionSummaries(context.Background(), "u2"); len(sums) != 3 {
		t.Fatalf("u2 sessions = %d, newest records must survive", len(sums))
	}
}

func TestNewRetention(t *testing.T) {
	p, err := NewRetention("", 7, 100)
	if err != nil {
		t.Fatalf("NewRetention(\"\") error = %v", err)
	}
	if sc, ok := p.(SessionCap); !ok || sc.Limit != 7 {
		t.Fatalf("NewRetention(\"\") = %#v, want SessionCap{7}", p)
	}

	p, err = NewRetention("Records", 7, 100)
	if err != nil {
		t.Fatalf("NewRetention(records) error = %v", err)
	}
	if p.Unit() != PolicyRecords {
		t.Fatalf("unit = %q, want records", p.Unit())
	}

	if _, err := NewRetention("forever", 1, 1); err == nil {
		t.Fatal("NewRetention(forever) error = nil, want unknown policy")
	}
}

type failingSummaries struct {
	*memory.InMemoryStore
}

func (failingSummaries) SessionSummaries(context.Context, string) ([]memory.SessionSummary, error) {
	return nil, errors.New("timeout")
}

func TestSessionCapPropagatesListError(t *testing.T) {
	_, err := SessionCap{Limit: 1}.Enforce(context.Background(), failingSummaries{memory.NewInMemoryStore()}, "u1")
	if err == nil {
		t.Fatal("Enforce() error = nil, want list failure")
	}
}
