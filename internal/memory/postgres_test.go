package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewPostgresStoreWithDB(mock), mock
}

func TestEnsureSchemaRunsEveryStatement(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS chat_history").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_chat_history_user_session").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_chat_history_user_timestamp").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnsureSchemaStopsOnFailure(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS chat_history").WillReturnError(fmt.Errorf("permission denied"))

	err := st.EnsureSchema(context.Background())
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("EnsureSchema() error = %v, want permission denied", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertSessionWritesAllRowsInOneTransaction(t *testing.T) {
	st, mock := newMockStore(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []HistoryRecord{
		{UserID: "u1", SessionID: "s1", Role: "user", Content: "hi"},
		{UserID: "u1", SessionID: "s1", Role: "assistant", Content: "hello"},
	}
	StampSession(records, base)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chat_history").
		WithArgs("u1", "s1", 0, "user", "hi", base).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO chat_history").
		WithArgs("u1", "s1", 1, "assistant", "hello", base.Add(time.Microsecond)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	if err := st.InsertSession(context.Background(), records); err != nil {
		t.Fatalf("InsertSession() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertSessionRollsBackOnRowFailure(t *testing.T) {
	st, mock := newMockStore(t)
	records := []HistoryRecord{
		{UserID: "u1", SessionID: "s1", Seq: 0, Role: "user", Content: "hi"},
		{UserID: "u1", SessionID: "s1", Seq: 1, Role: "assistant", Content: "hello"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chat_history").
		WithArgs("u1", "s1", 0, "user", "hi", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO chat_history").
		WithArgs("u1", "s1", 1, "assistant", "hello", pgxmock.AnyArg()).
		WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	err := st.InsertSession(context.Background(), records)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("InsertSession() error = %v, want disk full", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertSessionEmptyIsNoop(t *testing.T) {
	st, mock := newMockStore(t)

	if err := st.InsertSession(context.Background(), nil); err != nil {
		t.Fatalf("InsertSession(nil) error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected database call: %v", err)
	}
}

func TestInsertSessionBeginFailure(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(fmt.Errorf("begin failed"))

	err := st.InsertSession(context.Background(), []HistoryRecord{{UserID: "u1", SessionID: "s1"}})
	if err == nil || !strings.Contains(err.Error(), "begin failed") {
		t.Fatalf("InsertSession() error = %v, want begin failed", err)
	}
}

func TestSessionSummariesScansRows(t *testing.T) {
	st, mock := newMockStore(t)
	newer := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	older := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT session_id").
		WithArgs("u1").
		WillReturnRows(
			pgxmock.NewRows([]string{"session_id", "started_at", "ended_at", "count"}).
				AddRow("s2", newer, newer.Add(time.Minute), int64(4)).
				AddRow("s1", older, older.Add(time.Minute), int64(2)),
		)

	got, err := st.SessionSummaries(context.Background(), "u1")
	if err != nil {
		t.Fatalf("SessionSummaries() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(summaries) = %d, want 2", len(got))
	}
	if got[0].SessionID != "s2" || got[0].MessageCount != 4 || !got[0].StartedAt.Equal(newer) {
		t.Fatalf("summaries[0] = %+v", got[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, user_id, session_id").
		WithArgs("u1", "missing").
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "session_id", "seq", "role", "content", "timestamp"}))

	_, err := st.Session(context.Background(), "u1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Session() error = %v, want ErrNotFound", err)
	}
}

func TestSessionReturnsOrderedRecords(t *testing.T) {
	st, mock := newMockStore(t)
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, user_id, session_id").
		WithArgs("u1", "s1").
		WillReturnRows(
			pgxmock.NewRows([]string{"id", "user_id", "session_id", "seq", "role", "content", "timestamp"}).
				AddRow(int64(7), "u1", "s1", 0, "user", "hi", ts).
				AddRow(int64(8), "u1", "s1", 1, "assistant", "hello", ts.Add(time.Microsecond)),
		)

	got, err := st.Session(context.Background(), "u1", "s1")
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if len(got) != 2 || got[0].Content != "hi" || got[1].Role != "assistant" || got[1].ID != 8 {
		t.Fatalf("Session() = %+v", got)
	}
}

func TestDeleteSessionsUsesTransaction(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM chat_history WHERE user_id").
		WithArgs("u1", []string{"s1", "s2"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 6))
	mock.ExpectCommit()

	n, err := st.DeleteSessions(context.Background(), "u1", []string{"s1", "s2"})
	if err != nil {
		t.Fatalf("DeleteSessions() error = %v", err)
	}
	if n != 6 {
		t.Fatalf("DeleteSessions() = %d, want 6", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteSessionsEmptyIsNoop(t *testing.T) {
	st, mock := newMockStore(t)

	n, err := st.DeleteSessions(context.Background(), "u1", nil)
	if err != nil || n != 0 {
		t.Fatalf("DeleteSessions(nil) = %d, %v; want 0, nil", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected database call: %v", err)
	}
}

func TestTrimRecordsCommitFailure(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM chat_history WHERE id IN").
		WithArgs(100).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCommit().WillReturnError(fmt.Errorf("commit failed"))

	_, err := st.TrimRecords(context.Background(), 100)
	if err == nil || !strings.Contains(err.Error(), "commit failed") {
		t.Fatalf("TrimRecords() error = %v, want commit failed", err)
	}
}

func TestPurgeUser(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM chat_history WHERE user_id").
		WithArgs("u1").
		WillReturnResult(pgxmock.NewResult("DELETE", 12))

	n, err := st.PurgeUser(context.Background(), "u1")
	if err != nil || n != 12 {
		t.Fatalf("PurgeUser() = %d, %v; want 12, nil", n, err)
	}
}
