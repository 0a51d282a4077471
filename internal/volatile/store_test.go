package volatile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ngbaranov/ChatAi/internal/conversation"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, opts...), mr, rdb
}

func TestAppendTurnKeepsNewestSuffix(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		user := conversation.Message{Role: conversation.RoleUser, Content: fmt.Sprintf("q%d", i)}
		assistant := conversation.Message{Role: conversation.RoleAssistant, Content: fmt.Sprintf("r%d", i)}
		if err := s.AppendTurn(ctx, "u1", user, assistant, 50); err != nil {
			t.Fatalf("AppendTurn(%d) error = %v", i, err)
		}
	}

	got, err := s.Messages(ctx, "u1")
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(got) != 50 {
		t.Fatalf("len(log) = %d, want 50", len(got))
	}
	// 60 logical appends; the last 50 start at q5.
	if got[0].Content != "q5" || got[0].Role != conversation.RoleUser {
		t.Fatalf("got[0] = %+v, want user q5", got[0])
	}
	if got[49].Content != "r29" || got[49].Role != conversation.RoleAssistant {
		t.Fatalf("got[49] = %+v, want assistant r29", got[49])
	}
	for i := 1; i < len(got); i++ {
		if got[i].Role == got[i-1].Role {
			t.Fatalf("roles at %d and %d both %q, want alternating turns", i-1, i, got[i].Role)
		}
	}
}

func TestMessagesSkipsMalformedAndNormalizesRoles(t *testing.T) {
	var malformed int
	s, _, rdb := newTestStore(t, WithMalformedHook(func(string, error) { malformed++ }))
	ctx := context.Background()

	key := historyKey("u1")
	rdb.RPush(ctx, key,
		`{"role":"user","content":"hi"}`,
		`not json`,
		`{"role":"bot","content":"legacy reply"}`,
		`{"role":"wizard","content":"??"}`,
	)

	got, err := s.Messages(ctx, "u1")
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2: %+v", len(got), got)
	}
	if got[1].Role != conversation.RoleAssistant || got[1].Content != "legacy reply" {
		t.Fatalf("got[1] = %+v, want normalized assistant", got[1])
	}
	if malformed != 2 {
		t.Fatalf("malformed = %d, want 2", malformed)
	}
}

func TestReplaceAndClear(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	msgs := []conversation.Message{
		{Role: conversation.RoleUser, Content: "a"},
		{Role: conversation.RoleAssistant, Content: "b"},
		{Role: conversation.RoleUser, Content: "c"},
	}
	if err := s.Replace(ctx, "u1", msgs, 2); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	got, _ := s.Messages(ctx, "u1")
	if len(got) != 2 || got[0].Content != "b" || got[1].Content != "c" {
		t.Fatalf("after Replace = %+v, want [b c]", got)
	}

	if err := s.Clear(ctx, "u1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if got, _ := s.Messages(ctx, "u1"); len(got) != 0 {
		t.Fatalf("after Clear = %+v, want empty", got)
	}
}

func TestMarkerIsConsumedOnce(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.MarkFlushed(ctx, "u1", 5*time.Second); err != nil {
		t.Fatalf("MarkFlushed() error = %v", err)
	}
	first, err := s.ConsumeMarker(ctx, "u1")
	if err != nil || !first {
		t.Fatalf("first ConsumeMarker() = %v, %v; want true, nil", first, err)
	}
	second, err := s.ConsumeMarker(ctx, "u1")
	if err != nil || second {
		t.Fatalf("second ConsumeMarker() = %v, %v; want false, nil", second, err)
	}

	if err := s.MarkFlushed(ctx, "u1", 5*time.Second); err != nil {
		t.Fatalf("MarkFlushed() error = %v", err)
	}
	mr.FastForward(6 * time.Second)
	expired, err := s.ConsumeMarker(ctx, "u1")
	if err != nil || expired {
		t.Fatalf("ConsumeMarker() after expiry = %v, %v; want false, nil", expired, err)
	}
}

func TestFlushLockExcludesSecondHolder(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	held, err := s.AcquireFlushLock(ctx, "u1", 5*time.Second, time.Second)
	if err != nil {
		t.Fatalf("AcquireFlushLock() error = %v", err)
	}

	_, err = s.AcquireFlushLock(ctx, "u1", 5*time.Second, 50*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("second AcquireFlushLock() error = %v, want ErrLockTimeout", err)
	}

	other, err := s.AcquireFlushLock(ctx, "u2", 5*time.Second, time.Second)
	if err != nil {
		t.Fatalf("AcquireFlushLock(u2) error = %v, locks must be per user", err)
	}
	_ = other.Release(ctx)

	if err := held.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	again, err := s.AcquireFlushLock(ctx, "u1", 5*time.Second, time.Second)
	if err != nil {
		t.Fatalf("AcquireFlushLock() after release error = %v", err)
	}
	_ = again.Release(ctx)
}

func TestReleaseExpiredLock(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	held, err := s.AcquireFlushLock(ctx, "u1", time.Second, time.Second)
	if err != nil {
		t.Fatalf("AcquireFlushLock() error = %v", err)
	}
	mr.FastForward(2 * time.Second)
	if err := held.Release(ctx); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("Release() error = %v, want ErrLockNotHeld", err)
	}
}

func TestRefreshExtendsLock(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	held, err := s.AcquireFlushLock(ctx, "u1", time.Second, time.Second)
	if err != nil {
		t.Fatalf("AcquireFlushLock() error = %v", err)
	}
	mr.FastForward(800 * time.Millisecond)
	if err := held.Refresh(ctx, time.Second); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	mr.FastForward(800 * time.Millisecond)

	if _, err := s.AcquireFlushLock(ctx, "u1", time.Second, 50*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("AcquireFlushLock() after refresh error = %v, want ErrLockTimeout", err)
	}

	mr.FastForward(2 * time.Second)
	if err := held.Refresh(ctx, time.Second); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("Refresh() after expiry error = %v, want ErrLockNotHeld", err)
	}
}

func TestHoldCancelsWhenLockLost(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	held, err := s.AcquireFlushLock(ctx, "u1", 300*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("AcquireFlushLock() error = %v", err)
	}
	holdCtx, stop := held.Hold(ctx, 300*time.Millisecond)
	defer stop()

	mr.Del(lockKey("u1"))

	select {
	case <-holdCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Hold() context still live after the lock was lost")
	}
	if cause := context.Cause(holdCtx); !errors.Is(cause, ErrLockNotHeld) {
		t.Fatalf("context.Cause() = %v, want ErrLockNotHeld", cause)
	}
}

func TestMarkerSetDoesNotConsume(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if set, err := s.MarkerSet(ctx, "u1"); err != nil || set {
		t.Fatalf("MarkerSet() before mark = %v, %v; want false, nil", set, err)
	}
	if err := s.MarkFlushed(ctx, "u1", 5*time.Second); err != nil {
		t.Fatalf("MarkFlushed() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if set, err := s.MarkerSet(ctx, "u1"); err != nil || !set {
			t.Fatalf("MarkerSet() call %d = %v, %v; want true, nil", i, set, err)
		}
	}
	if consumed, _ := s.ConsumeMarker(ctx, "u1"); !consumed {
		t.Fatalf("ConsumeMarker() after MarkerSet = false, want true")
	}
}

func TestFlushedDigest(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	log := []conversation.Message{
		{Role: conversation.RoleUser, Content: "hi"},
		{Role: conversation.RoleAssistant, Content: "hello"},
	}
	digest := LogDigest(log)
	if digest == LogDigest(log[:1]) {
		t.Fatalf("LogDigest() equal for different logs")
	}
	if digest == LogDigest([]conversation.Message{{Role: conversation.RoleUser, Content: "hihello"}}) {
		t.Fatalf("LogDigest() ignores entry boundaries")
	}

	if got, err := s.FlushedDigest(ctx, "u1"); err != nil || got != "" {
		t.Fatalf("FlushedDigest() before record = %q, %v; want empty", got, err)
	}
	if err := s.RememberFlushedLog(ctx, "u1", digest, time.Second); err != nil {
		t.Fatalf("RememberFlushedLog() error = %v", err)
	}
	if got, _ := s.FlushedDigest(ctx, "u1"); got != digest {
		t.Fatalf("FlushedDigest() = %q, want %q", got, digest)
	}
	mr.FastForward(2 * time.Second)
	if got, _ := s.FlushedDigest(ctx, "u1"); got != "" {
		t.Fatalf("FlushedDigest() after expiry = %q, want empty", got)
	}

	_ = s.RememberFlushedLog(ctx, "u1", digest, time.Minute)
	if err := s.Clear(ctx, "u1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if got, _ := s.FlushedDigest(ctx, "u1"); got != "" {
		t.Fatalf("FlushedDigest() after Clear = %q, want empty", got)
	}
}

func TestSettingsLayering(t *testing.T) {
	s, _, rdb := newTestStore(t)
	ctx := context.Background()

	got, err := s.Settings(ctx, "u1")
	if err != nil {
		t.Fatalf("Settings() error = %v", err)
	}
	if got.Model != conversation.DefaultModel || got.Prompt != conversation.DefaultPrompt {
		t.Fatalf("Settings() with nothing stored = %+v, want defaults", got)
	}

	temp := 0.7
	if err := s.SaveGlobalSettings(ctx, conversation.Settings{Model: "global-model", Temperature: &temp}); err != nil {
		t.Fatalf("SaveGlobalSettings() error = %v", err)
	}
	if err := s.SaveUserSettings(ctx, "u1", conversation.Settings{Prompt: "pirate"}); err != nil {
		t.Fatalf("SaveUserSettings() error = %v", err)
	}

	got, _ = s.Settings(ctx, "u1")
	if got.Model != "global-model" || got.Prompt != "pirate" || *got.Temperature != 0.7 {
		t.Fatalf("Settings(u1) = %+v, want user prompt over global model/temperature", got)
	}
	other, _ := s.Settings(ctx, "u2")
	if other.Prompt != conversation.DefaultPrompt || other.Model != "global-model" {
		t.Fatalf("Settings(u2) = %+v, want global settings", other)
	}

	rdb.Set(ctx, settingsKey("u3"), "{broken", 0)
	broken, err := s.Settings(ctx, "u3")
	if err != nil || broken.Model != "global-model" {
		t.Fatalf("Settings(u3) = %+v, %v; want malformed user config ignored", broken, err)
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 10 * time.Millisecond
	capDur := 70 * time.Millisecond
	if got := exponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := exponentialBackoff(2, base, capDur); got != 40*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 40ms", got)
	}
	if got := exponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestSettingsUseConfiguredDefaults(t *testing.T) {
	temp := 0.5
	s, _, _ := newTestStore(t, WithDefaultSettings(conversation.Settings{Model: "gpt-4o-mini", Temperature: &temp}))

	got, err := s.Settings(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Settings() error = %v", err)
	}
	if got.Model != "gpt-4o-mini" || *got.Temperature != 0.5 {
		t.Fatalf("Settings() = %+v, want configured defaults", got)
	}
	if got.Prompt != conversation.DefaultPrompt || *got.PresencePenalty != conversation.DefaultPresencePenalty {
		t.Fatalf("Settings() = %+v, want package defaults for unset fields", got)
	}
}
