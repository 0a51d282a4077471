package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process history store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records []HistoryRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) InsertSession(_ context.Context, records []HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, r := range records {
		s.nextID++
		r.ID = s.nextID
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
		s.records = append(s.records, r)
	}
	return nil
}

func (s *InMemoryStore) SessionSummaries(_ context.Context, userID string) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[string]*SessionSummary)
	for _, r := range s.records {
		if r.UserID != userID {
			continue
		}
		sum, ok := byID[r.SessionID]
		if !ok {
			sum = &SessionSummary{SessionID: r.SessionID, StartedAt: r.Timestamp, EndedAt: r.Timestamp}
			byID[r.SessionID] = sum
		}
		if r.Timestamp.Before(sum.StartedAt) {
			sum.StartedAt = r.Timestamp
		}
		if r.Timestamp.After(sum.EndedAt) {
			sum.EndedAt = r.Timestamp
		}
		sum.MessageCount++
	}

	out := make([]SessionSummary, 0, len(byID))
	for _, sum := range byID {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].SessionID > out[j].SessionID
	})
	return out, nil
}

func (s *InMemoryStore) Session(_ context.Context, userID, sessionID string) ([]HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []HistoryRecord
	for _, r := range s.records {
		if r.UserID == userID && r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *InMemoryStore) DeleteSessions(_ context.Context, userID string, sessionIDs []string) (int64, error) {
	drop := make(map[string]struct{}, len(sessionIDs))
	for _, id := range sessionIDs {
		drop[id] = struct{}{}
	}
	return s.deleteWhere(func(r HistoryRecord) bool {
		_, ok := drop[r.SessionID]
		return ok && r.UserID == userID
	}), nil
}

func (s *InMemoryStore) TrimRecords(_ context.Context, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	if len(s.records) <= keep {
		return 0, nil
	}
	sorted := append([]HistoryRecord(nil), s.records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.After(sorted[j].Timestamp)
		}
		return sorted[i].ID > sorted[j].ID
	})
	removed := int64(len(sorted) - keep)
	kept := sorted[:keep]
	sort.Slice(kept, func(i, j int) bool { return kept[i].ID < kept[j].ID })
	s.records = kept
	return removed, nil
}

func (s *InMemoryStore) PurgeUser(_ context.Context, userID string) (int64, error) {
	return s.deleteWhere(func(r HistoryRecord) bool { return r.UserID == userID }), nil
}

func (s *InMemoryStore) deleteWhere(match func(HistoryRecord) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	var removed int64
	for _, r := range s.records {
		if match(r) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed
}

func (s *InMemoryStore) Close() error { return nil }
