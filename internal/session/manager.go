package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("connection not found")

type entry struct {
	session *Session
	cancel  context.CancelFunc
}

// Manager tracks live chat connections and expires idle ones. Expiry
// cancels the connection's context so its handler runs the normal
// disconnect path.
type Manager struct {
	mu                sync.RWMutex
	entries           map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		entries:           make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// Create registers a connection. cancel is invoked if the connection expires.
func (m *Manager) Create(userID string, cancel context.CancelFunc) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s.ID] = &entry{session: s, cancel: cancel}
	return clone(s)
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.session), nil
}

func (m *Manager) Touch(id string) error {
	return m.update(id, func(s *Session) {})
}

// RecordTurn counts a completed exchange on the connection.
func (m *Manager) RecordTurn(id string) error {
	return m.update(id, func(s *Session) { s.TurnCount++ })
}

func (m *Manager) update(id string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.session.Status != StatusActive {
		return ErrNotFound
	}
	fn(e.session)
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

// End unregisters the connection and returns its final state. An expired
// connection keeps its expired status.
func (m *Manager) End(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.entries, id)
	if e.session.Status == StatusActive {
		e.session.Status = StatusEnded
	}
	e.session.LastActivityAt = time.Now().UTC()
	return clone(e.session), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.entries {
		if e.session.Status == StatusActive {
			count++
		}
	}
	return count
}

// UserConnections lists the active connections of one user.
func (m *Manager) UserConnections(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, e := range m.entries {
		if e.session.UserID == userID && e.session.Status == StatusActive {
			out = append(out, clone(e.session))
		}
	}
	return out
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var (
		expired []*Session
		cancels []context.CancelFunc
	)

	m.mu.Lock()
	for _, e := range m.entries {
		s := e.session
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusExpired
		s.LastActivityAt = now
		expired = append(expired, clone(s))
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
	for _, cancel := range cancels {
		cancel()
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
