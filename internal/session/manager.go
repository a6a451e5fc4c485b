package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrSessionActive = errors.New("a session is already active")
)

// Manager holds the single kiosk session slot. At most one session can be
// live (not CLOSED) at a time.
type Manager struct {
	mu                sync.Mutex
	current           *Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 45 * time.Second
	}
	return &Manager{
		inactivityTimeout: inactivityTimeout,
		now:               time.Now,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// Open reserves the slot for a new CONNECTING session.
func (m *Manager) Open() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.live() {
		return nil, ErrSessionActive
	}
	now := m.now().UTC()
	m.current = &Session{
		ID:             uuid.NewString(),
		State:          StateConnecting,
		StartedAt:      now,
		LastActivityAt: now,
	}
	return clone(m.current), nil
}

// Current returns the live session, if any.
func (m *Manager) Current() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || !m.current.live() {
		return nil, false
	}
	return clone(m.current), true
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return clone(s), nil
}

func (m *Manager) SetState(id string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !s.live() {
		return ErrNotFound
	}
	if s.State == StateClosing && state != StateClosed {
		return nil
	}
	s.State = state
	return nil
}

// Touch records inbound activity from the live endpoint.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.LastActivityAt = m.now().UTC()
	return nil
}

func (m *Manager) Interrupt(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.Interruptions++
	return nil
}

func (m *Manager) TrackTool(id, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.PendingTools = append(s.PendingTools, callID)
	return nil
}

func (m *Manager) ResolveTool(id, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.PendingTools = slices.DeleteFunc(s.PendingTools, func(v string) bool { return v == callID })
	return nil
}

// Close moves the session to CLOSED and frees the slot. Closing an already
// closed session returns it unchanged.
func (m *Manager) Close(id string, reason EndReason) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if s.live() {
		s.State = StateClosed
		s.EndReason = reason
		s.PendingTools = nil
	}
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
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

// ActiveCount is 1 while a session is live, else 0.
func (m *Manager) ActiveCount() int {
	if _, ok := m.Current(); ok {
		return 1
	}
	return 0
}

// expireInactive hands an idle session to the expire hook. The hook owns the
// teardown; the session is marked CLOSING so it is only reported once. A
// session still CONNECTING has heard nothing since Open, so it expires on the
// same window.
func (m *Manager) expireInactive() {
	m.mu.Lock()
	s := m.current
	if s == nil || (s.State != StateConnecting && s.State != StateOpen && s.State != StatePausedForTool) {
		m.mu.Unlock()
		return
	}
	if m.now().Sub(s.LastActivityAt) < m.inactivityTimeout {
		m.mu.Unlock()
		return
	}
	s.State = StateClosing
	expired := clone(s)
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		hook(expired)
	}
}

func (m *Manager) lookup(id string) (*Session, error) {
	if m.current == nil || m.current.ID != id {
		return nil, ErrNotFound
	}
	return m.current, nil
}

func clone(s *Session) *Session {
	c := *s
	c.PendingTools = slices.Clone(s.PendingTools)
	return &c
}
