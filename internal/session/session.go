package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"bankist.org/internal/ids"
	"bankist.org/internal/sched"
)

// DefaultTimeout is the auto-logout countdown used when none is configured.
const DefaultTimeout = 30 * time.Second

// State is the session state machine position.
type State string

const (
	StateLoggedOut State = "logged_out"
	StateLoggedIn  State = "logged_in"
)

// EndReason records why a session stopped.
type EndReason string

const (
	ReasonLogout   EndReason = "logout"
	ReasonExpired  EndReason = "expired"
	ReasonClosed   EndReason = "account_closed"
	ReasonReplaced EndReason = "replaced"
)

var ErrNotLoggedIn = errors.New("not logged in")

// Session is the record of the authenticated account. It refers to the
// account by username only; the ledger owns the account itself.
type Session struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`
	Sorted    bool      `json:"sorted"`
}

// Manager holds at most one session and runs its expiry countdown on a
// sched.Runner.
type Manager struct {
	mu       sync.Mutex
	runner   *sched.Runner
	timeout  time.Duration
	current  *Session
	timer    sched.TaskID
	gen      uint64
	onExpire func(Session)
}

// NewManager creates a manager. A non-positive timeout falls back to DefaultTimeout.
func NewManager(runner *sched.Runner, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{runner: runner, timeout: timeout}
}

// OnExpire registers a callback invoked after a session times out.
func (m *Manager) OnExpire(fn func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// Timeout returns the configured countdown length.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Start opens a session for username, replacing any current one, and starts
// the countdown. The replaced session, if any, is returned as well.
func (m *Manager) Start(username string) (started Session, replaced *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		prev := *m.current
		replaced = &prev
		m.clearLocked()
	}
	now := m.runner.Now()
	m.current = &Session{
		ID:        ids.Prefixed("sess", now),
		Username:  username,
		StartedAt: now,
	}
	m.armLocked(now)
	return *m.current, replaced
}

// Touch restarts the countdown of the current session.
func (m *Manager) Touch() (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, ErrNotLoggedIn
	}
	m.armLocked(m.runner.Now())
	return *m.current, nil
}

// End stops the current session. It reports false when nobody was logged in.
func (m *Manager) End() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	ended := *m.current
	m.clearLocked()
	return ended, true
}

// Current returns the active session.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// State reports whether a session is active.
func (m *Manager) State() State {
	if _, ok := m.Current(); ok {
		return StateLoggedIn
	}
	return StateLoggedOut
}

// Remaining is the time left on the countdown, zero when logged out.
func (m *Manager) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0
	}
	left := m.current.Deadline.Sub(m.runner.Now())
	if left < 0 {
		return 0
	}
	return left
}

// ToggleSorted flips the movement sort flag and returns the new value.
func (m *Manager) ToggleSorted() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return false, ErrNotLoggedIn
	}
	m.current.Sorted = !m.current.Sorted
	return m.current.Sorted, nil
}

func (m *Manager) armLocked(now time.Time) {
	if m.timer != "" {
		m.runner.Cancel(m.timer)
	}
	m.gen++
	gen := m.gen
	m.current.Deadline = now.Add(m.timeout)
	m.timer = m.runner.After(m.timeout, "session.expire", func(time.Time) {
		m.expire(gen)
	})
}

func (m *Manager) clearLocked() {
	if m.timer != "" {
		m.runner.Cancel(m.timer)
		m.timer = ""
	}
	m.gen++
	m.current = nil
}

func (m *Manager) expire(gen uint64) {
	m.mu.Lock()
	if m.current == nil || gen != m.gen {
		m.mu.Unlock()
		return
	}
	ended := *m.current
	m.timer = ""
	m.clearLocked()
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		hook(ended)
	}
}

type idKey struct{}

// ContextWithID pins an operation to a specific session id.
func ContextWithID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, idKey{}, id)
}

// IDFromContext returns the session id pinned by ContextWithID.
func IDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(idKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
