package session

import (
	"sync"
	"sync/atomic"
)

// Manager tracks all live sessions on a server. Thread-safe; provides id
// allocation, lookup by session id and by account.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	accounts map[string]*Session

	nextID atomic.Uint64
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[uint64]*Session, 1024),
		accounts: make(map[string]*Session, 1024),
	}
}

// NextID allocates a server-unique session id.
func (m *Manager) NextID() uint64 {
	return m.nextID.Add(1)
}

// Register adds a session. Called on accept.
func (m *Manager) Register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID()] = s
}

// Unregister removes a session and its account binding. Called on disconnect;
// afterwards no further references are held anywhere.
func (m *Manager) Unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.ID())
	if acc := s.AccountID(); acc != "" && m.accounts[acc] == s {
		delete(m.accounts, acc)
	}
}

// BindAccount indexes the session by account after authentication. An older
// session bound to the same account is returned so the caller can evict it.
func (m *Manager) BindAccount(accountID string, s *Session) (old *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old = m.accounts[accountID]
	if old == s {
		old = nil
	}
	m.accounts[accountID] = s
	return old
}

// Get returns a session by id.
func (m *Manager) Get(id uint64) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetByAccount returns the session bound to an account.
func (m *Manager) GetByAccount(accountID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.accounts[accountID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ForEach iterates a snapshot of the session table.
func (m *Manager) ForEach(fn func(*Session)) {
	m.mu.RLock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}
