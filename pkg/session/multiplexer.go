package session

import (
	"sync"
)

// Multiplexer is a concurrency-safe session table keyed by ID. pkg/proxy
// does not use it: each role keeps its own session map, and the internal
// side's reserve-then-dial flow lives in pkg/proxy/internal.go. Grounded
// on factories/mc_factory.py's uuid_dict and
// internal_proxy/external.py's InternalProxyMCClientFactory, which holds a
// dict of session id -> (deferred-or-connected) emulated client.
type Multiplexer struct {
	mu       sync.RWMutex
	sessions map[ID]*Client
}

func NewMultiplexer() *Multiplexer {
	return &Multiplexer{sessions: map[ID]*Client{}}
}

// Add registers a new session, replacing any session previously registered
// under the same ID.
func (m *Multiplexer) Add(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[c.ID] = c
}

// Remove forgets a session. It is a no-op if the session is unknown.
func (m *Multiplexer) Remove(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Get looks up a session by ID.
func (m *Multiplexer) Get(id ID) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[id]
	return c, ok
}

// Len reports the number of currently tracked sessions.
func (m *Multiplexer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Each calls fn once per currently tracked session. fn must not mutate the
// Multiplexer.
func (m *Multiplexer) Each(fn func(*Client)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.sessions {
		fn(c)
	}
}
