package session

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Registry tracks the sessions currently being served. The routing layer
// adds a session when a connection is dispatched and removes it when the
// handler returns; the server uses the registry for its stats endpoint and
// to close everything on shutdown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	total    uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers a live session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
	r.total++
}

// Remove forgets a session. Removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the live session with the given ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Total returns the number of sessions accepted since startup.
func (r *Registry) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// CloseAll closes every live session with the given status code. Handler
// goroutines observe the closure on their next blocking send or receive.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(code, reason)
	}
}

// CloseAllGoingAway is CloseAll with the going-away status code servers
// send when shutting down.
func (r *Registry) CloseAllGoingAway() {
	r.CloseAll(websocket.CloseGoingAway, "server shutting down")
}
