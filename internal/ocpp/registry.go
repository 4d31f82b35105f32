package ocpp

import (
	"sort"
	"sync"
)

// Registry is the indexed table of live sessions, at most one per CP-ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register stores s as the live session for its CP-ID and returns the session
// it evicted, if any.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[s.id]
	r.sessions[s.id] = s
	if prev == s {
		return nil
	}
	return prev
}

// Get returns the live session for cpID.
func (r *Registry) Get(cpID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[cpID]
	return s, ok
}

// Remove deletes s if it is still the live session for its CP-ID. An evicted
// session closing late never removes its replacement.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
		return true
	}
	return false
}

// List returns the live sessions ordered by CP-ID.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
