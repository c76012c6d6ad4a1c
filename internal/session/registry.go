package session

import "sync"

// Registry is the process-wide index of active sessions. It serves discovery
// only (the HTTP order endpoint looks sessions up by credential); sessions
// remain exclusively owned by their mediator.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	byCred map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:     sync.RWMutex{},
		byID:   make(map[string]*Session),
		byCred: make(map[string]*Session),
	}
}

// Insert registers the session under its id and credential.
func (r *Registry) Insert(s *Session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.byID[s.ID()] = s
	if cred := s.Credential(); cred != "" {
		r.byCred[cred] = s
	}
	r.mu.Unlock()
}

// Delete removes the session by id. Idempotent.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	if s, ok := r.byID[id]; ok {
		delete(r.byID, id)
		if cred := s.Credential(); cred != "" && r.byCred[cred] == s {
			delete(r.byCred, cred)
		}
	}
	r.mu.Unlock()
}

// Lookup finds a session by id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.byID[id]
	r.mu.RUnlock()
	return s, ok
}

// LookupByCredential finds a session by its upstream credential.
func (r *Registry) LookupByCredential(cred string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.byCred[cred]
	r.mu.RUnlock()
	return s, ok
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Each invokes fn over a snapshot of the active sessions.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()
	for _, s := range snapshot {
		fn(s)
	}
}
