package session

import "sync"

// Registry maps call identifiers to live sessions. At most one non-closed
// session exists per call at any time; a closed session still in the map is
// a leftover and may be replaced.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a session under its call identifier. Fails with
// ErrDuplicateSession when a live session already holds the key; exactly
// one of two concurrent creations for the same call succeeds.
func (r *Registry) Create(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[s.callSid]; ok {
		if existing.State() != StateClosed {
			return ErrDuplicateSession
		}
	}
	s.registry = r
	r.sessions[s.callSid] = s
	return nil
}

// Lookup returns the session for a call identifier.
func (r *Registry) Lookup(callSid string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callSid]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove deletes the session for a call identifier. Idempotent.
func (r *Registry) Remove(callSid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callSid)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// TerminateAll begins teardown of every registered session, used during
// graceful shutdown.
func (r *Registry) TerminateAll(reason string) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Terminate(reason)
	}
}
