package callsession

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSessionExists is returned by [Registry.Create] when a session with the
// same id is already registered.
var ErrSessionExists = errors.New("callsession: session already exists")

// Registry is the authoritative map of active call sessions. It is safe for
// concurrent creation and removal of different sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*CallSession)}
}

// Create registers a new session for p.SessionID. At most one session exists
// per id at any time.
func (r *Registry) Create(p Params) (*CallSession, error) {
	if p.SessionID == "" {
		return nil, errors.New("callsession: session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[p.SessionID]; ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionExists, p.SessionID)
	}
	s := newSession(p)
	r.sessions[p.SessionID] = s
	return s, nil
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove unregisters the session under id and returns it. Only the first of
// several concurrent callers receives true; late callers must treat the
// session as already torn down.
func (r *Registry) Remove(id string) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
