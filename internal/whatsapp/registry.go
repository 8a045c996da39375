package whatsapp

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already registered")
	ErrStaleEvent      = errors.New("event from a replaced handle")
)

// Registry maps session ids to their sessions. Reads return copies.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	nextGen  uint64
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds s; it fails if the id is already present.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	if s.generation == 0 {
		r.nextGen++
		s.generation = r.nextGen
	}
	r.sessions[s.ID] = s
	return nil
}

// reserve hands out a generation for a handle about to be registered.
func (r *Registry) reserve() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextGen++
	return r.nextGen
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// Apply runs ev through the session's state machine and returns the updated snapshot.
// Events stamped with a generation other than the registered handle's are rejected with ErrStaleEvent.
func (r *Registry) Apply(ev ProviderEvent) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[ev.SessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, ev.SessionID)
	}
	if ev.generation != 0 && ev.generation != s.generation {
		return Session{}, fmt.Errorf("%w: %s", ErrStaleEvent, ev.SessionID)
	}
	if err := s.Apply(ev); err != nil {
		return s.clone(), err
	}
	return s.clone(), nil
}

// RecordSend bumps the sent counter of a registered session.
func (r *Registry) RecordSend(id string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.Counters.Sent++
	s.Counters.LastSentAt = at
	return true
}

// Unregister removes id and returns the removed session.
func (r *Registry) Unregister(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, id)
	return s.clone(), true
}

// List returns summaries ordered by creation time, then id.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Summary())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot returns copies of every registered session.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	return out
}

// Len is the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
