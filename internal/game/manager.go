package game

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry owns every live session. The map lock is only held for lookups,
// inserts and deletes; per-session work happens under the session's own locks.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Create(participants int) (string, error) {
	if participants < MinParticipants || participants > MaxParticipants {
		return "", fmt.Errorf("%w: number of players must be between %d and %d, got %d",
			ErrInvalidParameter, MinParticipants, MaxParticipants, participants)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	for r.sessions[id] != nil {
		id = uuid.NewString()
	}
	r.sessions[id] = newSession(id, participants)
	return id, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.sessions[id]
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Reset gives the session a fresh AwaitingSeedImage state with the same ID
// and participant count.
func (r *Registry) Reset(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.reset()
	return nil
}

func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[id] == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	return nil
}

// EvictIdle removes sessions without activity for longer than maxIdle and
// returns their IDs.
func (r *Registry) EvictIdle(maxIdle time.Duration) []string {
	cutoff := time.Now().UTC().Add(-maxIdle)

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if s.lastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := stale[:0]
	for _, id := range stale {
		s := r.sessions[id]
		if s != nil && s.lastActivity().Before(cutoff) {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
