package auth

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/naotama2002/spotify-auth-go/internal/errors"
)

// NewState returns a fresh opaque state value: a random UUID as 32 hex characters.
func NewState() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// StateRegistry maps state values to pending attempts.
type StateRegistry struct {
	mu       sync.Mutex
	attempts map[string]*Attempt
}

// NewStateRegistry creates an empty registry.
func NewStateRegistry() *StateRegistry {
	return &StateRegistry{attempts: make(map[string]*Attempt)}
}

// Put registers a under state. A state that is already present is rejected.
func (r *StateRegistry) Put(state string, a *Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.attempts[state]; exists {
		return apperrors.NewDuplicateStateError(state)
	}
	r.attempts[state] = a
	return nil
}

// TryGet looks up the attempt registered under state.
func (r *StateRegistry) TryGet(state string) (*Attempt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attempts[state]
	return a, ok
}

// Remove deletes state from the registry. Removing an absent state is a no-op.
func (r *StateRegistry) Remove(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.attempts, state)
}

// RemoveIf deletes state only while it still maps to a.
func (r *StateRegistry) RemoveIf(state string, a *Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.attempts[state]; ok && cur == a {
		delete(r.attempts, state)
	}
}

// Len returns the number of registered attempts.
func (r *StateRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.attempts)
}
