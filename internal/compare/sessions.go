package compare

import (
	"fmt"
	"sync"

	"github.com/gyeh/cpt-compare/internal/store"
)

// Sessions is the in-memory session registry. Sessions for different ids are
// independent; calls against the same session are serialized by the session
// itself.
type Sessions struct {
	mu sync.Mutex
	m  map[string]*Session
}

func NewSessions() *Sessions {
	return &Sessions{m: make(map[string]*Session)}
}

// BeginOrResume returns the session for id, creating it when unknown. An
// empty id allocates a fresh one. Resuming with a different baseline fails;
// a non-empty source1Name updates the display name on resume.
func (r *Sessions) BeginOrResume(id, source1Name string, baseline *store.Source) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = newSessionID()
	}
	if existing, ok := r.m[id]; ok {
		if existing.BaselineName != baseline.Name {
			return nil, fmt.Errorf("%w: session %s is bound to %q", ErrSessionBaselineChanged, id, existing.BaselineName)
		}
		if source1Name != "" {
			existing.Source1Name = source1Name
		}
		return existing, nil
	}

	s := NewSession(id, source1Name, baseline)
	r.m[id] = s
	return s, nil
}

// Get returns the live session for id, if any.
func (r *Sessions) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[id]
	return s, ok
}

// Close releases a session's in-memory state. Its persisted snapshot, if any,
// remains readable.
func (r *Sessions) Close(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[id]
	delete(r.m, id)
	return ok
}

// IDs returns the live session ids.
func (r *Sessions) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.m))
	for id := range r.m {
		ids = append(ids, id)
	}
	return ids
}
