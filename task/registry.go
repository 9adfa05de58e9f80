package task

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned when a session already has a live
// generation.
var ErrAlreadyRunning = errors.New("task: generation already running for session")

// Registry maps sessions to their live generation, enforcing the
// one-generation-per-session invariant.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Generation
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Generation)}
}

// Start registers a new generation for the session. It fails with
// ErrAlreadyRunning if one is still live.
func (r *Registry) Start(sessionID string, cancel context.CancelFunc) (*Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[sessionID]; exists {
		return nil, ErrAlreadyRunning
	}
	g := New(sessionID, cancel)
	r.active[sessionID] = g
	return g, nil
}

// Get returns the live generation for the session, if any.
func (r *Registry) Get(sessionID string) (*Generation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.active[sessionID]
	return g, ok
}

// Cancel requests cancellation of the session's live generation. It reports
// whether one was running.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.Lock()
	g, ok := r.active[sessionID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	g.Cancel()
	return true
}

// Release removes the generation from the registry. The pointer comparison
// guards against a finished loop releasing a successor that already took
// the slot.
func (r *Registry) Release(g *Generation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.active[g.SessionID]; ok && current == g {
		delete(r.active, g.SessionID)
	}
}

// SweepStale cancels and drops generations older than maxAge. A safety net
// against loops that leaked without calling Release; returns the number of
// generations swept.
func (r *Registry) SweepStale(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	swept := 0
	for sessionID, g := range r.active {
		if g.Started.Before(cutoff) {
			g.Cancel()
			delete(r.active, sessionID)
			swept++
		}
	}
	return swept
}

// Len returns the number of live generations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
