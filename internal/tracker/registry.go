package tracker

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps run IDs to the trackers of runs executing in this process.
// The engine owns one; nothing in the package is global.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Tracker
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Tracker)}
}

// Register adds t; a run may only be live once.
func (r *Registry) Register(t *Tracker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[t.RunID()]; exists {
		return fmt.Errorf("run %s is already active", t.RunID())
	}
	r.runs[t.RunID()] = t
	return nil
}

// Get returns the live tracker for runID.
func (r *Registry) Get(runID string) (*Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.runs[runID]
	return t, ok
}

// Remove forgets runID.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// List returns the live trackers ordered by run ID.
func (r *Registry) List() []*Tracker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tracker, 0, len(r.runs))
	for _, t := range r.runs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID() < out[j].RunID() })
	return out
}

// Len reports how many runs are live.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}
