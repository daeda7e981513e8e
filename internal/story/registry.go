package story

import (
	"sync"
	"sync/atomic"
)

// Registry counts in-flight story runs and supports graceful draining:
// once draining, new runs are refused while running ones finish.
//
// mu makes the draining check and wg.Add atomic in Add, so no run can slip
// in between StartDraining and Wait.
type Registry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a run. It returns false while draining.
func (r *Registry) Add() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.wg.Add(1)
	r.count.Add(1)
	return true
}

// Done marks a run as finished. Call exactly once per successful Add.
func (r *Registry) Done() {
	r.count.Add(-1)
	r.wg.Done()
}

// StartDraining makes future Add calls return false.
func (r *Registry) StartDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// IsDraining reports whether the registry is draining.
func (r *Registry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// ActiveCount returns the number of runs in flight.
func (r *Registry) ActiveCount() int64 {
	return r.count.Load()
}

// Wait blocks until every registered run is done.
func (r *Registry) Wait() {
	r.wg.Wait()
}
