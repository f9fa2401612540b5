package run

import "sync"

// Registry maps active run ids to their cancellation callbacks. It is
// process-scoped, constructed once at startup and injected into every
// component that registers or cancels runs. Handles are not persisted: a
// restart loses the ability to cancel runs that were in flight.
type Registry struct {
	mu      sync.Mutex
	handles map[string]func()
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]func())}
}

// Register stores the cancellation callback for a run.
func (r *Registry) Register(runID string, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[runID] = cancel
}

// Unregister removes the handle. Removing an absent handle is a no-op.
func (r *Registry) Unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, runID)
}

// Cancel invokes and removes the run's handle. It reports false when no
// handle is registered, meaning the run already finished or is not owned by
// this process. The callback runs outside the lock.
func (r *Registry) Cancel(runID string) bool {
	r.mu.Lock()
	cancel, ok := r.handles[runID]
	if ok {
		delete(r.handles, runID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Active reports whether a handle is currently registered for the run.
func (r *Registry) Active(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[runID]
	return ok
}
