// Package health aggregates per-component checks for the /healthz endpoint.
package health

import "sync"

// Check reports whether a single component is usable.
type Check func() error

// Registry collects named component checks.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Check
}

// NewRegistry creates an empty check registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Check)}
}

// Register adds or replaces the check for a component.
func (r *Registry) Register(component string, check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[component] = check
}

// Status runs every check and returns the result per component.
// Passing checks report "ok", failing ones report the error text.
func (r *Registry) Status() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := make(map[string]string, len(r.checks))
	for component, check := range r.checks {
		if err := check(); err != nil {
			status[component] = err.Error()
		} else {
			status[component] = "ok"
		}
	}
	return status
}

// Healthy returns true when every registered check passes.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, check := range r.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}
