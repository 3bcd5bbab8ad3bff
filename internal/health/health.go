// Package health runs the readiness checks behind /health.
//
// Checks run concurrently, each under its own deadline, so one hung
// dependency cannot stall the endpoint.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 3 * time.Second

// Status is the result of one check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one dependency. The registry fills in Status.Name.
type Checker func(ctx context.Context) Status

// Registry holds named checkers in registration order.
type Registry struct {
	mu      sync.RWMutex
	names   []string
	checks  []Checker
	timeout time.Duration
}

// NewRegistry creates an empty registry using DefaultTimeout.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-check deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a checker under name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.checks = append(r.checks, check)
}

// CheckAll runs every checker and reports healthy only if all of them are.
// Statuses come back in registration order. A checker that panics or
// overruns its deadline counts as unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := append([]Checker(nil), r.checks...)
	r.mu.RUnlock()

	statuses = make([]Status, len(checks))
	var wg sync.WaitGroup
	for i := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.run(ctx, names[i], checks[i])
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, name string, check Checker) (st Status) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan Status, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Status{Detail: fmt.Sprintf("panic: %v", p)}
			}
		}()
		done <- check(ctx)
	}()

	select {
	case st = <-done:
	case <-ctx.Done():
		st = Status{Detail: "timed out"}
	}
	st.Name = name
	return st
}
