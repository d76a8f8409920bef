package pipeline

import (
	"context"
	"sync"
)

// Registry tracks every dispatched submission chain so shutdown can drain or
// deliberately abandon them instead of leaving dangling goroutines behind.
type Registry struct {
	mu       sync.Mutex
	inFlight int
	done     chan struct{}
}

func NewRegistry() *Registry {
	r := &Registry{done: make(chan struct{})}
	close(r.done)
	return r
}

func (r *Registry) Add() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight == 0 {
		r.done = make(chan struct{})
	}
	r.inFlight++
}

func (r *Registry) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
	if r.inFlight == 0 {
		close(r.done)
	}
}

// InFlight returns the number of submission chains not yet settled.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// Drain blocks until every registered chain settles or the context expires.
// Returns the number still in flight.
func (r *Registry) Drain(ctx context.Context) int {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return r.InFlight()
}
