// Package keylock provides per-key mutual exclusion with bounded waits.
//
// Each key owns an independent lock, so operations on different groups or
// members proceed in parallel while operations on the same key serialize.
// Acquisition respects context cancellation and deadlines; callers surface
// a timeout as a Busy error at the service boundary.
package keylock

import (
	"context"
	"sync"
)

// Registry hands out per-key locks on demand.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

// Acquire blocks until the key's lock is held or ctx ends. On success the
// caller must invoke the returned release function exactly once.
func (r *Registry) Acquire(ctx context.Context, key string) (release func(), err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	e, ok := r.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		r.locks[key] = e
	}
	e.refs++
	r.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return func() { r.release(key, e) }, nil
	case <-ctx.Done():
		r.drop(key, e)
		return nil, ctx.Err()
	}
}

func (r *Registry) release(key string, e *entry) {
	<-e.ch
	r.drop(key, e)
}

// drop decrements the refcount and removes idle entries so the registry
// does not grow with the set of keys seen over the process lifetime.
func (r *Registry) drop(key string, e *entry) {
	r.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(r.locks, key)
	}
	r.mu.Unlock()
}
