package tetherlib

import (
	"context"
	"sync"
	"time"
)

// Future is a single-settlement outcome slot. Resolve and Reject are no-ops
// after the first settlement, the associated start action runs at most once,
// and an armed deadline rejects the future when it expires.
type Future[T any] struct {
	mu      sync.Mutex
	done    chan struct{}
	val     T
	err     error
	settled bool
	began   bool
	armed   bool
	hooks   []func()
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v)
	return f
}

// Rejected returns a future already settled with err.
func Rejected[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future with v. It reports whether this call was the
// one that settled it.
func (f *Future[T]) Resolve(v T) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.val = v
	hooks := f.hooks
	f.hooks = nil
	close(f.done)
	f.mu.Unlock()

	for _, h := range hooks {
		h()
	}
	return true
}

// Reject settles the future with err. It reports whether this call was the
// one that settled it.
func (f *Future[T]) Reject(err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.err = err
	hooks := f.hooks
	f.hooks = nil
	close(f.done)
	f.mu.Unlock()

	for _, h := range hooks {
		h()
	}
	return true
}

// Begin runs the start action at most once. An error from the action
// rejects the future. Begin on a settled future does nothing.
func (f *Future[T]) Begin(action func() error) {
	f.mu.Lock()
	if f.began || f.settled {
		f.mu.Unlock()
		return
	}
	f.began = true
	f.mu.Unlock()

	if err := action(); err != nil {
		f.Reject(err)
	}
}

// Arm schedules a rejection with cause after d. A non-positive d leaves the
// future without a deadline. Only the first Arm takes effect.
func (f *Future[T]) Arm(d time.Duration, cause error) {
	if d <= 0 || cause == nil {
		return
	}
	f.mu.Lock()
	if f.settled || f.armed {
		f.mu.Unlock()
		return
	}
	f.armed = true
	f.mu.Unlock()

	t := timers.acquire(d)
	go func() {
		select {
		case <-t.C:
			f.Reject(cause)
		case <-f.done:
		}
		timers.release(t)
	}()
}

// OnSettle registers fn to run once after the future settles, whatever the
// cause. If the future already settled, fn runs immediately.
func (f *Future[T]) OnSettle(fn func()) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		fn()
		return
	}
	f.hooks = append(f.hooks, fn)
	f.mu.Unlock()
}

// Done is closed when the future settles.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

func (f *Future[T]) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Outcome reports the settled value and error. It is only meaningful after
// Done is closed.
func (f *Future[T]) Outcome() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

// Wait blocks until the future settles or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Outcome()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
