// Package oneshot provides a single-resolution, multi-observer signal used to
// let racing operations call off a sibling operation.
//
// Invariants:
// - A signal is resolved at most once; later Resolve calls are no-ops.
// - Every subscriber, current or future, observes the same value exactly once.
// - A resolved signal never returns to pending.
//
// Usage:
//
//	cancel := oneshot.New[bool]()
//	go func() { cancel.Resolve(true) }()
//	v, ok := cancel.Await(ctx, time.Second)
package oneshot

import (
	"context"
	"sync"
	"time"
)

// Signal is a one-shot future carrying a value of type T.
type Signal[T any] struct {
	mu          sync.Mutex
	done        chan struct{}
	value       T
	resolved    bool
	subscribers []func(T)
}

// New creates a pending signal
func New[T any]() *Signal[T] {
	return &Signal[T]{done: make(chan struct{})}
}

// Resolved creates a signal that is already resolved with v
func Resolved[T any](v T) *Signal[T] {
	s := New[T]()
	s.Resolve(v)
	return s
}

// Resolve sets the value and notifies all subscribers. It reports whether this
// call was the one that resolved the signal.
func (s *Signal[T]) Resolve(v T) bool {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return false
	}
	s.value = v
	s.resolved = true
	subscribers := s.subscribers
	s.subscribers = nil
	close(s.done)
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn(v)
	}
	return true
}

// Subscribe registers fn to run once with the resolved value. If the signal is
// already resolved, fn runs immediately on the calling goroutine.
func (s *Signal[T]) Subscribe(fn func(T)) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	if !s.resolved {
		s.subscribers = append(s.subscribers, fn)
		s.mu.Unlock()
		return
	}
	v := s.value
	s.mu.Unlock()

	fn(v)
}

// Done returns a channel closed once the signal resolves
func (s *Signal[T]) Done() <-chan struct{} {
	return s.done
}

// Value returns the resolved value and true, or the zero value and false while pending.
func (s *Signal[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.resolved
}

// IsResolved reports whether the signal has been resolved
func (s *Signal[T]) IsResolved() bool {
	_, ok := s.Value()
	return ok
}

// Await blocks until the signal resolves, the timeout elapses or ctx is done.
// A non-positive timeout waits without a deadline. The boolean is false when
// the wait ended without a resolution.
func (s *Signal[T]) Await(ctx context.Context, timeout time.Duration) (T, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-s.done:
		return s.Value()
	case <-timer:
	case <-ctx.Done():
	}

	var zero T
	return zero, false
}
