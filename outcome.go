package scraper

import (
	"context"
	"sync"
	"sync/atomic"
)

// Outcome is the single result of a session: a value or exactly one typed
// error. It is published once, after teardown has finished.
type Outcome[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newOutcome[T any]() *Outcome[T] {
	return &Outcome[T]{done: make(chan struct{})}
}

// Done is closed when the outcome is available.
func (o *Outcome[T]) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the outcome is available or ctx is done. A ctx error
// does not affect the session.
func (o *Outcome[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-o.done:
		return o.value, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while the
// session is still running.
func (o *Outcome[T]) Result() (value T, err error, ok bool) {
	select {
	case <-o.done:
		return o.value, o.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

func (o *Outcome[T]) publish(value T, err error) {
	o.once.Do(func() {
		o.value, o.err = value, err
		close(o.done)
	})
}

// settlement is a first-writer-wins result cell. Only the first call to
// settle records its value; later calls are counted and ignored.
type settlement[T any] struct {
	once    sync.Once
	settled chan struct{}
	value   T
	err     error
	ignored atomic.Int64
}

func newSettlement[T any]() *settlement[T] {
	return &settlement[T]{settled: make(chan struct{})}
}

func (s *settlement[T]) settle(value T, err error) bool {
	won := false
	s.once.Do(func() {
		s.value, s.err = value, err
		won = true
		close(s.settled)
	})
	if !won {
		s.ignored.Add(1)
	}
	return won
}

func (s *settlement[T]) isSettled() bool {
	select {
	case <-s.settled:
		return true
	default:
		return false
	}
}

// result must only be called after settled is closed.
func (s *settlement[T]) result() (T, error) {
	<-s.settled
	return s.value, s.err
}
