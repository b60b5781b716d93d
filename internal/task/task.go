// Package task provides a minimal future for work that runs on its own goroutine.
package task

import (
	"context"
	"fmt"
	"sync"
)

// Task is the handle to one asynchronous computation.
type Task[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// New returns an unresolved task. Complete resolves it.
func New[T any]() *Task[T] {
	return &Task[T]{done: make(chan struct{})}
}

// Go runs fn on a new goroutine and returns its task. A panic in fn resolves the task
// with an error.
func Go[T any](fn func() (T, error)) *Task[T] {
	t := New[T]()
	go func() {
		var (
			val T
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				var zero T
				t.Complete(zero, fmt.Errorf("task panicked: %v", r))
				return
			}
			t.Complete(val, err)
		}()
		val, err = fn()
	}()
	return t
}

// Done returns a task that is already resolved.
func Done[T any](val T, err error) *Task[T] {
	t := New[T]()
	t.Complete(val, err)
	return t
}

// Complete resolves the task. Only the first call has an effect.
func (t *Task[T]) Complete(val T, err error) {
	t.once.Do(func() {
		t.val = val
		t.err = err
		close(t.done)
	})
}

// Done is closed once the task resolves.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Wait blocks until the task resolves or ctx is done.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result reports the outcome without blocking. ok is false while the task is running.
func (t *Task[T]) Result() (val T, err error, ok bool) {
	select {
	case <-t.done:
		return t.val, t.err, true
	default:
		var zero T
		return zero, nil, false
	}
}
