package parallel

import (
	"context"
	"sync"
)

// Task is a function running in its own goroutine. Stop cancels the context
// given to the function; it is up to the function to honor it.
type Task[T any] struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mx    sync.Mutex
	value T
	err   error
}

// Go starts fn in a new goroutine with a cancellable child of ctx.
func Go[T any](ctx context.Context, name string, fn func(context.Context) (T, error)) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		defer cancel()
		v, err := fn(ctx)
		t.mx.Lock()
		t.value, t.err = v, err
		t.mx.Unlock()
	}()
	return t
}

func (t *Task[T]) Name() string { return t.name }

// Done is closed when the function returns.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Stop asks the task to finish. It does not wait.
func (t *Task[T]) Stop() { t.cancel() }

// Wait blocks until the task finishes and returns its result.
func (t *Task[T]) Wait() (T, error) {
	<-t.done
	return t.Result()
}

// Result returns the result of a finished task; zero values otherwise.
func (t *Task[T]) Result() (T, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.value, t.err
}
