package parallel

import (
	"context"
	"errors"
	"slices"
)

var ErrNoTasks = errors.New("no tasks to wait for")

// First waits until one of tasks finishes, successfully or not, and returns
// it together with the tasks still pending. The winner's result is not
// inspected; callers are expected to stop and wait on the pending tasks
// before they look at it.
//
// Every task gets its own watcher signalling a single slot channel. The
// first signal wins, the later ones are dropped, and watchers of tasks that
// never finish exit once First returns.
func First[T any](ctx context.Context, tasks ...*Task[T]) (*Task[T], []*Task[T], error) {
	if len(tasks) == 0 {
		return nil, nil, ErrNoTasks
	}

	winner := make(chan *Task[T], 1)
	quit := make(chan struct{})
	defer close(quit)

	for _, task := range tasks {
		go func() {
			select {
			case <-task.Done():
				select {
				case winner <- task:
				default:
				}
			case <-quit:
			}
		}()
	}

	select {
	case done := <-winner:
		pending := slices.DeleteFunc(slices.Clone(tasks), func(t *Task[T]) bool {
			return t == done
		})
		return done, pending, nil
	case <-ctx.Done():
		return nil, tasks, ctx.Err()
	}
}

// StopAndWait stops every task except the ones listed in except and waits
// for them to finish.
func StopAndWait[T any](tasks []*Task[T], except ...*Task[T]) {
	var stopped []*Task[T]
	for _, t := range tasks {
		if slices.Contains(except, t) {
			continue
		}
		t.Stop()
		stopped = append(stopped, t)
	}
	for _, t := range stopped {
		<-t.Done()
	}
}
