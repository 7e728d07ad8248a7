// Package function runs one containerized worker and exchanges invocation
// payloads with it. The lifecycle of a Function is driven by a state machine:
//
//	created -> ready -> idle <-> executing
//	created, executing -> failed
//	idle -> stopped
//
// failed and stopped are final and form the terminated group.
package function

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tncl-dev/tncl/internal/engine"
	"github.com/tncl-dev/tncl/internal/log"
	"github.com/tncl-dev/tncl/internal/machine"
	"github.com/tncl-dev/tncl/internal/parallel"
	"github.com/tncl-dev/tncl/internal/process"
)

const (
	StateCreated   = "created"
	StateReady     = "ready"
	StateIdle      = "idle"
	StateExecuting = "executing"
	StateFailed    = "failed"
	StateStopped   = "stopped"

	GroupTerminated = "terminated"
)

const (
	DefaultReadyTimeout     = 5 * time.Second
	DefaultExecutionTimeout = 30 * time.Second
	DefaultStopTimeout      = 10 * time.Second
)

var definition = newDefinition()

func newDefinition() *machine.Definition[*Function] {
	b := machine.NewBuilder[*Function]()
	err := errors.Join(
		b.State(StateCreated),
		b.State(StateReady),
		b.State(StateIdle),
		b.State(StateExecuting),
		b.State(StateFailed, machine.Final()),
		b.State(StateStopped, machine.Final()),

		b.Group(GroupTerminated, StateFailed, StateStopped),

		b.Transition([]string{StateCreated}, []string{StateReady, StateFailed}),
		b.Transition([]string{StateReady}, []string{StateIdle}),
		b.Transition([]string{StateIdle}, []string{StateExecuting, StateStopped}),
		b.Transition([]string{StateExecuting}, []string{StateIdle, StateFailed}),

		b.OnEnter(StateReady, func(ctx context.Context, f *Function, _ ...any) error {
			return f.enterReady(ctx)
		}, machine.OnFail[*Function](failedToStart)),
		b.OnEnter(StateExecuting, func(ctx context.Context, f *Function, args ...any) error {
			inv, ok := args[0].(*invocation)
			if !ok {
				return fmt.Errorf("unexpected invocation argument %T", args[0])
			}
			return f.enterExecuting(ctx, inv)
		}),
		b.OnEnter(StateFailed, func(ctx context.Context, f *Function, _ ...any) error {
			f.terminate(ctx)
			return nil
		}),
		b.OnEnter(StateStopped, func(ctx context.Context, f *Function, _ ...any) error {
			slog.InfoContext(ctx, "function is stopping")
			f.terminate(ctx)
			return nil
		}),
	)
	if err != nil {
		panic(err)
	}
	return b.MustBuild()
}

func failedToStart(ctx context.Context, m *machine.Machine[*Function], err error) {
	slog.InfoContext(ctx, "function failed to initialize", "error", err)
	if terr := m.Transition(ctx, StateFailed); terr != nil {
		slog.ErrorContext(ctx, "can't mark function as failed", "error", terr)
	}
}

// Function is a single worker started from a container image. Start, Call
// and Stop are serialized; a Function is safe for concurrent use.
type Function struct {
	name             string
	image            string
	engine           engine.Engine
	readyTimeout     time.Duration
	executionTimeout time.Duration
	stopTimeout      time.Duration

	mx        sync.Mutex
	machine   *machine.Machine[*Function]
	process   *process.Process
	container string
	stderr    *parallel.Task[outcome]
}

type Option func(*Function)

func WithEngine(e engine.Engine) Option {
	return func(f *Function) { f.engine = e }
}

func WithReadyTimeout(d time.Duration) Option {
	return func(f *Function) { f.readyTimeout = d }
}

func WithExecutionTimeout(d time.Duration) Option {
	return func(f *Function) { f.executionTimeout = d }
}

// WithStopTimeout sets how long a stopping worker has to exit before it is
// killed with SIGKILL.
func WithStopTimeout(d time.Duration) Option {
	return func(f *Function) { f.stopTimeout = d }
}

func New(name, image string, opts ...Option) *Function {
	f := &Function{
		name:             name,
		image:            image,
		engine:           engine.Default(),
		readyTimeout:     DefaultReadyTimeout,
		executionTimeout: DefaultExecutionTimeout,
		stopTimeout:      DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.machine = machine.New(definition, f)
	return f
}

func (f *Function) Name() string  { return f.name }
func (f *Function) Image() string { return f.image }

// State returns the current lifecycle state.
func (f *Function) State() string { return f.machine.CurrentState() }

// Running reports whether the function accepts calls.
func (f *Function) Running() bool {
	return f.machine.CanTransition(StateExecuting)
}

// Start spawns the worker and waits until it announces readiness. On
// failure the worker is killed, the function ends in the failed state and
// the returned error matches ErrInitialization.
func (f *Function) Start(ctx context.Context) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	ctx = f.logContext(ctx)

	if err := f.machine.Transition(ctx, StateReady); err != nil {
		return err
	}
	return f.machine.Transition(ctx, StateIdle)
}

// Call sends payload to the worker and returns its response. Calls on a
// function which is not running fail with ErrNotRunning and have no side
// effects. Any other failure stops the function.
func (f *Function) Call(ctx context.Context, payload []byte) ([]byte, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	ctx = log.ContextAttrs(f.logContext(ctx), slog.String("invocation_id", uuid.NewString()))

	inv := &invocation{payload: payload}
	err := f.machine.Transition(ctx, StateExecuting, inv)
	if terr := (*machine.TransitionError)(nil); errors.As(err, &terr) {
		return nil, f.execError(ErrNotRunning, "not running, current state '%s'", terr.Current)
	}
	if err != nil {
		return nil, err
	}
	if err := f.machine.Transition(ctx, StateIdle); err != nil {
		return nil, err
	}
	return inv.response, nil
}

// Stop kills the worker. It is a no-op for functions never started or
// already terminated.
func (f *Function) Stop(ctx context.Context) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	ctx = f.logContext(ctx)

	if f.machine.CurrentState() == StateCreated {
		return nil
	}
	if terminated, err := f.machine.InState(GroupTerminated); err != nil || terminated {
		return err
	}
	return f.machine.Transition(ctx, StateStopped)
}

func (f *Function) logContext(ctx context.Context) context.Context {
	attrs := []any{"name", f.name, "image", f.image}
	if f.container != "" {
		attrs = append(attrs, "container", f.container)
	}
	return log.ContextAttrs(ctx, slog.Group("function", attrs...))
}

// terminate kills a running worker, escalating to SIGKILL after stopTimeout,
// and waits for the stderr reader to drain.
func (f *Function) terminate(ctx context.Context) {
	p := f.process
	if p == nil {
		return
	}

	if p.Running() {
		if err := p.Kill(); err != nil {
			slog.WarnContext(ctx, "can't terminate worker", "error", err)
		}
		select {
		case <-p.Exited():
		case <-time.After(f.stopTimeout):
			slog.WarnContext(ctx, "worker did not stop in time, killing", "timeout", f.stopTimeout)
			if err := p.ForceKill(); err != nil {
				slog.ErrorContext(ctx, "can't kill worker", "error", err)
			}
			<-p.Exited()
		}
	}

	if f.stderr == nil {
		return
	}
	select {
	case <-p.Spawned():
		// streams are closed once the process has exited
	default:
		f.stderr.Stop()
	}
	<-f.stderr.Done()
}
