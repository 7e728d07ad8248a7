package function

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/tncl-dev/tncl/internal/engine"
	"github.com/tncl-dev/tncl/internal/log"
	"github.com/tncl-dev/tncl/internal/parallel"
	"github.com/tncl-dev/tncl/internal/process"
	"github.com/tncl-dev/tncl/internal/wire"
)

// outcome is what an observer of a starting worker decided. Failures are
// reported as errors.
type outcome int

const (
	// undecided observers ended without learning anything about readiness
	undecided outcome = iota
	ready
)

type invocation struct {
	payload  []byte
	response []byte
}

func (f *Function) enterReady(ctx context.Context) error {
	f.container = engine.ContainerName(f.name)
	ctx = log.ContextAttrs(ctx, slog.String("container", f.container))
	p := process.New(f.engine.RunCommand(f.image, f.container))
	f.process = p

	// observers must be running before the process is spawned
	readyTask := parallel.Go(ctx, "ready", f.waitReady(p))
	stderrTask := parallel.Go(context.WithoutCancel(ctx), "stderr", f.readStderr(p))
	exitTask := parallel.Go(ctx, "exit", f.waitExit(p))
	f.stderr = stderrTask
	tasks := []*parallel.Task[outcome]{readyTask, stderrTask, exitTask}

	if err := p.Spawn(ctx); err != nil {
		parallel.StopAndWait(tasks)
		return f.initError(ErrSpawn, "%v", err)
	}

	for {
		winner, pending, err := parallel.First(ctx, tasks...)
		if err != nil {
			parallel.StopAndWait(tasks, stderrTask)
			return f.initError(err, "%v", err)
		}
		o, werr := winner.Result()
		if werr == nil && o == undecided {
			tasks = pending
			continue
		}

		if winner == exitTask {
			// the process is gone: readers end at EOF and may know the cause
			werr = f.quitCause(werr, stderrTask, readyTask)
		} else {
			parallel.StopAndWait(pending, stderrTask)
		}
		if werr != nil {
			return werr
		}
		break
	}

	slog.InfoContext(ctx, "function is ready")
	return nil
}

// quitCause prefers a failure reported by a reader over the plain exit.
func (f *Function) quitCause(exitErr error, readers ...*parallel.Task[outcome]) error {
	for _, t := range readers {
		if _, err := t.Wait(); err != nil {
			return err
		}
	}
	return exitErr
}

func (f *Function) waitReady(p *process.Process) func(context.Context) (outcome, error) {
	return func(ctx context.Context) (outcome, error) {
		if err := p.WaitSpawned(ctx); err != nil {
			return undecided, nil
		}
		start := time.Now()
		line, err := readLine(ctx, p, f.readyTimeout)
		switch {
		case errors.Is(err, process.ErrReadTimeout):
			return undecided, f.readyTimedOut(p)
		case errors.Is(err, io.EOF) && len(line) == 0:
			return f.waitReadyDeadline(ctx, p, start)
		case errors.Is(err, io.EOF):
		case err != nil:
			return undecided, nil
		}

		text, ok := wire.ParseReady(firstLine(ctx, line))
		if !ok {
			return undecided, f.initError(ErrWrongReadyMessage,
				"wrong ready message. Expected: '%s', received: '%s'", wire.Ready, wire.Truncate(text, 80))
		}
		return ready, nil
	}
}

// waitReadyDeadline handles a worker which closed stdout without a ready
// line. An exited worker is reported by the exit watcher, a live one fails
// once the ready timeout passes.
func (f *Function) waitReadyDeadline(ctx context.Context, p *process.Process, start time.Time) (outcome, error) {
	var deadline <-chan time.Time
	if f.readyTimeout > 0 {
		timer := time.NewTimer(f.readyTimeout - time.Since(start))
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-p.Exited():
		return undecided, nil
	case <-ctx.Done():
		return undecided, nil
	case <-deadline:
		return undecided, f.readyTimedOut(p)
	}
}

func (f *Function) readyTimedOut(p *process.Process) error {
	if !p.Running() {
		return nil
	}
	return f.initError(ErrInitializationTimeout, "timed out after %s", f.readyTimeout)
}

func (f *Function) readStderr(p *process.Process) func(context.Context) (outcome, error) {
	return func(ctx context.Context) (outcome, error) {
		if err := p.WaitSpawned(ctx); err != nil {
			return undecided, nil
		}
		var pending []byte
		for {
			chunk, err := p.Read(ctx, process.Stderr, 0)
			if err != nil {
				if len(pending) > 0 {
					slog.InfoContext(ctx, "function output", "output", string(pending))
				}
				return undecided, nil
			}
			pending = append(pending, chunk...)
			for {
				line, rest, found := bytes.Cut(pending, []byte("\n"))
				if !found {
					break
				}
				pending = rest
				if err := f.classify(ctx, string(line)); err != nil {
					return undecided, err
				}
			}
		}
	}
}

func (f *Function) classify(ctx context.Context, line string) error {
	if f.engine.IsEngineLine(line) {
		if f.engine.IsImageNotFound(line) {
			return f.initError(ErrImageNotFound, "image '%s' is not found", f.image)
		}
		slog.WarnContext(ctx, "container engine", "output", line)
		return nil
	}
	slog.InfoContext(ctx, "function output", "output", line)
	return nil
}

func (f *Function) waitExit(p *process.Process) func(context.Context) (outcome, error) {
	return func(ctx context.Context) (outcome, error) {
		if err := p.WaitSpawned(ctx); err != nil {
			return undecided, nil
		}
		select {
		case <-p.Exited():
			return undecided, f.initError(ErrProcessQuit, "process quit with exit code %d", p.ExitCode())
		case <-ctx.Done():
			return undecided, nil
		}
	}
}

func (f *Function) enterExecuting(ctx context.Context, inv *invocation) error {
	p := f.process
	if err := p.Write(wire.Encode(inv.payload)); err != nil {
		return f.abort(ctx, f.execError(ErrWorkerQuit, "writing request: %v", err))
	}

	line, err := readLine(ctx, p, f.executionTimeout)
	switch {
	case errors.Is(err, process.ErrReadTimeout):
		slog.WarnContext(ctx, "function execution timed out", "timeout", f.executionTimeout)
		return f.abort(ctx, f.execError(ErrExecutionTimeout, "timed out after %s", f.executionTimeout))
	case errors.Is(err, io.EOF):
		return f.abort(ctx, f.execError(ErrWorkerQuit, "worker quit before responding"))
	case err != nil:
		return f.abort(ctx, f.execError(err, "%v", err))
	}

	response, err := wire.Decode(firstLine(ctx, line))
	if err != nil {
		return f.abort(ctx, f.execError(ErrBadResponse, "%v", err))
	}
	inv.response = response
	return nil
}

// abort stops the function after a failed invocation and returns err.
func (f *Function) abort(ctx context.Context, err error) error {
	ctx = context.WithoutCancel(ctx)
	if serr := f.machine.Transition(ctx, StateStopped); serr != nil {
		slog.ErrorContext(ctx, "can't stop function", "error", serr)
	}
	return err
}

// firstLine returns the first line of data read from stdout. The rest is
// logged and dropped.
func firstLine(ctx context.Context, data []byte) []byte {
	line, rest, _ := bytes.Cut(data, []byte("\n"))
	if rest = bytes.TrimSpace(rest); len(rest) > 0 {
		slog.DebugContext(ctx, "discarding function output", "output", string(rest))
	}
	return line
}

// readLine reads stdout until it ends with a full line. A zero timeout
// waits without a deadline.
func readLine(ctx context.Context, p *process.Process, timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	var line []byte
	for !wire.Complete(line) {
		var remaining time.Duration
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return line, process.ErrReadTimeout
			}
		}
		chunk, err := p.Read(ctx, process.Stdout, remaining)
		if err != nil {
			return line, err
		}
		line = append(line, chunk...)
	}
	return line, nil
}
