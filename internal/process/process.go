package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyRunning = errors.New("process already running")
	ErrUnknownStream  = errors.New("unknown stream")
	ErrReadTimeout    = errors.New("read timeout")
	ErrNotSpawned     = errors.New("process not spawned")
)

// DrainTimeout bounds how long the exit watcher waits for output pipes to
// reach EOF once the process is gone. Children inheriting the pipes can keep
// them open after the direct child exits.
var DrainTimeout = time.Second

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

// Process supervises one external program and its three standard streams.
// It is spawned at most once; create a new Process to run the command again.
type Process struct {
	command Command

	mx      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	streams map[Stream]*buffer
	state   *os.ProcessState
	err     error

	spawned chan struct{}
	exited  chan struct{}
}

func New(command Command) *Process {
	return &Process{
		command: command,
		streams: map[Stream]*buffer{
			Stdout: newBuffer(),
			Stderr: newBuffer(),
		},
		spawned: make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

func (p *Process) Command() Command { return p.command }

// Spawn starts the program. It does not wait for it to finish; use Wait or
// Exited for that. The context is used for logging only, the lifetime of the
// program is controlled by Kill and ForceKill.
func (p *Process) Spawn(ctx context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.cmd != nil {
		return ErrAlreadyRunning
	}

	cmd := exec.Command(p.command.Path, p.command.Args...)
	cmd.Env = p.command.Env
	cmd.Dir = p.command.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	readers := make(map[Stream]*os.File, len(p.streams))
	writers := make([]*os.File, 0, len(p.streams))
	closeAll := func() {
		for _, r := range readers {
			_ = r.Close()
		}
		for _, w := range writers {
			_ = w.Close()
		}
	}
	for _, name := range []Stream{Stdout, Stderr} {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll()
			return fmt.Errorf("creating %s pipe: %w", name, err)
		}
		readers[name] = r
		writers = append(writers, w)
	}
	cmd.Stdout = writers[0]
	cmd.Stderr = writers[1]

	if err := cmd.Start(); err != nil {
		closeAll()
		_ = stdin.Close()
		return err
	}
	// the child owns the write ends now
	for _, w := range writers {
		_ = w.Close()
	}

	p.cmd = cmd
	p.stdin = stdin
	close(p.spawned)
	slog.DebugContext(ctx, "process spawned", "command", p.command.String(), "pid", cmd.Process.Pid)

	var pumps errgroup.Group
	for name, r := range readers {
		b := p.streams[name]
		pumps.Go(func() error {
			defer b.close()
			return b.readFrom(r)
		})
	}
	go p.wait(ctx, cmd, &pumps, readers)
	return nil
}

func (p *Process) wait(ctx context.Context, cmd *exec.Cmd, pumps *errgroup.Group, readers map[Stream]*os.File) {
	err := cmd.Wait()

	drained := make(chan error, 1)
	go func() {
		drained <- pumps.Wait()
	}()
	var perr error
	select {
	case perr = <-drained:
		for _, r := range readers {
			_ = r.Close()
		}
	case <-time.After(DrainTimeout):
		slog.DebugContext(ctx, "process output not closed after exit", "timeout", DrainTimeout)
		for _, r := range readers {
			_ = r.Close()
		}
		perr = <-drained
	}
	if perr != nil && !errors.Is(perr, os.ErrClosed) {
		slog.DebugContext(ctx, "reading process output", "error", perr)
	}

	p.mx.Lock()
	p.state = cmd.ProcessState
	p.err = err
	p.mx.Unlock()
	close(p.exited)

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		slog.ErrorContext(ctx, "process wait failed", "command", p.command.String(), "error", err)
		return
	}
	slog.InfoContext(ctx, "process exited",
		"pid", cmd.ProcessState.Pid(),
		"status", cmd.ProcessState.String(),
		"exit_code", cmd.ProcessState.ExitCode())
}

// Read waits until the stream has data, the stream is closed, the timeout
// elapses or ctx is done. It returns everything buffered so far. A zero
// timeout waits without a deadline. Once the stream is closed and drained
// io.EOF is returned.
func (p *Process) Read(ctx context.Context, stream Stream, timeout time.Duration) ([]byte, error) {
	b, ok := p.streams[stream]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		data, closed := b.take()
		if len(data) > 0 {
			return data, nil
		}
		if closed {
			return nil, io.EOF
		}
		select {
		case <-b.notify:
		case <-deadline:
			return nil, fmt.Errorf("%w: %s after %s", ErrReadTimeout, stream, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Write sends data to the standard input of the process.
func (p *Process) Write(data []byte) error {
	p.mx.Lock()
	stdin := p.stdin
	p.mx.Unlock()
	if stdin == nil {
		return ErrNotSpawned
	}
	_, err := stdin.Write(data)
	return err
}

// Query writes data and reads the stdout answer.
func (p *Process) Query(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	if err := p.Write(data); err != nil {
		return nil, err
	}
	return p.Read(ctx, Stdout, timeout)
}

// Spawned is closed once Spawn succeeds.
func (p *Process) Spawned() <-chan struct{} { return p.spawned }

// Exited is closed once the process exits and its streams are released.
func (p *Process) Exited() <-chan struct{} { return p.exited }

func (p *Process) WaitSpawned(ctx context.Context) error {
	select {
	case <-p.spawned:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the process exits and returns the error of exec.Cmd.Wait.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.exited:
		p.mx.Lock()
		defer p.mx.Unlock()
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the process was spawned and has not exited yet.
func (p *Process) Running() bool {
	select {
	case <-p.spawned:
	default:
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *Process) Pid() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ExitCode returns the exit code or -1 while the process is running or was
// killed by a signal.
func (p *Process) ExitCode() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.state == nil {
		return -1
	}
	return p.state.ExitCode()
}

// Kill sends SIGTERM to a running process. It is a no-op otherwise.
func (p *Process) Kill() error {
	return p.signal(syscall.SIGTERM)
}

// ForceKill sends SIGKILL to a running process. It is a no-op otherwise.
func (p *Process) ForceKill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *Process) signal(sig os.Signal) error {
	if !p.Running() {
		return nil
	}
	p.mx.Lock()
	proc := p.cmd.Process
	p.mx.Unlock()
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
