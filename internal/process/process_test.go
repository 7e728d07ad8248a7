package process_test

import (
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/tncl-dev/tncl/internal/process"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func shell(t *testing.T, script string) *process.Process {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return process.New(process.Command{
		Path: sh,
		Args: []string{"-c", script},
		Env:  []string{"LC_ALL=C"},
	})
}

func TestEcho(t *testing.T) {
	t.Parallel()
	p := shell(t, `echo READY; while IFS= read -r line; do printf '%s\n' "$line"; done`)
	ctx := t.Context()

	require.False(t, p.Running())
	require.NoError(t, p.Spawn(ctx))
	require.NoError(t, p.WaitSpawned(ctx))
	require.True(t, p.Running())
	require.NotZero(t, p.Pid())

	t.Run("already running", func(t *testing.T) {
		err := p.Spawn(ctx)
		require.ErrorIs(t, err, process.ErrAlreadyRunning)
	})

	t.Run("ready", func(t *testing.T) {
		out, err := p.Read(ctx, process.Stdout, 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, "READY\n", string(out))
	})

	t.Run("query", func(t *testing.T) {
		out, err := p.Query(ctx, []byte("hello\n"), 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, "hello\n", string(out))
	})

	t.Run("unknown stream", func(t *testing.T) {
		_, err := p.Read(ctx, process.Stream("stdin"), time.Second)
		require.ErrorIs(t, err, process.ErrUnknownStream)
	})

	t.Run("kill", func(t *testing.T) {
		require.NoError(t, p.Kill())
		err := p.Wait(ctx)
		var exitErr *exec.ExitError
		require.ErrorAs(t, err, &exitErr)
		require.False(t, p.Running())
		require.Equal(t, -1, p.ExitCode())

		_, err = p.Read(ctx, process.Stdout, time.Second)
		require.ErrorIs(t, err, io.EOF)
		require.Error(t, p.Write([]byte("late\n")))
		// no-op once exited
		require.NoError(t, p.Kill())
		require.NoError(t, p.ForceKill())
	})
}

func TestReadTimeout(t *testing.T) {
	t.Parallel()
	p := shell(t, `exec sleep 10`)
	ctx := t.Context()
	require.NoError(t, p.Spawn(ctx))
	t.Cleanup(func() {
		_ = p.ForceKill()
		_ = p.Wait(context.Background())
	})

	start := time.Now()
	_, err := p.Read(ctx, process.Stdout, 50*time.Millisecond)
	require.ErrorIs(t, err, process.ErrReadTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.Read(cancelled, process.Stderr, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	p := shell(t, `echo oops >&2; exit 3`)
	ctx := t.Context()
	require.NoError(t, p.Spawn(ctx))

	out, err := p.Read(ctx, process.Stderr, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "oops\n", string(out))

	err = p.Wait(ctx)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 3, p.ExitCode())

	select {
	case <-p.Exited():
	default:
		t.Fatal("exited must be closed after wait")
	}
	_, err = p.Read(ctx, process.Stdout, time.Second)
	require.ErrorIs(t, err, io.EOF)
}

func TestNotSpawned(t *testing.T) {
	t.Parallel()
	p := process.New(process.Command{Path: "does not exist"})

	require.ErrorIs(t, p.Write([]byte("x")), process.ErrNotSpawned)
	require.False(t, p.Running())
	require.Zero(t, p.Pid())
	require.Equal(t, -1, p.ExitCode())
	require.NoError(t, p.Kill())

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.WaitSpawned(ctx), context.DeadlineExceeded)

	err := p.Spawn(t.Context())
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, "does not exist", execErr.Name)
	require.False(t, p.Running())
}
