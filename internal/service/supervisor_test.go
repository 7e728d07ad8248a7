package service_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tncl-dev/tncl/internal/engine"
	"github.com/tncl-dev/tncl/internal/function"
	"github.com/tncl-dev/tncl/internal/model"
	"github.com/tncl-dev/tncl/internal/service"
)

const fakeEngine = `
case "$1" in
build)
	[ -f Dockerfile ] || { echo "no Dockerfile" >&2; exit 1; }
	echo "built $4"
	exit 0 ;;
run) ;;
*) echo "unsupported command $1" >&2; exit 2 ;;
esac
for image; do :; done
case "$image" in
echo)
	echo READY
	while IFS= read -r line; do printf '%s\n' "$line"; done ;;
once)
	echo READY
	IFS= read -r line
	printf '%s\n' "$line" ;;
quit)
	exit 3 ;;
*)
	echo "docker: Error response from daemon: No such image: $image:latest." >&2
	exit 125 ;;
esac
`

var fakeBinary string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "tncl-service-test")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if sh, err := exec.LookPath("sh"); err == nil {
		fakeBinary = filepath.Join(dir, "fake-engine")
		err = os.WriteFile(fakeBinary, []byte("#!"+sh+"\n"+fakeEngine), 0o755)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	code := m.Run()
	if code == 0 {
		err := goleak.Find(
			goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
			goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
			goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "goleak: %v\n", err)
			code = 1
		}
	}
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

// recorder collects uploaded invocations.
type recorder struct {
	mx       sync.Mutex
	uploaded []model.Invocation
	notify   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 16)}
}

func (r *recorder) Upload(_ context.Context, inv model.Invocation) error {
	r.mx.Lock()
	r.uploaded = append(r.uploaded, inv)
	r.mx.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *recorder) invocations() []model.Invocation {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]model.Invocation(nil), r.uploaded...)
}

func testConfig(t *testing.T, image string) model.Config {
	t.Helper()
	if fakeBinary == "" {
		t.Skip("skipped, binary sh not available")
	}
	cfg := model.DefaultConfig()
	cfg.Engine.Binary = fakeBinary
	cfg.Function.Name = "test-" + image
	cfg.Function.Image = image
	cfg.Function.ReadyTimeout = "2s"
	cfg.Function.ExecutionTimeout = "2s"
	return cfg
}

func TestSupervisorManual(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, "echo")
		cfg.Function.Payload = "hello world"

		s, err := service.NewSupervisor(t.Context(), cfg)
		require.NoError(t, err)
		rec := newRecorder()
		s = s.WithUploaders(t.Context(), rec)

		require.NoError(t, s.Do(t.Context()))

		uploaded := rec.invocations()
		require.Len(t, uploaded, 1)
		inv := uploaded[0]
		require.NotEmpty(t, inv.ID)
		require.Equal(t, "test-echo", inv.Function)
		require.Equal(t, "hello world", string(inv.Payload))
		require.Equal(t, "hello world", string(inv.Response))
		require.False(t, inv.Started.IsZero())
	})

	t.Run("build", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, "echo")
		cfg.Function.Build = t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Function.Build, "Dockerfile"), []byte("FROM scratch\n"), 0o644))

		s, err := service.NewSupervisor(t.Context(), cfg)
		require.NoError(t, err)
		rec := newRecorder()
		s = s.WithUploaders(t.Context(), rec)

		require.NoError(t, s.Do(t.Context()))
		require.Len(t, rec.invocations(), 1)
	})

	t.Run("build failed", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, "echo")
		cfg.Function.Build = t.TempDir()

		s, err := service.NewSupervisor(t.Context(), cfg)
		require.NoError(t, err)
		rec := newRecorder()
		s = s.WithUploaders(t.Context(), rec)

		err = s.Do(t.Context())
		require.ErrorIs(t, err, engine.ErrBuildFailed)
		require.Empty(t, rec.invocations())
	})

	t.Run("image not found", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, "missing")

		s, err := service.NewSupervisor(t.Context(), cfg)
		require.NoError(t, err)
		rec := newRecorder()
		s = s.WithUploaders(t.Context(), rec)

		err = s.Do(t.Context())
		require.ErrorIs(t, err, function.ErrInitialization)
		require.ErrorIs(t, err, function.ErrImageNotFound)
		require.Empty(t, rec.invocations())
	})
}

func TestSupervisorTimer(t *testing.T) {
	t.Parallel()

	t.Run("replaces stopped function", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, "once")
		cfg.Service.Mode = model.ServiceModeTimer
		cfg.Service.Schedule = &model.TimerSchedule{Duration: "200ms"}

		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Second)
		defer cancel()

		s, err := service.NewSupervisor(ctx, cfg)
		require.NoError(t, err)
		rec := newRecorder()
		s = s.WithUploaders(ctx, rec)

		done := make(chan error, 1)
		go func() {
			done <- s.Do(ctx)
		}()

		for len(rec.invocations()) < 2 {
			select {
			case <-rec.notify:
			case <-ctx.Done():
				t.Fatal("timed out waiting for invocations")
			}
		}
		cancel()
		require.NoError(t, <-done)

		uploaded := rec.invocations()
		require.NotEqual(t, uploaded[0].ID, uploaded[1].ID)
		for _, inv := range uploaded {
			require.Equal(t, "hello", string(inv.Response))
		}
	})

	t.Run("failing function", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, "quit")
		cfg.Service.Mode = model.ServiceModeTimer
		cfg.Service.Schedule = &model.TimerSchedule{Duration: "200ms"}

		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()

		s, err := service.NewSupervisor(ctx, cfg)
		require.NoError(t, err)
		rec := newRecorder()
		s = s.WithUploaders(ctx, rec)

		require.NoError(t, s.Do(ctx))
		require.Empty(t, rec.invocations())
	})
}

func TestNewSupervisorErrors(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    func(*model.Config)
		then     string
	}{
		{
			"unsupported version",
			func(c *model.Config) { c.Version = 1 },
			"config version 1 is not supported, expected 0",
		},
		{
			"bad timeout",
			func(c *model.Config) { c.Function.ReadyTimeout = "soon" },
			"parsing function.ready_timeout",
		},
		{
			"timer without schedule",
			func(c *model.Config) { c.Service.Mode = model.ServiceModeTimer },
			"timer mode failed: service.schedule is nil",
		},
		{
			"empty schedule",
			func(c *model.Config) {
				c.Service.Mode = model.ServiceModeTimer
				c.Service.Schedule = &model.TimerSchedule{}
			},
			"both cron and duration are empty",
		},
		{
			"bad cron",
			func(c *model.Config) {
				c.Service.Mode = model.ServiceModeTimer
				c.Service.Schedule = &model.TimerSchedule{Cron: "every day"}
			},
			"parsing service.schedule.cron",
		},
		{
			"bad duration",
			func(c *model.Config) {
				c.Service.Mode = model.ServiceModeTimer
				c.Service.Schedule = &model.TimerSchedule{Duration: "1 hour"}
			},
			"parsing service.schedule.duration",
		},
		{
			"missing dir",
			func(c *model.Config) { c.Service.Dir = filepath.Join(os.TempDir(), "tncl-does-not-exist", "out") },
			"initializing uploaders",
		},
		{
			"bad repository url",
			func(c *model.Config) {
				c.Service.Repository = &model.Repository{Enabled: true, URL: "http://example.com/api"}
			},
			"please define the server url",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			cfg := model.DefaultConfig()
			tc.given(&cfg)
			_, err := service.NewSupervisor(t.Context(), cfg)
			require.Error(t, err)
			require.ErrorContains(t, err, tc.then)
		})
	}
}

func TestNewSupervisorTimer(t *testing.T) {
	t.Parallel()

	for _, schedule := range []model.TimerSchedule{
		{Cron: "0 * * * *"},
		{Cron: "@every 1h"},
		{Duration: "1h"},
	} {
		t.Run(schedule.Cron+schedule.Duration, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t, "echo")
			cfg.Service.Mode = model.ServiceModeTimer
			cfg.Service.Schedule = &schedule
			cfg.Service.Dir = t.TempDir()
			cfg.Service.Repository = &model.Repository{Enabled: true, URL: "http://localhost:8080"}

			s, err := service.NewSupervisor(t.Context(), cfg)
			require.NoError(t, err)

			// nothing is scheduled before the deadline
			ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
			defer cancel()
			require.NoError(t, s.Do(ctx))

			entries, err := os.ReadDir(cfg.Service.Dir)
			require.NoError(t, err)
			require.Empty(t, entries)
		})
	}
}
