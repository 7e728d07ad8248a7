package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/tncl-dev/tncl/internal/engine"
	"github.com/tncl-dev/tncl/internal/function"
	"github.com/tncl-dev/tncl/internal/model"
)

// Result of one invocation.
type Result struct {
	Invocation model.Invocation
	Err        error
}

// Supervisor owns a single function and invokes it on demand. A function
// stopped by a failed invocation is replaced by a fresh one before the next
// invocation.
type Supervisor struct {
	newFunction func() *function.Function
	engine      engine.Engine
	build       string
	image       string
	payload     []byte

	uploaders []model.Uploader
	oneshot   bool
	scheduler gocron.Scheduler

	start   chan struct{}
	results chan Result
	wg      sync.WaitGroup

	fnMx sync.Mutex
	fn   *function.Function
}

func NewSupervisor(ctx context.Context, cfg model.Config) (*Supervisor, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	ready, execution, err := cfg.Function.Timeouts()
	if err != nil {
		return nil, err
	}

	svcCfg := cfg.Service
	uploaders, err := uploaders(ctx, svcCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}

	eng := engine.Engine{
		Type:   engine.Type(cfg.Engine.Type),
		Binary: cfg.Engine.Binary,
	}
	fnCfg := cfg.Function
	supervisor := &Supervisor{
		newFunction: func() *function.Function {
			return function.New(fnCfg.Name, fnCfg.Image,
				function.WithEngine(eng),
				function.WithReadyTimeout(ready),
				function.WithExecutionTimeout(execution),
			)
		},
		engine:    eng,
		build:     fnCfg.Build,
		image:     fnCfg.Image,
		payload:   []byte(fnCfg.Payload),
		uploaders: uploaders,
		oneshot:   svcCfg.Mode != model.ServiceModeTimer,
		start:     make(chan struct{}, 1),
		results:   make(chan Result, 1),
	}

	if svcCfg.Mode == model.ServiceModeTimer {
		supervisor.scheduler, err = newScheduler(ctx, svcCfg.Schedule, supervisor.Start)
		if err != nil {
			supervisor.closeUploaders(ctx)
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
	}

	return supervisor, nil
}

// WithUploaders replaces uploaders of an initialized Supervisor.
// This method exists for a unit testing only.
func (s *Supervisor) WithUploaders(ctx context.Context, uploaders ...model.Uploader) *Supervisor {
	s.closeUploaders(ctx)
	s.uploaders = uploaders
	return s
}

// Start requests an invocation. It never blocks; a request made while
// another one is pending is dropped.
func (s *Supervisor) Start() {
	select {
	case s.start <- struct{}{}:
	default:
		slog.Debug("invocation already pending: ignoring start")
	}
}

// Do runs the supervisor event loop.
//
// It builds the image if configured, starts the function and then
// multiplexes invocation requests, invocation results and ctx cancellation.
//
// Modes:
//   - Oneshot (manual): a single invocation is triggered on entry; its error
//     or the upload error is returned.
//   - Timer: invocations are triggered by the scheduler; errors are only
//     logged and the loop runs until ctx is cancelled.
//
// Shutdown (deferred order): wait on invocations -> stop function ->
// close uploaders -> stop scheduler.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	if s.scheduler != nil {
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	defer func() {
		s.closeUploaders(ctx)
	}()

	if s.build != "" {
		if err := s.engine.Build(ctx, s.build, s.image); err != nil {
			return err
		}
	}

	if err := s.ensureFunction(ctx); err != nil {
		if s.oneshot {
			return err
		}
		slog.ErrorContext(ctx, "function start failed: retrying on next invocation", "error", err)
	}
	defer func() {
		s.stopFunction(ctx)
	}()

	defer func() {
		s.wg.Wait()
	}()

	if s.scheduler != nil {
		s.scheduler.Start()
	}
	if s.oneshot {
		s.Start()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			s.wg.Go(func() {
				select {
				case s.results <- s.invoke(ctx):
				case <-ctx.Done():
				}
			})
		case result := <-s.results:
			if result.Err != nil {
				if s.oneshot {
					return result.Err
				}
				slog.ErrorContext(ctx, "invocation have failed", "invocation_id", result.Invocation.ID, "error", result.Err)
				continue
			}
			slog.DebugContext(ctx, "invocation succeeded: uploading", "invocation_id", result.Invocation.ID)
			err := s.upload(ctx, result.Invocation)
			if s.oneshot {
				return err
			}
			if err != nil {
				slog.ErrorContext(ctx, "upload failed", "error", err)
				continue
			}
		}
	}
}

func (s *Supervisor) invoke(ctx context.Context) Result {
	inv := model.Invocation{
		ID:      uuid.NewString(),
		Started: time.Now().UTC(),
		Payload: s.payload,
	}
	if err := s.ensureFunction(ctx); err != nil {
		return Result{Invocation: inv, Err: err}
	}
	s.fnMx.Lock()
	fn := s.fn
	s.fnMx.Unlock()

	inv.Function = fn.Name()
	resp, err := fn.Call(ctx, s.payload)
	inv.Response = resp
	return Result{Invocation: inv, Err: err}
}

// ensureFunction starts a new function unless the current one is alive.
func (s *Supervisor) ensureFunction(ctx context.Context) error {
	s.fnMx.Lock()
	defer s.fnMx.Unlock()
	if s.fn != nil {
		switch state := s.fn.State(); state {
		case function.StateFailed, function.StateStopped:
			slog.InfoContext(ctx, "function is not running: starting a new one", "state", state)
		default:
			return nil
		}
	}
	s.fn = s.newFunction()
	return s.fn.Start(ctx)
}

func (s *Supervisor) stopFunction(ctx context.Context) {
	s.fnMx.Lock()
	defer s.fnMx.Unlock()
	if s.fn == nil {
		return
	}
	if err := s.fn.Stop(context.WithoutCancel(ctx)); err != nil {
		slog.ErrorContext(ctx, "stopping function have failed", "error", err)
	}
}

func (s *Supervisor) closeUploaders(ctx context.Context) {
	for _, uploader := range s.uploaders {
		if closer, ok := uploader.(model.UploadCloser); ok {
			err := closer.Close()
			if err != nil {
				slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) upload(ctx context.Context, inv model.Invocation) error {
	var errs []error
	for _, u := range s.uploaders {
		err := u.Upload(ctx, inv)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newScheduler(ctx context.Context, cfgp *model.TimerSchedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, fmt.Errorf("service.schedule is nil")
	}
	cfg := *cfgp
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		every, err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "every", every.String())
	case cfg.Duration != "":
		d, err := model.ParseDuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("service.schedule.duration must be positive, got %s", d)
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		job = gocron.DurationJob(d)
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

func uploaders(_ context.Context, cfg model.Service) ([]model.Uploader, error) {
	if cfg.Dir == "" && (cfg.Repository == nil || !cfg.Repository.Enabled) {
		return []model.Uploader{NewWriteUploader(os.Stdout)}, nil
	}
	var uploaders []model.Uploader
	if cfg.Dir != "" {
		u, err := NewOSRootUploader(cfg.Dir)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}

	if cfg.Repository != nil && cfg.Repository.Enabled {
		u, err := NewRepoUploader(cfg.Repository.URL)
		if err != nil {
			for _, prev := range uploaders {
				if closer, ok := prev.(model.UploadCloser); ok {
					_ = closer.Close()
				}
			}
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	return uploaders, nil
}
