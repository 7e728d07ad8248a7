package model_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tncl-dev/tncl/internal/model"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	yml := `
version: 0
engine:
  type: podman
  binary: /usr/bin/podman
function:
  name: echo
  image: localhost/echo
  build: ./functions/echo
  ready_timeout: 1m30s
  execution_timeout: 250ms
  payload: hello
service:
  mode: timer
  schedule:
    duration: 30s
  log: discard
  dir: /tmp/results
  repository:
    url: https://example.com
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, model.EngineTypePodman, cfg.Engine.Type)
	require.Equal(t, "/usr/bin/podman", cfg.Engine.Binary)
	require.Equal(t, "echo", cfg.Function.Name)
	require.Equal(t, "localhost/echo", cfg.Function.Image)
	require.Equal(t, "./functions/echo", cfg.Function.Build)
	require.Equal(t, "hello", cfg.Function.Payload)
	require.Equal(t, model.ServiceModeTimer, cfg.Service.Mode)
	require.NotNil(t, cfg.Service.Schedule)
	require.Equal(t, "30s", cfg.Service.Schedule.Duration)
	require.Empty(t, cfg.Service.Schedule.Cron)
	require.Equal(t, model.LogDiscard, cfg.Service.Log)
	require.Equal(t, "/tmp/results", cfg.Service.Dir)
	require.NotNil(t, cfg.Service.Repository)
	require.True(t, cfg.Service.Repository.Enabled)
	require.Equal(t, "https://example.com", cfg.Service.Repository.URL)

	ready, execution, err := cfg.Function.Timeouts()
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, ready)
	require.Equal(t, 250*time.Millisecond, execution)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()
	yml := `
version: 0
function:
  name: echo
  image: echo
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, model.EngineTypeDocker, cfg.Engine.Type)
	require.Empty(t, cfg.Engine.Binary)
	require.Equal(t, "5s", cfg.Function.ReadyTimeout)
	require.Equal(t, "30s", cfg.Function.ExecutionTimeout)
	require.Equal(t, model.ServiceModeManual, cfg.Service.Mode)
	require.Nil(t, cfg.Service.Schedule)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{
			"missing image",
			"version: 0\nfunction:\n  name: echo\n",
			"function.image",
		},
		{
			"bad timeout",
			"version: 0\nfunction:\n  name: echo\n  image: echo\n  ready_timeout: 5 seconds\n",
			"function.ready_timeout",
		},
		{
			"unknown engine",
			"version: 0\nengine:\n  type: lxc\nfunction:\n  name: echo\n  image: echo\n",
			"engine.type",
		},
		{
			"unknown field",
			"version: 0\nfunction:\n  name: echo\n  image: echo\n  memory: 1G\n",
			"memory",
		},
		{
			"wrong version",
			"version: 1\nfunction:\n  name: echo\n  image: echo\n",
			"version",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			require.ErrorContains(t, err, tc.then)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			for _, d := range details {
				require.NotEmpty(t, d.Code)
				require.NotEmpty(t, d.Message)
			}
		})
	}
}

func TestCueErrDetails(t *testing.T) {
	t.Parallel()
	require.Nil(t, model.CueErrDetails(nil))

	yml := "version: 0\nengine:\n  type: lxc\nfunction:\n  name: echo\n  image: echo\n"
	_, err := model.LoadConfig(strings.NewReader(yml))
	require.Error(t, err)

	var messages []string
	for _, d := range model.CueErrDetails(err) {
		messages = append(messages, d.String())
		require.Equal(t, slog.KindGroup, d.LogValue().Kind())
	}
	require.NotEmpty(t, messages)
	require.Contains(t, strings.Join(messages, "\n"), "engine")
}

func TestConfigErrorString(t *testing.T) {
	t.Parallel()
	d := model.ConfigError{Path: "function.image", Code: "missing_required", Message: "field function.image is required"}
	require.Equal(t, "field function.image is required", d.String())
	require.Len(t, d.LogValue().Group(), 3)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	require.Equal(t, model.ServiceModeManual, cfg.Service.Mode)
	ready, execution, err := cfg.Function.Timeouts()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, ready)
	require.Equal(t, 30*time.Second, execution)
}
