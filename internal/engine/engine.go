// Package engine turns container engine operations into process commands.
// Both docker and podman share the command line used here.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/tncl-dev/tncl/internal/process"
)

type Type string

const (
	Docker Type = "docker"
	Podman Type = "podman"
)

var ErrBuildFailed = errors.New("image build failed")

type Engine struct {
	Type Type
	// Binary overrides the executable, defaults to the name of the type.
	Binary string
}

// Default returns a docker engine.
func Default() Engine {
	return Engine{Type: Docker}
}

func (e Engine) binary() string {
	if e.Binary != "" {
		return e.Binary
	}
	if e.Type == "" {
		return string(Docker)
	}
	return string(e.Type)
}

// RunCommand starts image interactively. The container is removed once it
// exits and the image is never pulled.
func (e Engine) RunCommand(image, container string) process.Command {
	return process.Command{
		Path: e.binary(),
		Args: []string{"run", "-i", "--rm", "--pull", "never", "--name", container, image},
		Env:  os.Environ(),
	}
}

// BuildCommand builds the image tag from the context directory path.
func (e Engine) BuildCommand(path, tag string) process.Command {
	return process.Command{
		Path: e.binary(),
		Args: []string{"build", ".", "-t", tag},
		Env:  os.Environ(),
		Dir:  path,
	}
}

// Build runs the image build to the end, output is logged line by line.
func (e Engine) Build(ctx context.Context, path, tag string) error {
	c := e.BuildCommand(path, tag)
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	slog.InfoContext(ctx, "building image", "path", path, "tag", tag, "engine", e.binary())
	err := cmd.Run()
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		slog.DebugContext(ctx, "build", "output", scanner.Text())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s: exit code %d", ErrBuildFailed, tag, exitErr.ExitCode())
		}
		return fmt.Errorf("%w: %s: %w", ErrBuildFailed, tag, err)
	}
	return nil
}

// IsEngineLine reports whether a stderr line comes from the engine rather
// than from the container.
func (e Engine) IsEngineLine(line string) bool {
	switch e.Type {
	case Podman:
		return strings.HasPrefix(line, "Error")
	default:
		return strings.HasPrefix(line, "docker")
	}
}

// IsImageNotFound reports whether an engine line says the image is missing.
func (e Engine) IsImageNotFound(line string) bool {
	switch e.Type {
	case Podman:
		return strings.Contains(line, "image not known")
	default:
		return strings.Contains(line, "No such image")
	}
}

var nameRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// ContainerName returns a unique container name for a function.
func ContainerName(function string) string {
	name := strings.Trim(nameRe.ReplaceAllString(function, "-"), "-._")
	if name == "" {
		name = "function"
	}
	return "tncl-" + name + "-" + uuid.NewString()
}
