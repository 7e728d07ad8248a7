package function

import (
	"errors"
	"fmt"
)

var (
	ErrInitialization        = errors.New("initialization failed")
	ErrInitializationTimeout = errors.New("initialization timed out")
	ErrWrongReadyMessage     = errors.New("wrong ready message")
	ErrImageNotFound         = errors.New("image not found")
	ErrProcessQuit           = errors.New("process quit")
	ErrSpawn                 = errors.New("process can't be spawned")

	ErrExecution        = errors.New("execution failed")
	ErrExecutionTimeout = errors.New("execution timed out")
	ErrNotRunning       = errors.New("function is not running")
	ErrWorkerQuit       = errors.New("worker quit")
	ErrBadResponse      = errors.New("bad response")
)

// Error is returned by Start and Call. It matches both the phase
// (ErrInitialization or ErrExecution) and the kind of the failure with
// errors.Is.
type Error struct {
	Function string
	Phase    error
	Kind     error
	Detail   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("function '%s' %s: %s", e.Function, e.Phase, e.Detail)
}

func (e *Error) Unwrap() []error {
	return []error{e.Phase, e.Kind}
}

func (f *Function) initError(kind error, format string, args ...any) error {
	return &Error{
		Function: f.name,
		Phase:    ErrInitialization,
		Kind:     kind,
		Detail:   fmt.Sprintf(format, args...),
	}
}

func (f *Function) execError(kind error, format string, args ...any) error {
	return &Error{
		Function: f.name,
		Phase:    ErrExecution,
		Kind:     kind,
		Detail:   fmt.Sprintf(format, args...),
	}
}
