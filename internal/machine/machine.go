package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrTransitionFailed = errors.New("transition failed")
	ErrUnknownName      = errors.New("unknown state or group")
)

// TransitionError reports a transition which is not part of the graph.
type TransitionError struct {
	Current string
	Target  string
	Allowed []string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition state to '%s' from '%s'. Possible transitions: %v", e.Target, e.Current, e.Allowed)
}

func (e *TransitionError) Unwrap() error { return ErrTransitionFailed }

// Machine tracks the current state of obj against a shared Definition.
//
// The mutex only guards the current state value. It is not held while an
// entry callback runs, so callbacks are free to request other transitions.
// Owners needing whole operations to be exclusive must serialize them.
type Machine[T any] struct {
	def *Definition[T]
	obj T

	mx      sync.RWMutex
	current string
}

func New[T any](def *Definition[T], obj T) *Machine[T] {
	if def == nil {
		panic("machine definition is nil")
	}
	return &Machine[T]{
		def:     def,
		obj:     obj,
		current: def.DefaultState(),
	}
}

func (m *Machine[T]) Definition() *Definition[T] { return m.def }

func (m *Machine[T]) CurrentState() string {
	m.mx.RLock()
	defer m.mx.RUnlock()
	return m.current
}

// CurrentGroup returns the group of the current state or empty string.
func (m *Machine[T]) CurrentGroup() string {
	return m.def.GroupOf(m.CurrentState())
}

// InState reports whether the machine is in the named state or in a state of
// the named group.
func (m *Machine[T]) InState(name string) (bool, error) {
	if !m.def.HasState(name) && !m.def.HasGroup(name) {
		return false, fmt.Errorf("%w '%s': states %v", ErrUnknownName, name, m.def.States())
	}
	current := m.CurrentState()
	return current == name || m.def.GroupOf(current) == name, nil
}

// CanTransition reports whether target is reachable from the current state.
func (m *Machine[T]) CanTransition(target string) bool {
	return m.def.allowed(m.CurrentState(), target)
}

// Transition moves the machine to target. The entry callback of target runs
// first; the state changes only when it succeeds. On failure the callback's
// fail handler runs and the original error is returned.
func (m *Machine[T]) Transition(ctx context.Context, target string, args ...any) error {
	current := m.CurrentState()
	if !m.def.allowed(current, target) {
		return &TransitionError{
			Current: current,
			Target:  target,
			Allowed: m.def.Targets(current),
		}
	}

	if e, ok := m.def.entries[target]; ok {
		if err := e.body(ctx, m.obj, args...); err != nil {
			if e.onFail != nil {
				e.onFail(ctx, m, err)
			}
			return err
		}
	}

	m.mx.Lock()
	m.current = target
	m.mx.Unlock()
	return nil
}
