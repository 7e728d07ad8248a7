package machine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

var ErrInvalidConfig = errors.New("invalid state machine config")

// EntryFunc is executed when a transition into a state is requested. The
// transition commits only if it returns nil.
type EntryFunc[T any] func(ctx context.Context, obj T, args ...any) error

// FailFunc handles an error returned by an EntryFunc. The original error is
// returned to the caller of Transition after FailFunc returns.
type FailFunc[T any] func(ctx context.Context, m *Machine[T], err error)

type state struct {
	name  string
	final bool
}

type entry[T any] struct {
	body   EntryFunc[T]
	onFail FailFunc[T]
}

type StateOption func(*state)

// Final marks a state without outgoing transitions.
func Final() StateOption { return func(s *state) { s.final = true } }

type EntryOption[T any] func(*entry[T])

func OnFail[T any](fn FailFunc[T]) EntryOption[T] {
	return func(e *entry[T]) { e.onFail = fn }
}

// OnFailTransition moves the machine into target when the entry callback fails.
func OnFailTransition[T any](target string) EntryOption[T] {
	return func(e *entry[T]) {
		e.onFail = func(ctx context.Context, m *Machine[T], _ error) {
			_ = m.Transition(ctx, target)
		}
	}
}

// Builder collects the declaration of a Definition. Every declaration is
// checked immediately and a failing one leaves the builder unchanged.
type Builder[T any] struct {
	order       []string
	states      map[string]state
	transitions map[string]map[string]struct{}
	groups      map[string]map[string]struct{}
	groupOf     map[string]string
	entries     map[string]entry[T]
	groupOrder  []string
}

func NewBuilder[T any]() *Builder[T] {
	return &Builder[T]{
		states:      make(map[string]state),
		transitions: make(map[string]map[string]struct{}),
		groups:      make(map[string]map[string]struct{}),
		groupOf:     make(map[string]string),
		entries:     make(map[string]entry[T]),
	}
}

// State declares a state. The first declared state is the default one and
// can't be final.
func (b *Builder[T]) State(name string, opts ...StateOption) error {
	s := state{name: name}
	for _, opt := range opts {
		opt(&s)
	}
	if _, ok := b.states[name]; ok {
		return fmt.Errorf("%w: state '%s' is already defined", ErrInvalidConfig, name)
	}
	if _, ok := b.groups[name]; ok {
		return fmt.Errorf("%w: '%s' is already defined as a group", ErrInvalidConfig, name)
	}
	if len(b.order) == 0 && s.final {
		return fmt.Errorf("%w: default state '%s' cannot be final", ErrInvalidConfig, name)
	}
	b.states[name] = s
	b.order = append(b.order, name)
	return nil
}

// Transition allows every from -> to pair. Repeated pairs are ignored.
func (b *Builder[T]) Transition(from, to []string) error {
	if unknown := b.unknown(append(slices.Clone(from), to...)); len(unknown) > 0 {
		return fmt.Errorf("%w: states %v are unknown", ErrInvalidConfig, unknown)
	}
	var finals []string
	for _, f := range from {
		if b.states[f].final && !slices.Contains(finals, f) {
			finals = append(finals, f)
		}
	}
	if len(finals) > 0 {
		return fmt.Errorf("%w: states %v are defined as final", ErrInvalidConfig, finals)
	}

	for _, f := range from {
		targets, ok := b.transitions[f]
		if !ok {
			targets = make(map[string]struct{}, len(to))
			b.transitions[f] = targets
		}
		for _, t := range to {
			targets[t] = struct{}{}
		}
	}
	return nil
}

// Group declares a named alias for a set of states. A state belongs to at
// most one group.
func (b *Builder[T]) Group(name string, states ...string) error {
	if _, ok := b.groups[name]; ok {
		return fmt.Errorf("%w: group '%s' is already defined", ErrInvalidConfig, name)
	}
	if _, ok := b.states[name]; ok {
		return fmt.Errorf("%w: '%s' is already defined as a state", ErrInvalidConfig, name)
	}
	if len(states) == 0 {
		return fmt.Errorf("%w: group '%s' has no states", ErrInvalidConfig, name)
	}
	if unknown := b.unknown(states); len(unknown) > 0 {
		return fmt.Errorf("%w: states %v are unknown", ErrInvalidConfig, unknown)
	}
	for _, s := range states {
		if other, ok := b.groupOf[s]; ok {
			return fmt.Errorf("%w: state '%s' is already included in group '%s'", ErrInvalidConfig, s, other)
		}
	}

	members := make(map[string]struct{}, len(states))
	for _, s := range states {
		members[s] = struct{}{}
		b.groupOf[s] = name
	}
	b.groups[name] = members
	b.groupOrder = append(b.groupOrder, name)
	return nil
}

// OnEnter registers the entry callback of a state. Each state has at most one.
func (b *Builder[T]) OnEnter(name string, body EntryFunc[T], opts ...EntryOption[T]) error {
	if _, ok := b.states[name]; !ok {
		return fmt.Errorf("%w: states [%s] are unknown", ErrInvalidConfig, name)
	}
	if _, ok := b.entries[name]; ok {
		return fmt.Errorf("%w: state '%s' already has an entry callback", ErrInvalidConfig, name)
	}
	if body == nil {
		return fmt.Errorf("%w: entry callback of '%s' is nil", ErrInvalidConfig, name)
	}
	e := entry[T]{body: body}
	for _, opt := range opts {
		opt(&e)
	}
	b.entries[name] = e
	return nil
}

// Validate checks the declared graph: at least one state, every state is
// reachable and every non final state has an outgoing transition.
func (b *Builder[T]) Validate() error {
	if len(b.order) == 0 {
		return fmt.Errorf("%w: no states defined", ErrInvalidConfig)
	}

	targets := make(map[string]struct{})
	for _, to := range b.transitions {
		for t := range to {
			targets[t] = struct{}{}
		}
	}
	var unreachable []string
	for i, name := range b.order {
		if _, ok := targets[name]; !ok && i != 0 {
			unreachable = append(unreachable, name)
		}
	}
	if len(unreachable) > 0 {
		return fmt.Errorf("%w: states %v are not reachable", ErrInvalidConfig, unreachable)
	}

	var deadEnds []string
	for _, name := range b.order {
		if !b.states[name].final && len(b.transitions[name]) == 0 {
			deadEnds = append(deadEnds, name)
		}
	}
	if len(deadEnds) > 0 {
		return fmt.Errorf("%w: transitive states %v have no outgoing transitions", ErrInvalidConfig, deadEnds)
	}
	return nil
}

// Build validates the declaration and returns an immutable Definition.
func (b *Builder[T]) Build() (*Definition[T], error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	d := &Definition[T]{
		order:       slices.Clone(b.order),
		states:      maps.Clone(b.states),
		transitions: make(map[string][]string, len(b.transitions)),
		groups:      make(map[string][]string, len(b.groups)),
		groupOf:     maps.Clone(b.groupOf),
		entries:     maps.Clone(b.entries),
	}
	for from, to := range b.transitions {
		d.transitions[from] = slices.Sorted(maps.Keys(to))
	}
	for name, members := range b.groups {
		d.groups[name] = slices.Sorted(maps.Keys(members))
	}
	return d, nil
}

// MustBuild is like Build but panics on an invalid declaration.
func (b *Builder[T]) MustBuild() *Definition[T] {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}

func (b *Builder[T]) unknown(names []string) []string {
	var ret []string
	for _, n := range names {
		if _, ok := b.states[n]; !ok && !slices.Contains(ret, n) {
			ret = append(ret, n)
		}
	}
	return ret
}

// Definition is a validated, read-only state graph. It is safe to share
// between any number of machines.
type Definition[T any] struct {
	order       []string
	states      map[string]state
	transitions map[string][]string
	groups      map[string][]string
	groupOf     map[string]string
	entries     map[string]entry[T]
}

// DefaultState is the first declared state.
func (d *Definition[T]) DefaultState() string { return d.order[0] }

// States returns state names in declaration order.
func (d *Definition[T]) States() []string { return slices.Clone(d.order) }

func (d *Definition[T]) HasState(name string) bool {
	_, ok := d.states[name]
	return ok
}

func (d *Definition[T]) HasGroup(name string) bool {
	_, ok := d.groups[name]
	return ok
}

func (d *Definition[T]) IsFinal(name string) bool {
	return d.states[name].final
}

// Targets returns the sorted set of states reachable from name in one step.
func (d *Definition[T]) Targets(name string) []string {
	return slices.Clone(d.transitions[name])
}

// Group returns the sorted members of a group.
func (d *Definition[T]) Group(name string) []string {
	return slices.Clone(d.groups[name])
}

// GroupOf returns the group containing the state, or empty string.
func (d *Definition[T]) GroupOf(name string) string {
	return d.groupOf[name]
}

func (d *Definition[T]) allowed(from, to string) bool {
	return slices.Contains(d.transitions[from], to)
}
