// Package fault injects failures into fake collaborators at named points.
package fault

import (
	"fmt"
	"strings"
	"sync"

	"stagehand/internal/check"
)

// Hook decides per call whether a point fails, based on the call arguments.
type Hook func(args ...any) error

type point struct {
	once   []error
	always error
	hook   Hook
	hits   int
}

// Injector holds the failures configured for each point. Precedence on
// evaluation is hook, then queued one-shot errors, then the persistent one.
type Injector struct {
	mu     sync.Mutex
	points map[string]*point
}

func NewInjector() *Injector {
	return &Injector{points: make(map[string]*point)}
}

// FailOnce queues err for the next evaluation of name.
func (i *Injector) FailOnce(name string, err error) {
	check.Assert(err != nil, "fault.Injector.FailOnce: err must not be nil")
	i.update(name, func(p *point) { p.once = append(p.once, err) })
}

// FailAlways makes every evaluation of name fail with err.
func (i *Injector) FailAlways(name string, err error) {
	check.Assert(err != nil, "fault.Injector.FailAlways: err must not be nil")
	i.update(name, func(p *point) { p.always = err })
}

// SetHook installs an argument-aware hook for name.
func (i *Injector) SetHook(name string, hook Hook) {
	check.Assert(hook != nil, "fault.Injector.SetHook: hook must not be nil")
	i.update(name, func(p *point) { p.hook = hook })
}

// Reset removes every configured failure and hit count.
func (i *Injector) Reset() {
	i.mu.Lock()
	i.points = make(map[string]*point)
	i.mu.Unlock()
}

// Hits returns how many times name was evaluated.
func (i *Injector) Hits(name string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p, ok := i.points[name]; ok {
		return p.hits
	}
	return 0
}

// Eval returns the failure configured for this evaluation of name, if any.
func (i *Injector) Eval(name string, args ...any) error {
	check.Assert(strings.TrimSpace(name) != "", "fault.Injector.Eval: point must not be empty")

	i.mu.Lock()
	p := i.ensure(name)
	p.hits++
	hook := p.hook
	var onceErr error
	if len(p.once) > 0 {
		onceErr, p.once = p.once[0], p.once[1:]
	}
	always := p.always
	i.mu.Unlock()

	if hook != nil {
		if err := hook(args...); err != nil {
			return fmt.Errorf("fault %s (hook): %w", name, err)
		}
	}
	if onceErr != nil {
		return fmt.Errorf("fault %s (once): %w", name, onceErr)
	}
	if always != nil {
		return fmt.Errorf("fault %s (always): %w", name, always)
	}
	return nil
}

func (i *Injector) update(name string, fn func(*point)) {
	check.Assert(strings.TrimSpace(name) != "", "fault.Injector: point must not be empty")
	i.mu.Lock()
	fn(i.ensure(name))
	i.mu.Unlock()
}

func (i *Injector) ensure(name string) *point {
	p, ok := i.points[name]
	if !ok {
		p = &point{}
		i.points[name] = p
	}
	return p
}
