package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Context is the run state shared by every step of one pipeline run.
// Procedure contexts embed it next to their own fields; the runner wires
// progress reporting into it before the first step.
type Context struct {
	// DryRun makes Mutate describe changes instead of applying them.
	DryRun bool

	changed  atomic.Bool
	mu       sync.Mutex // serializes progress for batch members
	progress func(string)
	log      *slog.Logger
}

// RunContext is satisfied by pointers to structs embedding Context.
type RunContext interface {
	pipelineContext() *Context
}

func (c *Context) pipelineContext() *Context { return c }

// MarkChanged records that the run performed a mutating action.
// Safe for concurrent use by batch members.
func (c *Context) MarkChanged() { c.changed.Store(true) }

// Changed reports whether any step mutated the cluster.
func (c *Context) Changed() bool { return c.changed.Load() }

// Report emits a user-visible progress message. Steps call it before each
// meaningful action so a hang can be tied to the step in progress.
func (c *Context) Report(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if c.log != nil {
		c.log.Info(msg)
	}
	if c.progress != nil {
		c.mu.Lock()
		c.progress(msg)
		c.mu.Unlock()
	}
}

// Progress returns the progress sink for collaborators that take a
// func(string), never nil.
func (c *Context) Progress() func(string) {
	return func(msg string) { c.Report("%s", msg) }
}

// Mutate runs fn unless the run is a dry run, in which case it only reports
// what would have been done. A successful fn marks the run changed.
func (c *Context) Mutate(what string, fn func() error) error {
	if c.DryRun {
		c.Report("[dry-run] would %s", what)
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	c.MarkChanged()
	return nil
}
