package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"stagehand/pkg/sdk/progress"
)

var spinFrames = [...]string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Checklist redraws pipeline steps in place: pending steps muted, the
// running step with a spinner and its latest progress note.
type Checklist struct {
	w        io.Writer
	mu       sync.Mutex
	steps    []progress.Step
	note     string
	rendered int
	frame    int
	stop     chan struct{}
	once     sync.Once
	started  bool
}

func NewChecklist(w io.Writer) *Checklist {
	return &Checklist{w: w, stop: make(chan struct{})}
}

// OnSnapshot is a progress.Reporter.
func (c *Checklist) OnSnapshot(snap progress.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = snap.Steps
	c.redraw()
	if !c.started {
		c.started = true
		go c.spin()
	}
}

// Note attaches a progress message to the running step.
func (c *Checklist) Note(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.note = msg
	c.redraw()
}

func (c *Checklist) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Checklist) spin() {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.frame = (c.frame + 1) % len(spinFrames)
			c.redraw()
			c.mu.Unlock()
		}
	}
}

// redraw reprints all step lines in place. Caller must hold c.mu.
func (c *Checklist) redraw() {
	if c.rendered > 0 {
		fmt.Fprintf(c.w, "\033[%dA", c.rendered)
	}
	for _, s := range c.steps {
		fmt.Fprintf(c.w, "\r  %s\033[K\n", c.line(s))
	}
	for i := len(c.steps); i < c.rendered; i++ {
		fmt.Fprint(c.w, "\r\033[K\n")
	}
	c.rendered = len(c.steps)
}

func (c *Checklist) line(s progress.Step) string {
	switch s.Status {
	case progress.Running:
		line := Accent(spinFrames[c.frame]) + " " + s.Title
		if c.note != "" {
			line += " " + Muted(c.note)
		}
		return line
	case progress.Done:
		return Success("✓") + " " + s.Title + " " + Muted(s.Duration.Round(time.Millisecond).String())
	case progress.Failed:
		return Failure("✗") + " " + Failure(s.Title)
	case progress.Skipped:
		line := Muted("-") + " " + Muted(s.Title)
		if s.Message != "" {
			line += " " + Muted("("+s.Message+")")
		}
		return line
	default:
		return Muted("●") + " " + Muted(s.Title)
	}
}
