package progress

import (
	"strings"
	"sync"
	"time"
)

// Status represents the lifecycle state of a step.
type Status string

const (
	Pending Status = "pending"
	Running Status = "running"
	Done    Status = "done"
	Failed  Status = "failed"
	// Skipped marks steps that decided there was nothing to do, and steps
	// left unrun after an earlier failure.
	Skipped Status = "skipped"
)

// Step describes one stage of a pipeline run.
type Step struct {
	ID       string
	Title    string
	Message  string // optional detail
	Status   Status
	Duration time.Duration // set once the step leaves Running
}

// StepConfig configures titles for a tracked step.
type StepConfig struct {
	ID          string
	Title       string
	DoneTitle   string
	FailedTitle string
	Message     string
}

// Snapshot is the full state of all steps, emitted on every change.
type Snapshot struct {
	Steps []Step
}

// Reporter receives a snapshot whenever any step transitions.
type Reporter func(Snapshot)

// Tracker manages a list of steps and emits snapshots on every state change.
type Tracker struct {
	mu       sync.Mutex
	steps    []Step
	configs  map[string]StepConfig
	stepByID map[string]int
	started  map[string]time.Time
	reporter Reporter
	now      func() time.Time
}

// New creates a tracker using static step configuration.
func New(reporter Reporter, steps ...StepConfig) *Tracker {
	t := &Tracker{
		steps:    make([]Step, 0, len(steps)),
		configs:  make(map[string]StepConfig, len(steps)),
		stepByID: make(map[string]int, len(steps)),
		started:  make(map[string]time.Time, len(steps)),
		reporter: reporter,
		now:      time.Now,
	}

	for _, cfg := range steps {
		t.addStepLocked(cfg)
	}

	t.emitLocked()
	return t
}

// SetClock replaces the clock used for step durations.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Start transitions a step to Running and returns an end handle.
// Call the returned function with nil on success or with an error on failure.
func (t *Tracker) Start(id string) func(error) {
	id = normalizeID(id)

	t.mu.Lock()
	idx, cfg := t.ensureStepLocked(id)
	t.steps[idx].Status = Running
	t.steps[idx].Title = cfg.baseTitle()
	t.steps[idx].Message = cfg.Message
	t.started[id] = t.now()
	t.emitLocked()
	t.mu.Unlock()

	var once sync.Once
	return func(err error) {
		once.Do(func() {
			t.finish(id, err)
		})
	}
}

// Do is sugar for Start + fn + end(err).
func (t *Tracker) Do(id string, fn func() error) error {
	end := t.Start(id)
	if fn == nil {
		end(nil)
		return nil
	}
	err := fn()
	end(err)
	return err
}

// Skip marks a step as skipped with an optional reason.
func (t *Tracker) Skip(id, reason string) {
	id = normalizeID(id)

	t.mu.Lock()
	defer t.mu.Unlock()

	idx, cfg := t.ensureStepLocked(id)
	t.steps[idx].Status = Skipped
	t.steps[idx].Title = cfg.baseTitle()
	t.steps[idx].Message = reason
	t.steps[idx].Duration = t.elapsedLocked(id)
	t.emitLocked()
}

// SkipPending marks every step that never started as skipped.
func (t *Tracker) SkipPending(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	for i := range t.steps {
		if t.steps[i].Status == Pending {
			t.steps[i].Status = Skipped
			t.steps[i].Message = reason
			changed = true
		}
	}
	if changed {
		t.emitLocked()
	}
}

func (t *Tracker) finish(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, cfg := t.ensureStepLocked(id)
	t.steps[idx].Duration = t.elapsedLocked(id)
	if err != nil {
		t.steps[idx].Status = Failed
		t.steps[idx].Title = cfg.failedTitle()
		t.steps[idx].Message = firstLine(err.Error())
		if t.steps[idx].Message == "" {
			t.steps[idx].Message = cfg.Message
		}
		t.emitLocked()
		return
	}

	t.steps[idx].Status = Done
	t.steps[idx].Title = cfg.doneTitle()
	t.steps[idx].Message = cfg.Message
	t.emitLocked()
}

func (t *Tracker) elapsedLocked(id string) time.Duration {
	start, ok := t.started[id]
	if !ok {
		return 0
	}
	return t.now().Sub(start)
}

func (t *Tracker) addStepLocked(cfg StepConfig) {
	id := normalizeID(cfg.ID)
	cfg.ID = id
	t.configs[id] = cfg
	if _, exists := t.stepByID[id]; exists {
		return
	}

	t.stepByID[id] = len(t.steps)
	t.steps = append(t.steps, Step{
		ID:      id,
		Title:   cfg.baseTitle(),
		Message: cfg.Message,
		Status:  Pending,
	})
}

func (t *Tracker) ensureStepLocked(id string) (int, StepConfig) {
	id = normalizeID(id)
	if idx, ok := t.stepByID[id]; ok {
		return idx, t.configs[id]
	}

	cfg := StepConfig{ID: id, Title: id}
	t.addStepLocked(cfg)
	return t.stepByID[id], cfg
}

func (t *Tracker) emitLocked() {
	if t.reporter == nil {
		return
	}

	snap := make([]Step, len(t.steps))
	copy(snap, t.steps)
	t.reporter(Snapshot{Steps: snap})
}

// firstLine keeps failure messages to one line; command errors carry the
// full remote output on the following lines.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "unnamed"
	}
	return id
}

func (c StepConfig) baseTitle() string {
	if strings.TrimSpace(c.Title) != "" {
		return c.Title
	}
	return c.ID
}

func (c StepConfig) doneTitle() string {
	if strings.TrimSpace(c.DoneTitle) != "" {
		return c.DoneTitle
	}
	return c.baseTitle()
}

func (c StepConfig) failedTitle() string {
	if strings.TrimSpace(c.FailedTitle) != "" {
		return c.FailedTitle
	}
	return c.baseTitle()
}
