package fake

import (
	"context"
	"sync"

	"stagehand"
	"stagehand/internal/ensemble"
)

var _ ensemble.Prober = (*Prober)(nil)

// ProbeResult is one scripted probe answer.
type ProbeResult struct {
	OK   bool
	Mode stagehand.Mode
	Err  error
}

// Prober is a scripted ensemble.Prober. Answers are served per member in
// order and the last one repeats. Unscripted members report transitioning
// and not ok.
type Prober struct {
	CallRecorder
	mu    sync.Mutex
	ruok  map[string][]ProbeResult
	modes map[string][]ProbeResult
}

func NewProber() *Prober {
	return &Prober{ruok: map[string][]ProbeResult{}, modes: map[string][]ProbeResult{}}
}

func (p *Prober) SetRuok(addr string, results ...ProbeResult) {
	p.mu.Lock()
	p.ruok[addr] = results
	p.mu.Unlock()
}

func (p *Prober) SetModes(addr string, results ...ProbeResult) {
	p.mu.Lock()
	p.modes[addr] = results
	p.mu.Unlock()
}

func nextResult(queue map[string][]ProbeResult, addr string) ProbeResult {
	results := queue[addr]
	if len(results) == 0 {
		return ProbeResult{}
	}
	r := results[0]
	if len(results) > 1 {
		queue[addr] = results[1:]
	}
	return r
}

func (p *Prober) Ruok(_ context.Context, addr string) (bool, error) {
	p.record("Ruok", addr)
	p.mu.Lock()
	r := nextResult(p.ruok, addr)
	p.mu.Unlock()
	return r.OK, r.Err
}

func (p *Prober) Mode(_ context.Context, addr string) (stagehand.Mode, error) {
	p.record("Mode", addr)
	p.mu.Lock()
	r := nextResult(p.modes, addr)
	p.mu.Unlock()
	return r.Mode, r.Err
}
