package process

import (
	"errors"
	"time"
)

// Phase is the lifecycle position of a slot.
type Phase string

const (
	PhaseEmpty   Phase = "EMPTY"
	PhaseRunning Phase = "RUNNING"
	PhaseReady   Phase = "READY"
)

var (
	ErrSlotBusy        = errors.New("slot busy")
	ErrNotReady        = errors.New("not ready")
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// Process converts an input batch into an output batch over a fixed
// wall-clock duration. Progress is always re-derived from StartTime and
// EndTime, so a process survives arbitrary gaps between reconciles.
type Process struct {
	Active    bool
	Recipe    string
	StartTime time.Time
	Duration  time.Duration
	EndTime   time.Time
	Progress  float64
	InputQty  int
	OutputQty int
}

// Start occupies an empty slot. A zero duration completes immediately.
func (p *Process) Start(now time.Time, recipe string, d time.Duration, inputQty, outputQty int) error {
	if p.Active {
		return ErrSlotBusy
	}
	if inputQty <= 0 || outputQty < 0 {
		return ErrInvalidQuantity
	}
	if d < 0 {
		d = 0
	}
	*p = Process{
		Active:    true,
		Recipe:    recipe,
		StartTime: now,
		Duration:  d,
		EndTime:   now.Add(d),
		InputQty:  inputQty,
		OutputQty: outputQty,
	}
	if d == 0 {
		p.Progress = 100
	}
	return nil
}

// Reconcile recomputes Progress for now and returns it. Once a process has
// reached 100 it stays there.
func (p *Process) Reconcile(now time.Time) float64 {
	if !p.Active {
		return 0
	}
	if p.Progress >= 100 || p.Duration <= 0 || !now.Before(p.EndTime) {
		p.Progress = 100
		return p.Progress
	}
	elapsed := now.Sub(p.StartTime)
	if elapsed < 0 {
		elapsed = 0
	}
	p.Progress = min(100, float64(elapsed)/float64(p.Duration)*100)
	return p.Progress
}

// Collect empties a ready slot and returns its output.
func (p *Process) Collect() (int, error) {
	if !p.Active || p.Progress < 100 {
		return 0, ErrNotReady
	}
	out := p.OutputQty
	p.Reset()
	return out, nil
}

// Reset discards whatever the slot holds.
func (p *Process) Reset() {
	*p = Process{}
}

func (p *Process) Phase() Phase {
	switch {
	case !p.Active:
		return PhaseEmpty
	case p.Progress >= 100:
		return PhaseReady
	default:
		return PhaseRunning
	}
}

func (p *Process) Ready() bool { return p.Phase() == PhaseReady }

// Remaining is the time left until EndTime, never negative.
func (p *Process) Remaining(now time.Time) time.Duration {
	if !p.Active || p.Progress >= 100 {
		return 0
	}
	if r := p.EndTime.Sub(now); r > 0 {
		return r
	}
	return 0
}

// Advance moves the process window d earlier, as if it had started d sooner.
func (p *Process) Advance(now time.Time, d time.Duration) float64 {
	if !p.Active || d <= 0 {
		return p.Reconcile(now)
	}
	p.StartTime = p.StartTime.Add(-d)
	p.EndTime = p.StartTime.Add(p.Duration)
	return p.Reconcile(now)
}

// Rebase moves the process window so that Reconcile(now) yields pct.
func (p *Process) Rebase(now time.Time, pct float64) float64 {
	if !p.Active {
		return 0
	}
	pct = max(0, min(100, pct))
	if pct >= 100 {
		p.StartTime = now.Add(-p.Duration)
		p.EndTime = now
		p.Progress = 100
		return p.Progress
	}
	p.StartTime = now.Add(-time.Duration(pct / 100 * float64(p.Duration)))
	p.EndTime = p.StartTime.Add(p.Duration)
	p.Progress = 0
	return p.Reconcile(now)
}
