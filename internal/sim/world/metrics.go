package world

import (
	"sync/atomic"
	"time"
)

type runStats struct {
	stepDur         time.Duration
	droppedFrames   uint64
	savesSuperseded uint64

	// written by the save goroutine
	saves      atomic.Uint64
	saveErrors atomic.Uint64
}

// Metrics is a read-only view of runtime signals, refreshed every tick.
type Metrics struct {
	Tick          uint64  `json:"tick"`
	ActiveSlots   int     `json:"active_slots"`
	Subscribers   int     `json:"subscribers"`
	InboxDepth    int     `json:"inbox_depth"`
	StepMS        float64 `json:"step_ms"`
	DroppedFrames uint64  `json:"dropped_frames"`
	Saves         uint64  `json:"saves"`
	SaveErrors    uint64  `json:"save_errors"`
	SavesDropped  uint64  `json:"saves_superseded"`
}

func (w *World) Metrics() Metrics {
	if w == nil {
		return Metrics{}
	}
	m, _ := w.metrics.Load().(Metrics)
	return m
}

func (w *World) updateMetrics() {
	w.metrics.Store(Metrics{
		Tick:          w.tick.Load(),
		ActiveSlots:   w.state.ActiveSlots(),
		Subscribers:   len(w.subs),
		InboxDepth:    len(w.inbox),
		StepMS:        float64(w.stats.stepDur.Microseconds()) / 1000,
		DroppedFrames: w.stats.droppedFrames,
		Saves:         w.stats.saves.Load(),
		SaveErrors:    w.stats.saveErrors.Load(),
		SavesDropped:  w.stats.savesSuperseded,
	})
}
