package world

import (
	"maps"
	"time"

	"darkfarm.ai/internal/protocol"
)

// buildState renders the farm for clients. Maps are copied so frames stay
// valid after the world moves on.
func (w *World) buildState(now time.Time) protocol.StateMsg {
	s := w.state
	st := protocol.StateMsg{
		Type:            protocol.TypeState,
		ProtocolVersion: protocol.Version,
		SlotID:          w.cfg.SlotID,
		NowMs:           now.UnixMilli(),
		Souls:           s.Souls,
		Essence:         s.Essence,
		Seeds:           cloneCounts(s.Seeds),
		Harvested:       cloneCounts(s.Harvested),
		Crafted:         cloneCounts(s.Crafted),
		MaxPlots:        w.tune.MaxPlots,
		Plots:           make([]protocol.PlotView, 0, len(s.Plots)),
	}
	for i := range s.Plots {
		p := &s.Plots[i]
		st.Plots = append(st.Plots, protocol.PlotView{
			Slot:        i,
			Phase:       string(p.Proc.Phase()),
			Seed:        p.Proc.Recipe,
			Progress:    p.Proc.Progress,
			RemainingMs: p.Proc.Remaining(now).Milliseconds(),
			Clicks:      p.Clicks,
		})
	}
	cs := s.CauldronStatus(now)
	c := s.Cauldron.Proc
	st.Cauldron = protocol.CauldronView{
		Owned:       cs.Owned,
		Phase:       string(c.Phase()),
		Recipe:      c.Recipe,
		Progress:    cs.Progress,
		RemainingMs: cs.Remaining.Milliseconds(),
		InputQty:    c.InputQty,
		OutputQty:   c.OutputQty,
		CanStart:    cs.CanStart,
	}
	return st
}

// cloneCounts drops zero entries so clients only see what is in stock.
func cloneCounts(m map[string]int) map[string]int {
	out := maps.Clone(m)
	if out == nil {
		return map[string]int{}
	}
	maps.DeleteFunc(out, func(_ string, v int) bool { return v == 0 })
	return out
}
