package farm

import (
	"fmt"
	"maps"
	"time"

	"darkfarm.ai/internal/persistence/snapshot"
	"darkfarm.ai/internal/sim/catalogs"
	"darkfarm.ai/internal/sim/process"
	"darkfarm.ai/internal/sim/tuning"
)

// Export captures the full state as a save document. Every plot and the
// cauldron appear in Processes, active or not.
func (s *State) Export(slotID string, now time.Time) snapshot.SaveV1 {
	snap := snapshot.SaveV1{
		Header: snapshot.Header{
			Version:   snapshot.Version,
			SlotID:    slotID,
			SavedAtMs: now.UnixMilli(),
		},
		TuningDigest: s.tune.Digest(),
		ResourceCounters: snapshot.ResourceCountersV1{
			Souls:   s.Souls,
			Essence: s.Essence,
		},
		Inventories: snapshot.InventoriesV1{
			Seeds:     nonNil(s.Seeds),
			Harvested: nonNil(s.Harvested),
			Crafted:   nonNil(s.Crafted),
		},
		Processes:         make([]snapshot.ProcessV1, 0, len(s.Plots)+1),
		Plots:             make([]snapshot.PlotV1, 0, len(s.Plots)),
		CauldronOwned:     s.Cauldron.Owned,
		LastTickTimestamp: s.LastTick.UnixMilli(),
	}
	for i := range s.Plots {
		snap.Processes = append(snap.Processes, exportProcess(PlotSlotID(i), s.Plots[i].Proc))
		snap.Plots = append(snap.Plots, snapshot.PlotV1{Index: i, Clicks: s.Plots[i].Clicks})
	}
	snap.Processes = append(snap.Processes, exportProcess(CauldronSlotID, s.Cauldron.Proc))
	return snap
}

func exportProcess(slot string, p process.Process) snapshot.ProcessV1 {
	if !p.Active {
		return snapshot.ProcessV1{SlotID: slot}
	}
	return snapshot.ProcessV1{
		SlotID:     slot,
		Active:     true,
		RecipeType: p.Recipe,
		StartTime:  p.StartTime.UnixMilli(),
		DurationMs: p.Duration.Milliseconds(),
		EndTime:    p.EndTime.UnixMilli(),
		Progress:   p.Progress,
		InputQty:   p.InputQty,
		OutputQty:  p.OutputQty,
	}
}

func nonNil(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return maps.Clone(m)
}

// Import rebuilds a State from a save and reconciles every active process
// against now before returning it.
func Import(cats *catalogs.Catalogs, tune tuning.Tuning, snap snapshot.SaveV1, now time.Time) (*State, error) {
	if snap.Header.Version != snapshot.Version {
		return nil, fmt.Errorf("import: unsupported save version %d", snap.Header.Version)
	}
	s := New(cats, tune, time.UnixMilli(snap.LastTickTimestamp))
	s.Souls = snap.ResourceCounters.Souls
	s.Essence = snap.ResourceCounters.Essence
	s.Seeds = nonNil(snap.Inventories.Seeds)
	s.Harvested = nonNil(snap.Inventories.Harvested)
	s.Crafted = nonNil(snap.Inventories.Crafted)
	s.Cauldron.Owned = snap.CauldronOwned

	n := len(snap.Plots)
	for _, pv := range snap.Processes {
		if i, err := ParseSlotID(pv.SlotID); err == nil && i >= n {
			n = i + 1
		}
	}
	if n > tune.MaxPlots {
		return nil, fmt.Errorf("import: %d plots exceeds max %d", n, tune.MaxPlots)
	}
	s.Plots = make([]Plot, n)
	for _, pv := range snap.Plots {
		if pv.Index < 0 || pv.Index >= n {
			return nil, fmt.Errorf("import: plot index %d out of range", pv.Index)
		}
		s.Plots[pv.Index].Clicks = pv.Clicks
	}

	seen := map[string]bool{}
	for _, pv := range snap.Processes {
		if seen[pv.SlotID] {
			return nil, fmt.Errorf("import: duplicate process for %s", pv.SlotID)
		}
		seen[pv.SlotID] = true
		i, err := ParseSlotID(pv.SlotID)
		if err != nil {
			return nil, fmt.Errorf("import: %w", err)
		}
		proc, err := importProcess(cats, i, pv)
		if err != nil {
			return nil, err
		}
		if i < 0 {
			s.Cauldron.Proc = proc
		} else {
			s.Plots[i].Proc = proc
		}
	}
	s.Reconcile(now)
	return s, nil
}

func importProcess(cats *catalogs.Catalogs, plot int, pv snapshot.ProcessV1) (process.Process, error) {
	if !pv.Active {
		return process.Process{}, nil
	}
	if plot < 0 {
		if _, ok := cats.Elixirs.ByID[pv.RecipeType]; !ok {
			return process.Process{}, fmt.Errorf("import: cauldron brews unknown recipe %q", pv.RecipeType)
		}
	} else if _, ok := cats.Seeds.ByID[pv.RecipeType]; !ok {
		return process.Process{}, fmt.Errorf("import: %s grows unknown seed %q", pv.SlotID, pv.RecipeType)
	}
	d := time.Duration(max(pv.DurationMs, 0)) * time.Millisecond
	start := time.UnixMilli(pv.StartTime)
	// EndTime is derived; a stored end_time that disagrees is ignored.
	return process.Process{
		Active:    true,
		Recipe:    pv.RecipeType,
		StartTime: start,
		Duration:  d,
		EndTime:   start.Add(d),
		Progress:  max(0, min(100, pv.Progress)),
		InputQty:  pv.InputQty,
		OutputQty: pv.OutputQty,
	}, nil
}
