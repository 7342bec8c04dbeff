package farm

import "time"

// PlantSeed consumes one seed and starts it growing on an empty plot.
func (s *State) PlantSeed(now time.Time, plot int, seed string) error {
	p, err := s.plot(plot)
	if err != nil {
		return err
	}
	def, ok := s.cats.Seeds.ByID[seed]
	if !ok {
		return fail(ErrUnknownItem, "unknown seed %q", seed)
	}
	if p.Proc.Active {
		return fail(ErrSlotBusy, "plot %d is already planted", plot)
	}
	if s.Seeds[seed] <= 0 {
		return fail(ErrInsufficientResources, "no %s seeds left", def.Name)
	}
	if err := p.Proc.Start(now, seed, def.GrowTime(), 1, 1); err != nil {
		return fail(err, "cannot plant plot %d", plot)
	}
	p.Clicks = 0
	s.Seeds[seed]--
	return nil
}

// ClickCrop tends a growing crop. Each click pulls completion forward by the
// click boost, and progress never trails clicks/required clicks. When less
// than one boost remains the crop completes.
func (s *State) ClickCrop(now time.Time, plot int) (float64, error) {
	p, err := s.plot(plot)
	if err != nil {
		return 0, err
	}
	if !p.Proc.Active || p.Proc.Reconcile(now) >= 100 {
		return p.Proc.Progress, fail(ErrNotRunning, "nothing is growing on plot %d", plot)
	}
	p.Clicks++

	boost := s.tune.ClickBoost()
	if p.Proc.Remaining(now) <= boost {
		return p.Proc.Rebase(now, 100), nil
	}
	progress := p.Proc.Advance(now, boost)
	if def, ok := s.cats.Seeds.ByID[p.Proc.Recipe]; ok && def.Clicks > 0 {
		if byClicks := float64(p.Clicks) / float64(def.Clicks) * 100; byClicks > progress {
			progress = p.Proc.Rebase(now, byClicks)
		}
	}
	return progress, nil
}

type HarvestResult struct {
	Seed         string
	Qty          int
	SeedsDropped int
}

// Harvest collects a ready crop into the harvest inventory and rolls for a
// seed drop.
func (s *State) Harvest(now time.Time, plot int, rng Rand) (HarvestResult, error) {
	p, err := s.plot(plot)
	if err != nil {
		return HarvestResult{}, err
	}
	p.Proc.Reconcile(now)
	seed := p.Proc.Recipe
	qty, err := p.Proc.Collect()
	if err != nil {
		return HarvestResult{}, fail(err, "plot %d is not ready to harvest", plot)
	}
	p.Clicks = 0
	s.Harvested[seed] += qty

	res := HarvestResult{Seed: seed, Qty: qty}
	if def, ok := s.cats.Seeds.ByID[seed]; ok && rng != nil {
		res.SeedsDropped = s.rollSeedDrop(def.DropChance, rng)
		if res.SeedsDropped > 0 {
			s.Seeds[seed] += res.SeedsDropped
		}
	}
	return res, nil
}

func (s *State) rollSeedDrop(chance float64, rng Rand) int {
	if rng.Float64() >= chance {
		return 0
	}
	switch v := rng.Float64(); {
	case v < s.tune.SeedDrop.OneBelow:
		return 1
	case v < s.tune.SeedDrop.TwoBelow:
		return 2
	default:
		return 0
	}
}

type PlotAction string

const (
	PlotHarvested PlotAction = "HARVESTED"
	PlotClicked   PlotAction = "CLICKED"
	PlotPlanted   PlotAction = "PLANTED"
)

type PlotOutcome struct {
	Action   PlotAction
	Seed     string
	Progress float64
	Harvest  HarvestResult
}

// HandlePlot is the single "tap a plot" interaction: harvest when ready,
// click while growing, otherwise plant the first seed in stock.
func (s *State) HandlePlot(now time.Time, plot int, rng Rand) (PlotOutcome, error) {
	p, err := s.plot(plot)
	if err != nil {
		return PlotOutcome{}, err
	}
	if p.Proc.Active {
		if p.Proc.Reconcile(now) >= 100 {
			h, err := s.Harvest(now, plot, rng)
			return PlotOutcome{Action: PlotHarvested, Seed: h.Seed, Harvest: h}, err
		}
		prog, err := s.ClickCrop(now, plot)
		return PlotOutcome{Action: PlotClicked, Seed: p.Proc.Recipe, Progress: prog}, err
	}
	for _, id := range s.cats.Seeds.IDs {
		if s.Seeds[id] > 0 {
			if err := s.PlantSeed(now, plot, id); err != nil {
				return PlotOutcome{}, err
			}
			return PlotOutcome{Action: PlotPlanted, Seed: id}, nil
		}
	}
	return PlotOutcome{}, fail(ErrInsufficientResources, "no seeds in inventory; buy some in the shop")
}

// BuyPlots adds qty empty plots for souls.
func (s *State) BuyPlots(qty int) (int, error) {
	if qty <= 0 {
		return 0, fail(ErrInvalidQuantity, "plot count must be positive")
	}
	if qty > s.tune.MaxPlots-len(s.Plots) {
		return 0, fail(ErrPlotLimit, "farm is limited to %d plots", s.tune.MaxPlots)
	}
	if s.tune.PlotPrice > 0 && qty > s.Souls/s.tune.PlotPrice {
		return 0, fail(ErrInsufficientResources, "%d plots cost %d souls each", qty, s.tune.PlotPrice)
	}
	cost := s.tune.PlotPrice * qty
	s.Souls -= cost
	s.Plots = append(s.Plots, make([]Plot, qty)...)
	return cost, nil
}
