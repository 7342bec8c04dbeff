package farm

import "time"

func (s *State) BuyCauldron() (int, error) {
	if s.Cauldron.Owned {
		return 0, fail(ErrAlreadyOwned, "the cauldron is already yours")
	}
	cost := s.tune.CauldronPrice
	if s.Souls < cost {
		return 0, fail(ErrInsufficientResources, "the cauldron costs %d souls", cost)
	}
	s.Souls -= cost
	s.Cauldron.Owned = true
	return cost, nil
}

// StartBrewing moves qty harvested crops into the cauldron. Brewing time
// scales linearly with qty.
func (s *State) StartBrewing(now time.Time, recipe string, qty int) error {
	if !s.Cauldron.Owned {
		return fail(ErrLocked, "buy the cauldron first")
	}
	def, ok := s.cats.Elixirs.ByID[recipe]
	if !ok {
		return fail(ErrUnknownItem, "no elixir is brewed from %q", recipe)
	}
	if qty < 1 || qty > s.tune.MaxBrewBatch {
		return fail(ErrInvalidQuantity, "batch size must be between 1 and %d", s.tune.MaxBrewBatch)
	}
	if s.Cauldron.Proc.Active {
		return fail(ErrSlotBusy, "the cauldron is already brewing; wait for it to finish")
	}
	if s.Harvested[recipe] < qty {
		return fail(ErrInsufficientResources, "not enough harvested %s", recipe)
	}
	if err := s.Cauldron.Proc.Start(now, recipe, def.BrewTime(qty), qty, qty*def.OutputMultiplier); err != nil {
		return fail(err, "cannot start brewing")
	}
	s.Harvested[recipe] -= qty
	return nil
}

// CollectElixir empties a finished cauldron into the crafted inventory.
func (s *State) CollectElixir(now time.Time) (string, int, error) {
	c := &s.Cauldron.Proc
	c.Reconcile(now)
	recipe := c.Recipe
	qty, err := c.Collect()
	if err != nil {
		return "", 0, fail(err, "the elixir is not ready yet")
	}
	s.Crafted[recipe] += qty
	return recipe, qty, nil
}

// ResetCauldron discards the current brew without returning its inputs.
func (s *State) ResetCauldron() {
	s.Cauldron.Proc.Reset()
}

// ForceCompleteCauldron finishes the current brew at now.
func (s *State) ForceCompleteCauldron(now time.Time) error {
	if !s.Cauldron.Proc.Active {
		return fail(ErrNotRunning, "the cauldron is idle")
	}
	s.Cauldron.Proc.Rebase(now, 100)
	return nil
}

type CauldronStatus struct {
	Owned     bool
	Working   bool
	Ready     bool
	Recipe    string
	Progress  float64
	Remaining time.Duration
	CanStart  bool
}

func (s *State) CauldronStatus(now time.Time) CauldronStatus {
	c := s.Cauldron.Proc
	c.Reconcile(now)
	st := CauldronStatus{
		Owned:     s.Cauldron.Owned,
		Working:   c.Active,
		Ready:     c.Ready(),
		Recipe:    c.Recipe,
		Progress:  c.Progress,
		Remaining: c.Remaining(now),
	}
	if st.Owned && !st.Working {
		for _, id := range s.cats.Elixirs.IDs {
			if s.Harvested[id] > 0 {
				st.CanStart = true
				break
			}
		}
	}
	return st
}
