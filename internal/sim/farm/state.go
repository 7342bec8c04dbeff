package farm

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"darkfarm.ai/internal/sim/catalogs"
	"darkfarm.ai/internal/sim/process"
	"darkfarm.ai/internal/sim/tuning"
)

const CauldronSlotID = "cauldron"

func PlotSlotID(i int) string { return "plot:" + strconv.Itoa(i) }

// ParseSlotID is the inverse of PlotSlotID / CauldronSlotID. Plot ids
// return their index; the cauldron returns -1.
func ParseSlotID(id string) (int, error) {
	if id == CauldronSlotID {
		return -1, nil
	}
	rest, ok := strings.CutPrefix(id, "plot:")
	if !ok {
		return 0, fmt.Errorf("bad slot id %q", id)
	}
	i, err := strconv.Atoi(rest)
	if err != nil || i < 0 {
		return 0, fmt.Errorf("bad slot id %q", id)
	}
	return i, nil
}

// Plot is one farming slot. Proc.Recipe holds the planted seed id.
type Plot struct {
	Clicks int
	Proc   process.Process
}

type Cauldron struct {
	Owned bool
	Proc  process.Process
}

// State is the whole game economy for one save slot. It is not safe for
// concurrent use; the world goroutine owns it.
type State struct {
	cats *catalogs.Catalogs
	tune tuning.Tuning

	Souls   int
	Essence int

	Seeds     map[string]int
	Harvested map[string]int
	Crafted   map[string]int

	Plots    []Plot
	Cauldron Cauldron

	LastTick time.Time
}

// Rand is the subset of *rand.Rand used for seed drops.
type Rand interface {
	Float64() float64
}

func New(cats *catalogs.Catalogs, tune tuning.Tuning, now time.Time) *State {
	s := &State{
		cats:      cats,
		tune:      tune,
		Souls:     tune.StartingSouls,
		Essence:   tune.StartingEssence,
		Seeds:     map[string]int{},
		Harvested: map[string]int{},
		Crafted:   map[string]int{},
		Plots:     make([]Plot, tune.InitialPlots),
		LastTick:  now,
	}
	return s
}

func (s *State) Catalogs() *catalogs.Catalogs { return s.cats }
func (s *State) Tuning() tuning.Tuning        { return s.tune }

// Clone returns a deep copy that shares only the read-only catalogs.
func (s *State) Clone() *State {
	c := *s
	c.Seeds = maps.Clone(s.Seeds)
	c.Harvested = maps.Clone(s.Harvested)
	c.Crafted = maps.Clone(s.Crafted)
	c.Plots = append([]Plot(nil), s.Plots...)
	return &c
}

func (s *State) plot(i int) (*Plot, error) {
	if i < 0 || i >= len(s.Plots) {
		return nil, fail(ErrNoSuchSlot, "plot %d does not exist", i)
	}
	return &s.Plots[i], nil
}

// Reconcile brings every active slot up to now and returns the ids of the
// slots that became ready during this call.
func (s *State) Reconcile(now time.Time) []string {
	var ready []string
	for i := range s.Plots {
		p := &s.Plots[i].Proc
		if !p.Active {
			continue
		}
		was := p.Ready()
		p.Reconcile(now)
		if !was && p.Ready() {
			ready = append(ready, PlotSlotID(i))
		}
	}
	if c := &s.Cauldron.Proc; c.Active {
		was := c.Ready()
		c.Reconcile(now)
		if !was && c.Ready() {
			ready = append(ready, CauldronSlotID)
		}
	}
	if now.After(s.LastTick) {
		s.LastTick = now
	}
	return ready
}

// ActiveSlots counts slots that hold a running or ready process.
func (s *State) ActiveSlots() int {
	n := 0
	for i := range s.Plots {
		if s.Plots[i].Proc.Active {
			n++
		}
	}
	if s.Cauldron.Proc.Active {
		n++
	}
	return n
}
