package farm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darkfarm.ai/internal/protocol"
	"darkfarm.ai/internal/sim/catalogs"
	"darkfarm.ai/internal/sim/process"
	"darkfarm.ai/internal/sim/tuning"
)

var t0 = time.UnixMilli(1_700_000_000_000)

// seqRand replays a fixed sequence of rolls.
type seqRand struct{ vals []float64 }

func (r *seqRand) Float64() float64 {
	v := r.vals[0]
	r.vals = r.vals[1:]
	return v
}

func newState(t *testing.T) *State {
	t.Helper()
	return New(catalogs.Defaults(), tuning.Defaults(), t0)
}

func TestNew_Defaults(t *testing.T) {
	s := newState(t)
	assert.Equal(t, 0, s.Souls)
	assert.Equal(t, 100, s.Essence)
	assert.Len(t, s.Plots, 3)
	assert.False(t, s.Cauldron.Owned)
	assert.Equal(t, 0, s.ActiveSlots())
}

func TestBuySeed(t *testing.T) {
	s := newState(t)

	cost, err := s.BuySeed("shadow_berry", 3)
	require.NoError(t, err)
	assert.Equal(t, 30, cost)
	assert.Equal(t, 70, s.Essence)
	assert.Equal(t, 3, s.Seeds["shadow_berry"])

	_, err = s.BuySeed("blood_rose", 1)
	require.ErrorIs(t, err, ErrInsufficientResources)
	assert.Equal(t, protocol.ErrNoResource, Code(err))
	assert.Equal(t, 70, s.Essence)
	assert.Zero(t, s.Seeds["blood_rose"])

	_, err = s.BuySeed("shadow_berry", 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = s.BuySeed("turnip", 1)
	assert.ErrorIs(t, err, ErrUnknownItem)
	assert.Equal(t, 70, s.Essence)
}

func TestBuySeed_HugeQuantityRejected(t *testing.T) {
	s := newState(t)

	_, err := s.BuySeed("shadow_berry", 1<<62)
	require.ErrorIs(t, err, ErrInsufficientResources)
	assert.Equal(t, 100, s.Essence)
	assert.Zero(t, s.Seeds["shadow_berry"])

	_, err = s.BuySeed("shadow_berry", 11)
	require.ErrorIs(t, err, ErrInsufficientResources)
	cost, err := s.BuySeed("shadow_berry", 10)
	require.NoError(t, err)
	assert.Equal(t, 100, cost)
	assert.Zero(t, s.Essence)
}

func TestExchangeSouls(t *testing.T) {
	s := newState(t)
	_, err := s.ExchangeSouls(1)
	require.ErrorIs(t, err, ErrInsufficientResources)

	s.Souls = 10
	gain, err := s.ExchangeSouls(2)
	require.NoError(t, err)
	assert.Equal(t, 10, gain)
	assert.Equal(t, 8, s.Souls)
	assert.Equal(t, 110, s.Essence)

	_, err = s.ExchangeSouls(-1)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestBuyPlots(t *testing.T) {
	s := newState(t)
	s.Souls = 100

	cost, err := s.BuyPlots(2)
	require.NoError(t, err)
	assert.Equal(t, 50, cost)
	assert.Len(t, s.Plots, 5)
	assert.Equal(t, 50, s.Souls)

	_, err = s.BuyPlots(27)
	require.ErrorIs(t, err, ErrPlotLimit)
	assert.Equal(t, protocol.ErrConflict, Code(err))

	_, err = s.BuyPlots(3)
	require.ErrorIs(t, err, ErrInsufficientResources)
	assert.Len(t, s.Plots, 5)
	assert.Equal(t, 50, s.Souls)

	for _, qty := range []int{1 << 62, int(^uint(0) >> 1)} {
		_, err = s.BuyPlots(qty)
		require.ErrorIs(t, err, ErrPlotLimit)
	}
	assert.Len(t, s.Plots, 5)
	assert.Equal(t, 50, s.Souls)
}

func TestPlantSeed(t *testing.T) {
	s := newState(t)
	s.Seeds["shadow_berry"] = 2

	require.NoError(t, s.PlantSeed(t0, 0, "shadow_berry"))
	assert.Equal(t, 1, s.Seeds["shadow_berry"])
	assert.Equal(t, process.PhaseRunning, s.Plots[0].Proc.Phase())
	assert.Equal(t, 20*time.Second, s.Plots[0].Proc.Duration)

	err := s.PlantSeed(t0, 0, "shadow_berry")
	require.ErrorIs(t, err, ErrSlotBusy)
	assert.Equal(t, 1, s.Seeds["shadow_berry"], "inventory unchanged on failure")

	err = s.PlantSeed(t0, 1, "ghost_pumpkin")
	require.ErrorIs(t, err, ErrInsufficientResources)

	err = s.PlantSeed(t0, 9, "shadow_berry")
	require.ErrorIs(t, err, ErrNoSuchSlot)
	assert.Equal(t, protocol.ErrInvalidTarget, Code(err))
}

func TestGrowAndHarvest(t *testing.T) {
	s := newState(t)
	s.Seeds["shadow_berry"] = 1
	require.NoError(t, s.PlantSeed(t0, 0, "shadow_berry"))

	_, err := s.Harvest(t0.Add(10*time.Second), 0, nil)
	require.ErrorIs(t, err, ErrNotReady)
	assert.InDelta(t, 50, s.Plots[0].Proc.Progress, 1e-9)
	assert.Equal(t, process.PhaseRunning, s.Plots[0].Proc.Phase())

	ready := s.Reconcile(t0.Add(20 * time.Second))
	assert.Equal(t, []string{"plot:0"}, ready)
	assert.Empty(t, s.Reconcile(t0.Add(21*time.Second)), "ready is reported once")

	res, err := s.Harvest(t0.Add(21*time.Second), 0, &seqRand{vals: []float64{0.9}})
	require.NoError(t, err)
	assert.Equal(t, HarvestResult{Seed: "shadow_berry", Qty: 1}, res)
	assert.Equal(t, 1, s.Harvested["shadow_berry"])
	assert.Equal(t, process.PhaseEmpty, s.Plots[0].Proc.Phase())
}

func TestHarvest_SeedDrop(t *testing.T) {
	for name, tc := range map[string]struct {
		rolls []float64
		want  int
	}{
		"no drop":    {[]float64{0.5}, 0},
		"one seed":   {[]float64{0.1, 0.39}, 1},
		"two seeds":  {[]float64{0.1, 0.5}, 2},
		"empty roll": {[]float64{0.49, 0.9}, 0},
	} {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			s.Seeds["shadow_berry"] = 1
			require.NoError(t, s.PlantSeed(t0, 0, "shadow_berry"))

			res, err := s.Harvest(t0.Add(time.Minute), 0, &seqRand{vals: tc.rolls})
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.SeedsDropped)
			assert.Equal(t, tc.want, s.Seeds["shadow_berry"])
		})
	}
}

func TestClickCrop(t *testing.T) {
	s := newState(t)
	s.Seeds["shadow_berry"] = 1
	require.NoError(t, s.PlantSeed(t0, 0, "shadow_berry"))

	for i := 1; i <= 6; i++ {
		prog, err := s.ClickCrop(t0, 0)
		require.NoError(t, err)
		assert.InDelta(t, float64(15*i), prog, 1e-9, "click %d", i)
	}
	prog, err := s.ClickCrop(t0, 0)
	require.NoError(t, err)
	assert.Equal(t, 100.0, prog)
	assert.True(t, s.Plots[0].Proc.Ready())
	assert.Equal(t, 7, s.Plots[0].Clicks)

	_, err = s.ClickCrop(t0, 0)
	require.ErrorIs(t, err, ErrNotRunning)
	_, err = s.ClickCrop(t0, 1)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestClickCrop_ClickShareDominates(t *testing.T) {
	tune := tuning.Defaults()
	tune.ClickBoostMs = 0
	s := New(catalogs.Defaults(), tune, t0)
	s.Seeds["shadow_berry"] = 1
	require.NoError(t, s.PlantSeed(t0, 0, "shadow_berry"))

	prog, err := s.ClickCrop(t0, 0)
	require.NoError(t, err)
	assert.InDelta(t, 100.0/7, prog, 1e-6)

	// The rebased window keeps reconcile timestamp-derived.
	assert.InDelta(t, 100.0/7+50, s.Plots[0].Proc.Reconcile(t0.Add(10*time.Second)), 1e-6)
}

func TestHandlePlot(t *testing.T) {
	s := newState(t)

	_, err := s.HandlePlot(t0, 0, nil)
	require.ErrorIs(t, err, ErrInsufficientResources)

	s.Seeds["ghost_pumpkin"] = 1
	s.Seeds["shadow_berry"] = 1

	out, err := s.HandlePlot(t0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, PlotPlanted, out.Action)
	assert.Equal(t, "ghost_pumpkin", out.Seed, "first seed in sorted id order")

	out, err = s.HandlePlot(t0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, PlotClicked, out.Action)
	assert.InDelta(t, 6, out.Progress, 1e-9)

	out, err = s.HandlePlot(t0.Add(time.Minute), 0, &seqRand{vals: []float64{0.99}})
	require.NoError(t, err)
	assert.Equal(t, PlotHarvested, out.Action)
	assert.Equal(t, 1, out.Harvest.Qty)
	assert.Equal(t, 1, s.Harvested["ghost_pumpkin"])
}

func TestCauldron(t *testing.T) {
	s := newState(t)
	s.Harvested["shadow_berry"] = 5

	err := s.StartBrewing(t0, "shadow_berry", 1)
	require.ErrorIs(t, err, ErrLocked)
	assert.Equal(t, protocol.ErrLocked, Code(err))

	_, err = s.BuyCauldron()
	require.ErrorIs(t, err, ErrInsufficientResources)

	s.Souls = 600
	cost, err := s.BuyCauldron()
	require.NoError(t, err)
	assert.Equal(t, 500, cost)
	assert.Equal(t, 100, s.Souls)
	_, err = s.BuyCauldron()
	require.ErrorIs(t, err, ErrAlreadyOwned)
	assert.Equal(t, 100, s.Souls)

	assert.True(t, s.CauldronStatus(t0).CanStart)

	require.ErrorIs(t, s.StartBrewing(t0, "shadow_berry", 11), ErrInvalidQuantity)
	require.ErrorIs(t, s.StartBrewing(t0, "shadow_berry", 0), ErrInvalidQuantity)
	require.ErrorIs(t, s.StartBrewing(t0, "shadow_berry", 6), ErrInsufficientResources)
	require.ErrorIs(t, s.StartBrewing(t0, "turnip", 1), ErrUnknownItem)
	assert.Equal(t, 5, s.Harvested["shadow_berry"])

	require.NoError(t, s.StartBrewing(t0, "shadow_berry", 3))
	assert.Equal(t, 2, s.Harvested["shadow_berry"])
	assert.Equal(t, 45*time.Second, s.Cauldron.Proc.Duration)

	require.ErrorIs(t, s.StartBrewing(t0, "shadow_berry", 1), ErrSlotBusy)
	assert.Equal(t, 2, s.Harvested["shadow_berry"], "inventory unchanged on failure")

	st := s.CauldronStatus(t0.Add(15 * time.Second))
	assert.True(t, st.Working)
	assert.False(t, st.Ready)
	assert.False(t, st.CanStart)
	assert.Equal(t, 30*time.Second, st.Remaining)

	_, _, err = s.CollectElixir(t0.Add(15 * time.Second))
	require.ErrorIs(t, err, ErrNotReady)
	assert.True(t, s.Cauldron.Proc.Active)
	assert.Zero(t, s.Crafted["shadow_berry"])

	recipe, qty, err := s.CollectElixir(t0.Add(45 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, "shadow_berry", recipe)
	assert.Equal(t, 3, qty)
	assert.Equal(t, 3, s.Crafted["shadow_berry"])
	assert.Equal(t, process.PhaseEmpty, s.Cauldron.Proc.Phase())

	gain, err := s.SellElixir("shadow_berry", 3)
	require.NoError(t, err)
	assert.Equal(t, 45, gain)
	assert.Equal(t, 145, s.Souls)

	_, err = s.SellElixir("shadow_berry", 1)
	assert.ErrorIs(t, err, ErrInsufficientResources)
}

func TestCauldron_DebugOps(t *testing.T) {
	s := newState(t)
	s.Cauldron.Owned = true
	s.Harvested["void_mushroom"] = 2

	require.ErrorIs(t, s.ForceCompleteCauldron(t0), ErrNotRunning)
	require.NoError(t, s.StartBrewing(t0, "void_mushroom", 2))
	require.NoError(t, s.ForceCompleteCauldron(t0.Add(time.Second)))
	assert.True(t, s.Cauldron.Proc.Ready())

	s.ResetCauldron()
	assert.Equal(t, process.PhaseEmpty, s.Cauldron.Proc.Phase())
	assert.Zero(t, s.Harvested["void_mushroom"], "reset does not refund")
}

func TestSellHarvest(t *testing.T) {
	s := newState(t)
	s.Harvested["void_mushroom"] = 4

	gain, err := s.SellHarvest("void_mushroom", 3)
	require.NoError(t, err)
	assert.Equal(t, 84, gain)
	assert.Equal(t, 84, s.Souls)
	assert.Equal(t, 1, s.Harvested["void_mushroom"])

	_, err = s.SellHarvest("void_mushroom", 2)
	require.ErrorIs(t, err, ErrInsufficientResources)
	assert.Equal(t, 1, s.Harvested["void_mushroom"])
	assert.Equal(t, 84, s.Souls)
}

func TestClone_IsDeep(t *testing.T) {
	s := newState(t)
	s.Seeds["shadow_berry"] = 1
	c := s.Clone()
	c.Seeds["shadow_berry"] = 9
	require.NoError(t, c.PlantSeed(t0, 0, "shadow_berry"))

	assert.Equal(t, 1, s.Seeds["shadow_berry"])
	assert.False(t, s.Plots[0].Proc.Active)
}

func TestParseSlotID(t *testing.T) {
	i, err := ParseSlotID(PlotSlotID(4))
	require.NoError(t, err)
	assert.Equal(t, 4, i)

	i, err = ParseSlotID(CauldronSlotID)
	require.NoError(t, err)
	assert.Equal(t, -1, i)

	for _, bad := range []string{"", "plot:", "plot:-1", "plot:x", "barn"} {
		_, err := ParseSlotID(bad)
		assert.Error(t, err, bad)
	}
}
