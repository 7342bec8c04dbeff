package world

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darkfarm.ai/internal/persistence/snapshot"
	"darkfarm.ai/internal/sim/catalogs"
	"darkfarm.ai/internal/sim/farm"
	"darkfarm.ai/internal/sim/tuning"
)

type failingLoader struct{ err error }

func (l failingLoader) LoadSlot(context.Context, string) (snapshot.SaveV1, error) {
	return snapshot.SaveV1{}, l.err
}

func TestRestore_PicksNewestAndReconciles(t *testing.T) {
	ctx := context.Background()
	cats, tune := catalogs.Defaults(), tuning.Defaults()

	older := fileStoreAt(t)
	newer := fileStoreAt(t)

	s := farm.New(cats, tune, t0)
	s.Seeds["ghost_pumpkin"] = 1
	require.NoError(t, s.PlantSeed(t0, 0, "ghost_pumpkin"))
	require.NoError(t, older.Save(ctx, s.Export("slot", t0)))

	s.Essence = 42
	require.NoError(t, newer.Save(ctx, s.Export("slot", t0.Add(5*time.Second))))

	got, err := Restore(ctx, cats, tune, "slot", t0.Add(25*time.Second), zerolog.Nop(), older, nil, newer)
	require.NoError(t, err)
	assert.Equal(t, 42, got.Essence)
	assert.InDelta(t, 50, got.Plots[0].Proc.Progress, 1e-9)
}

func TestRestore_NothingSavedStartsFresh(t *testing.T) {
	cats, tune := catalogs.Defaults(), tuning.Defaults()
	got, err := Restore(context.Background(), cats, tune, "slot", t0, zerolog.Nop(), fileStoreAt(t))
	require.NoError(t, err)
	assert.Equal(t, tune.StartingEssence, got.Essence)
	assert.Len(t, got.Plots, tune.InitialPlots)
}

func TestRestore_LoaderErrorIsFatal(t *testing.T) {
	cats, tune := catalogs.Defaults(), tuning.Defaults()
	boom := errors.New("disk on fire")
	_, err := Restore(context.Background(), cats, tune, "slot", t0, zerolog.Nop(), failingLoader{err: boom})
	assert.ErrorIs(t, err, boom)
}

func fileStoreAt(t *testing.T) snapshot.FileStore {
	t.Helper()
	return snapshot.FileStore{Dir: t.TempDir(), Keep: 5}
}
