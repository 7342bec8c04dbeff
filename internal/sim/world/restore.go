package world

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"darkfarm.ai/internal/persistence/indexdb"
	"darkfarm.ai/internal/persistence/snapshot"
	"darkfarm.ai/internal/sim/catalogs"
	"darkfarm.ai/internal/sim/farm"
	"darkfarm.ai/internal/sim/tuning"
)

// Loader fetches the latest save of a slot.
type Loader interface {
	LoadSlot(ctx context.Context, slotID string) (snapshot.SaveV1, error)
}

func isNotFound(err error) bool {
	return errors.Is(err, snapshot.ErrNoSave) || errors.Is(err, indexdb.ErrSlotNotFound)
}

// Restore loads the newest save of slotID found in any of the loaders and
// reconciles it against now. With no save anywhere it starts a new farm.
func Restore(ctx context.Context, cats *catalogs.Catalogs, tune tuning.Tuning, slotID string, now time.Time, logger zerolog.Logger, loaders ...Loader) (*farm.State, error) {
	var (
		best  snapshot.SaveV1
		found bool
	)
	for _, l := range loaders {
		if l == nil {
			continue
		}
		snap, err := l.LoadSlot(ctx, slotID)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", slotID, err)
		}
		if !found || snap.Header.SavedAtMs > best.Header.SavedAtMs {
			best, found = snap, true
		}
	}
	if !found {
		logger.Info().Str("slot", slotID).Msg("no save found; starting a new farm")
		return farm.New(cats, tune, now), nil
	}
	if best.TuningDigest != "" && best.TuningDigest != tune.Digest() {
		logger.Warn().Str("slot", slotID).Msg("save was written under different tuning")
	}
	st, err := farm.Import(cats, tune, best, now)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", slotID, err)
	}
	logger.Info().
		Str("slot", slotID).
		Time("saved_at", time.UnixMilli(best.Header.SavedAtMs)).
		Int("active_slots", st.ActiveSlots()).
		Msg("save restored")
	return st, nil
}
