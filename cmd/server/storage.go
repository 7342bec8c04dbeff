package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"darkfarm.ai/internal/persistence/indexdb"
	persistlog "darkfarm.ai/internal/persistence/log"
	"darkfarm.ai/internal/persistence/snapshot"
	"darkfarm.ai/internal/sim/world"
	"darkfarm.ai/internal/transport/natsbus"
)

type storageConfig struct {
	DataDir   string
	DisableDB bool
	NATSURL   string
	Clock     clockwork.Clock
	Keep      int
}

// storage bundles every place a slot is persisted or mirrored to. Index and
// NATS are optional and nil when disabled.
type storage struct {
	Files  snapshot.FileStore
	Index  *indexdb.SQLiteIndex
	Events *persistlog.EventLogger
	NATS   *natsbus.Publisher

	log zerolog.Logger
}

func openStorage(ctx context.Context, cfg storageConfig, logger zerolog.Logger) (*storage, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	st := &storage{
		Files:  snapshot.FileStore{Dir: filepath.Join(cfg.DataDir, "saves"), Keep: cfg.Keep},
		Events: persistlog.NewEventLogger(cfg.DataDir, cfg.Clock),
		log:    logger,
	}
	if !cfg.DisableDB {
		idx, err := indexdb.OpenSQLite(filepath.Join(cfg.DataDir, "index", "farm.sqlite"))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open index: %w", err)
		}
		st.Index = idx
	}
	if cfg.NATSURL != "" {
		pub, err := natsbus.Connect(natsbus.DefaultConfig(cfg.NATSURL), logger)
		if err != nil {
			// Event mirroring is optional; the farm runs without it.
			logger.Warn().Err(err).Str("url", cfg.NATSURL).Msg("NATS unavailable, events not mirrored")
		} else {
			st.NATS = pub
		}
	}
	return st, ctx.Err()
}

// Loaders returns every store a slot can be restored from.
func (st *storage) Loaders() []world.Loader {
	ls := []world.Loader{st.Files}
	if st.Index != nil {
		ls = append(ls, st.Index)
	}
	return ls
}

func (st *storage) Savers() world.Savers {
	ss := world.Savers{st.Files}
	if st.Index != nil {
		ss = append(ss, world.SaverFunc(st.Index.SaveSlot))
	}
	return ss
}

func (st *storage) Sinks() []world.EventSink {
	sinks := []world.EventSink{st.Events}
	if st.Index != nil {
		sinks = append(sinks, st.Index)
	}
	if st.NATS != nil {
		sinks = append(sinks, st.NATS)
	}
	return sinks
}

// resolveSlot picks the slot to run: the explicit one, else the most
// recently saved slot in any store, else a fresh id.
func (st *storage) resolveSlot(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if st.Index != nil {
		slots, err := st.Index.ListSlots(ctx)
		if err != nil {
			return "", fmt.Errorf("list index slots: %w", err)
		}
		if len(slots) > 0 {
			return slots[0].SlotID, nil
		}
	}
	ids, err := st.Files.Slots()
	if err != nil {
		return "", fmt.Errorf("list save dirs: %w", err)
	}
	if len(ids) > 0 {
		return ids[0], nil
	}
	id := uuid.NewString()
	st.log.Info().Str("slot", id).Msg("no saves found, starting a new slot")
	return id, nil
}

func (st *storage) Close() error {
	var errs []error
	if st.NATS != nil {
		errs = append(errs, st.NATS.Close())
	}
	if st.Index != nil {
		errs = append(errs, st.Index.Close())
	}
	if st.Events != nil {
		errs = append(errs, st.Events.Close())
	}
	return errors.Join(errs...)
}
