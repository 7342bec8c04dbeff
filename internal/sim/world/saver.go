package world

import (
	"context"
	"errors"
	"time"

	"darkfarm.ai/internal/persistence/snapshot"
)

const saveTimeout = 10 * time.Second

// SaverFunc adapts a plain function, such as indexdb's SaveSlot, to Saver.
type SaverFunc func(ctx context.Context, snap snapshot.SaveV1) error

func (f SaverFunc) Save(ctx context.Context, snap snapshot.SaveV1) error { return f(ctx, snap) }

// Savers fans a save out to several stores. Every store is attempted.
type Savers []Saver

func (ss Savers) Save(ctx context.Context, snap snapshot.SaveV1) error {
	var errs []error
	for _, s := range ss {
		if s == nil {
			continue
		}
		if err := s.Save(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// requestSave exports the state and hands it to the save goroutine. If a
// save is still in flight the older pending document is replaced.
func (w *World) requestSave(now time.Time) {
	if w.saveCh == nil {
		return
	}
	snap := w.state.Export(w.cfg.SlotID, now)
	select {
	case w.saveCh <- snap:
		return
	default:
	}
	select {
	case <-w.saveCh:
		w.stats.savesSuperseded++
	default:
	}
	select {
	case w.saveCh <- snap:
	default:
	}
}

func (w *World) saveLoop() {
	for snap := range w.saveCh {
		w.save(snap)
	}
}

func (w *World) save(snap snapshot.SaveV1) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := w.saver.Save(ctx, snap); err != nil {
		w.stats.saveErrors.Add(1)
		w.log.Error().Err(err).Msg("autosave failed")
		return
	}
	w.stats.saves.Add(1)
	w.log.Debug().Int64("saved_at_ms", snap.Header.SavedAtMs).Msg("autosave")
}

// finalSave runs on the world goroutine after the save loop has drained.
func (w *World) finalSave() {
	if w.saver == nil {
		return
	}
	now := w.clock.Now()
	w.state.Reconcile(now)
	w.save(w.state.Export(w.cfg.SlotID, now))
}
