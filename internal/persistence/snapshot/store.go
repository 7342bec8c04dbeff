package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

var ErrNoSave = errors.New("snapshot: no save")

// FileStore keeps the saves of one slot as rotating backups in
// <Dir>/<slot>/save-<unixms>.json.zst.
type FileStore struct {
	Dir  string
	Keep int
}

func (st FileStore) slotDir(slotID string) string { return filepath.Join(st.Dir, slotID) }

// Save writes snap and prunes backups beyond Keep.
func (st FileStore) Save(ctx context.Context, snap SaveV1) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.Header.SlotID == "" {
		return fmt.Errorf("save: empty slot id")
	}
	dir := st.slotDir(snap.Header.SlotID)
	if err := WriteSnapshot(filepath.Join(dir, FileName(time.UnixMilli(snap.Header.SavedAtMs))), snap); err != nil {
		return err
	}
	if st.Keep > 0 {
		if _, err := Prune(dir, st.Keep); err != nil {
			return fmt.Errorf("prune %s: %w", dir, err)
		}
	}
	return nil
}

// LoadSlot reads the newest save of slotID, or ErrNoSave.
func (st FileStore) LoadSlot(ctx context.Context, slotID string) (SaveV1, error) {
	if err := ctx.Err(); err != nil {
		return SaveV1{}, err
	}
	p, err := Latest(st.slotDir(slotID))
	if err != nil {
		return SaveV1{}, err
	}
	if p == "" {
		return SaveV1{}, ErrNoSave
	}
	return ReadSnapshot(p)
}

// Slots lists slot ids that have at least one save, most recent save first.
func (st FileStore) Slots() ([]string, error) {
	des, err := os.ReadDir(st.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type slot struct {
		id    string
		saved time.Time
	}
	var slots []slot
	for _, de := range des {
		if !de.IsDir() {
			continue
		}
		es, err := List(st.slotDir(de.Name()))
		if err != nil {
			return nil, err
		}
		if len(es) > 0 {
			slots = append(slots, slot{id: de.Name(), saved: es[0].SavedAt})
		}
	}
	slices.SortFunc(slots, func(a, b slot) int {
		if c := b.saved.Compare(a.saved); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	out := make([]string, 0, len(slots))
	for _, sl := range slots {
		out = append(out, sl.id)
	}
	return out, nil
}
