package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

const filePrefix, fileSuffix = "save-", ".json.zst"

// FileName is the on-disk name of a save taken at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("%s%d%s", filePrefix, t.UnixMilli(), fileSuffix)
}

type Entry struct {
	Path    string
	SavedAt time.Time
}

// List returns the saves in dir, newest first. A missing dir is empty.
func List(dir string) ([]Entry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Entry{Path: filepath.Join(dir, name), SavedAt: time.UnixMilli(ms)})
	}
	slices.SortFunc(out, func(a, b Entry) int { return b.SavedAt.Compare(a.SavedAt) })
	return out, nil
}

// Latest returns the path of the newest save in dir, or "" when there is none.
func Latest(dir string) (string, error) {
	es, err := List(dir)
	if err != nil || len(es) == 0 {
		return "", err
	}
	return es[0].Path, nil
}

// Prune keeps the newest keep saves in dir and removes the rest.
func Prune(dir string, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("prune: keep must be >= 1, got %d", keep)
	}
	es, err := List(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range es[min(keep, len(es)):] {
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
