package snapshot

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

func sampleSave(slot string, savedAt time.Time) SaveV1 {
	start := savedAt.Add(-30 * time.Second).UnixMilli()
	return SaveV1{
		Header:           Header{Version: Version, SlotID: slot, SavedAtMs: savedAt.UnixMilli()},
		TuningDigest:     "abc",
		ResourceCounters: ResourceCountersV1{Souls: 12, Essence: 80},
		Inventories: InventoriesV1{
			Seeds:     map[string]int{"shadow_berry": 2},
			Harvested: map[string]int{"ghost_pumpkin": 1},
			Crafted:   map[string]int{},
		},
		Processes: []ProcessV1{
			{SlotID: "plot:0", Active: true, RecipeType: "ghost_pumpkin", StartTime: start, DurationMs: 50000, EndTime: start + 50000, Progress: 60, InputQty: 1, OutputQty: 1},
			{SlotID: "plot:1"},
			{SlotID: "cauldron"},
		},
		Plots:             []PlotV1{{Index: 0, Clicks: 3}, {Index: 1}},
		CauldronOwned:     true,
		LastTickTimestamp: savedAt.UnixMilli(),
	}
}

func TestWriteReadSnapshot(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	path := filepath.Join(t.TempDir(), "saves", FileName(now))
	want := sampleSave("slot-a", now)

	if err := WriteSnapshot(path, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("mismatch:\n got=%+v\nwant=%+v", got, want)
	}
}

func TestEncode_RefusesSchemaViolation(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	bad := sampleSave("slot-a", now)
	bad.ResourceCounters.Essence = -1

	if _, err := Marshal(bad); err == nil {
		t.Fatalf("expected schema rejection on marshal")
	}

	path := filepath.Join(t.TempDir(), "saves", FileName(now))
	if err := WriteSnapshot(path, sampleSave("slot-a", now)); err != nil {
		t.Fatalf("write good: %v", err)
	}
	if err := WriteSnapshot(path, bad); err == nil {
		t.Fatalf("expected schema rejection on write")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("previous save unreadable: %v", err)
	}
	if got.ResourceCounters.Essence != 80 {
		t.Fatalf("previous save overwritten: %+v", got.ResourceCounters)
	}
}

func TestDecode_RejectsSchemaViolation(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	good, err := Marshal(sampleSave("slot-a", now))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	dec, err := zstd.NewReader(bytes.NewReader(good))
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	raw, err := dec.DecodeAll(good, nil)
	dec.Close()
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	raw = bytes.Replace(raw, []byte(`"progress":60`), []byte(`"progress":140`), 1)

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	_, _ = enc.Write(raw)
	_ = enc.Close()

	if _, err := Unmarshal(buf.Bytes()); err == nil {
		t.Fatalf("expected schema rejection")
	}
}

func TestDecode_RejectsWrongVersion(t *testing.T) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	_, _ = enc.Write([]byte(`{"version":2,"slot_id":"x","saved_at_ms":1}` + "\n{}\n"))
	_ = enc.Close()

	if _, err := Unmarshal(buf.Bytes()); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestDecode_Garbage(t *testing.T) {
	if _, err := Unmarshal([]byte("not zstd at all")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLatestAndPrune(t *testing.T) {
	dir := t.TempDir()

	if p, err := Latest(dir); err != nil || p != "" {
		t.Fatalf("empty dir: p=%q err=%v", p, err)
	}

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 7; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		if err := WriteSnapshot(filepath.Join(dir, FileName(at)), sampleSave("slot-a", at)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	// Unrelated files are ignored.
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	latest, err := Latest(dir)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if want := filepath.Join(dir, FileName(base.Add(6*time.Minute))); latest != want {
		t.Fatalf("latest=%s want %s", latest, want)
	}

	removed, err := Prune(dir, 5)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed=%d want 2", removed)
	}
	es, _ := List(dir)
	if len(es) != 5 {
		t.Fatalf("left=%d want 5", len(es))
	}
	if !es[4].SavedAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("oldest kept=%v", es[4].SavedAt)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("prune touched unrelated file: %v", err)
	}

	if _, err := Prune(dir, 0); err == nil {
		t.Fatalf("expected keep error")
	}
}

func TestFileStore_SaveLoadPrune(t *testing.T) {
	ctx := context.Background()
	fs := FileStore{Dir: t.TempDir(), Keep: 2}

	if _, err := fs.LoadSlot(ctx, "slot-a"); !errors.Is(err, ErrNoSave) {
		t.Fatalf("empty store: err=%v", err)
	}

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 4; i++ {
		s := sampleSave("slot-a", base.Add(time.Duration(i)*time.Second))
		s.ResourceCounters.Souls = i
		if err := fs.Save(ctx, s); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	got, err := fs.LoadSlot(ctx, "slot-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ResourceCounters.Souls != 3 {
		t.Fatalf("loaded souls=%d want newest (3)", got.ResourceCounters.Souls)
	}
	es, _ := List(filepath.Join(fs.Dir, "slot-a"))
	if len(es) != 2 {
		t.Fatalf("kept=%d want 2", len(es))
	}
}

func TestFileStore_Slots(t *testing.T) {
	ctx := context.Background()
	fs := FileStore{Dir: filepath.Join(t.TempDir(), "saves"), Keep: 3}

	ids, err := fs.Slots()
	if err != nil || len(ids) != 0 {
		t.Fatalf("missing dir: ids=%v err=%v", ids, err)
	}

	base := time.UnixMilli(1_700_000_000_000)
	for i, id := range []string{"old", "new"} {
		if err := fs.Save(ctx, sampleSave(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(fs.Dir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	ids, err = fs.Slots()
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(ids) != 2 || ids[0] != "new" || ids[1] != "old" {
		t.Fatalf("slots=%v want [new old]", ids)
	}
}
