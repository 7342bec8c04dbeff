package snapshot

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version   int    `json:"version"`
	SlotID    string `json:"slot_id"`
	SavedAtMs int64  `json:"saved_at_ms"`
}

// SaveV1 is the persisted document for one save slot. Timestamps are unix
// milliseconds.
type SaveV1 struct {
	Header Header `json:"header"`

	TuningDigest string `json:"tuning_digest,omitempty"`

	ResourceCounters ResourceCountersV1 `json:"resource_counters"`
	Inventories      InventoriesV1      `json:"inventories"`
	Processes        []ProcessV1        `json:"processes"`
	Plots            []PlotV1           `json:"plots"`
	CauldronOwned    bool               `json:"cauldron_owned"`

	LastTickTimestamp int64 `json:"last_tick_timestamp"`
}

type ResourceCountersV1 struct {
	Souls   int `json:"souls"`
	Essence int `json:"essence"`
}

type InventoriesV1 struct {
	Seeds     map[string]int `json:"seeds"`
	Harvested map[string]int `json:"harvested"`
	Crafted   map[string]int `json:"crafted"`
}

type ProcessV1 struct {
	SlotID     string  `json:"slot_id"`
	Active     bool    `json:"active"`
	RecipeType string  `json:"recipe_type,omitempty"`
	StartTime  int64   `json:"start_time"`
	DurationMs int64   `json:"duration_ms"`
	EndTime    int64   `json:"end_time"`
	Progress   float64 `json:"progress"`
	InputQty   int     `json:"input_qty"`
	OutputQty  int     `json:"output_qty"`
}

type PlotV1 struct {
	Index  int `json:"index"`
	Clicks int `json:"clicks"`
}

// Encode writes snap as a JSON header line followed by the JSON body, zstd
// compressed. A body that fails the save schema is refused before anything
// is written.
func Encode(w io.Writer, snap SaveV1) error {
	body, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	if err := Validate(body); err != nil {
		return err
	}
	hb, _ := json.Marshal(snap.Header)

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)
	for _, part := range [][]byte{hb, {'\n'}, body, {'\n'}} {
		if _, err := bw.Write(part); err != nil {
			enc.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// Decode reads a document written by Encode and validates the body against
// the save schema.
func Decode(r io.Reader) (SaveV1, error) {
	var snap SaveV1
	dec, err := zstd.NewReader(r)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	var hdr Header
	if err := json.Unmarshal(line, &hdr); err != nil {
		return snap, fmt.Errorf("decode header: %w", err)
	}
	if hdr.Version != Version {
		return snap, fmt.Errorf("unsupported save version %d", hdr.Version)
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return snap, err
	}
	if err := Validate(body); err != nil {
		return snap, err
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return snap, fmt.Errorf("json decode: %w", err)
	}
	if snap.Header != hdr {
		return snap, fmt.Errorf("header mismatch: line=%+v body=%+v", hdr, snap.Header)
	}
	return snap, nil
}

func Marshal(snap SaveV1) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(b []byte) (SaveV1, error) {
	return Decode(bytes.NewReader(b))
}

// WriteSnapshot writes snap to path through a temp file so a crash never
// leaves a torn save behind.
func WriteSnapshot(path string, snap SaveV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Encode(f, snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (SaveV1, error) {
	f, err := os.Open(path)
	if err != nil {
		return SaveV1{}, err
	}
	defer f.Close()
	snap, err := Decode(f)
	if err != nil {
		return snap, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return snap, nil
}
