package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"darkfarm.ai/internal/persistence/snapshot"
)

var ErrSlotNotFound = errors.New("indexdb: slot not found")

type slotRow struct {
	SlotID    string
	SavedAtMs int64
	Digest    string
	Souls     int
	Essence   int
	Active    int
	Doc       []byte
}

// SlotInfo summarizes one stored save without decoding it.
type SlotInfo struct {
	SlotID  string
	SavedAt time.Time
	Digest  string
	Souls   int
	Essence int
	Active  int
}

// SaveSlot stores snap as the current save of its slot. It returns once the
// row is committed.
func (s *SQLiteIndex) SaveSlot(ctx context.Context, snap snapshot.SaveV1) error {
	if snap.Header.SlotID == "" {
		return fmt.Errorf("save slot: empty slot id")
	}
	doc, err := snapshot.Marshal(snap)
	if err != nil {
		return fmt.Errorf("save slot %s: %w", snap.Header.SlotID, err)
	}
	sum := sha256.Sum256(doc)
	active := 0
	for _, p := range snap.Processes {
		if p.Active {
			active++
		}
	}
	return s.submit(ctx, req{kind: reqSaveSlot, slot: slotRow{
		SlotID:    snap.Header.SlotID,
		SavedAtMs: snap.Header.SavedAtMs,
		Digest:    hex.EncodeToString(sum[:]),
		Souls:     snap.ResourceCounters.Souls,
		Essence:   snap.ResourceCounters.Essence,
		Active:    active,
		Doc:       doc,
	}})
}

func (s *SQLiteIndex) LoadSlot(ctx context.Context, slotID string) (snapshot.SaveV1, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM slots WHERE slot_id=?`, slotID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot.SaveV1{}, ErrSlotNotFound
	}
	if err != nil {
		return snapshot.SaveV1{}, err
	}
	snap, err := snapshot.Unmarshal(doc)
	if err != nil {
		return snap, fmt.Errorf("load slot %s: %w", slotID, err)
	}
	return snap, nil
}

// ListSlots returns every stored slot, most recently saved first.
func (s *SQLiteIndex) ListSlots(ctx context.Context) ([]SlotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slot_id,saved_at_ms,digest,souls,essence,active FROM slots ORDER BY saved_at_ms DESC, slot_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SlotInfo
	for rows.Next() {
		var (
			si SlotInfo
			ms int64
		)
		if err := rows.Scan(&si.SlotID, &ms, &si.Digest, &si.Souls, &si.Essence, &si.Active); err != nil {
			return nil, err
		}
		si.SavedAt = time.UnixMilli(ms)
		out = append(out, si)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) DeleteSlot(ctx context.Context, slotID string) error {
	return s.submit(ctx, req{kind: reqDeleteSlot, slotID: slotID})
}

type EventRow struct {
	Seq    int64
	SlotID string
	At     time.Time
	Type   string
	Raw    string
}

// Events returns up to limit events of slotID, newest first. Queued events
// that the writer has not committed yet are not visible.
func (s *SQLiteIndex) Events(ctx context.Context, slotID string, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT seq,slot_id,at_ms,type,raw_json FROM events WHERE slot_id=? ORDER BY seq DESC LIMIT ?`, slotID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRow
	for rows.Next() {
		var (
			e  EventRow
			ms int64
		)
		if err := rows.Scan(&e.Seq, &e.SlotID, &ms, &e.Type, &e.Raw); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}
