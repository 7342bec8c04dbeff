package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"darkfarm.ai/internal/protocol"
	"darkfarm.ai/internal/sim/catalogs"
	"darkfarm.ai/internal/sim/tuning"
)

var ErrClosed = errors.New("indexdb: closed")

// SQLiteIndex stores save slots and an append-only farm event index. All
// writes go through a single writer goroutine; events are dropped when it
// falls behind, slot writes wait for it.
type SQLiteIndex struct {
	db *sql.DB

	mu     sync.RWMutex // guards closed against sends on ch
	closed bool
	ch     chan req
	wg     sync.WaitGroup
	once   sync.Once

	dropEvents atomic.Uint64
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqSaveSlot
	reqDeleteSlot
	reqFlush
)

type req struct {
	kind reqKind

	event  eventRow
	slot   slotRow
	slotID string
	done   chan error
}

type eventRow struct {
	SlotID string
	AtMs   int64
	Type   string
	Raw    []byte
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropEventTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return open(path, 65536)
}

func open(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer (the loop) plus a few readers; WAL keeps readers off the
	// writer's lock.
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS slots (
			slot_id TEXT PRIMARY KEY,
			saved_at_ms INTEGER NOT NULL,
			digest TEXT NOT NULL,
			souls INTEGER NOT NULL,
			essence INTEGER NOT NULL,
			active INTEGER NOT NULL,
			doc BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			slot_id TEXT NOT NULL,
			at_ms INTEGER NOT NULL,
			type TEXT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_slot_at ON events(slot_id, at_ms);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropEventTotal: s.dropEvents.Load(),
	}
}

// WriteEvent queues ev for slotID. It never blocks; when the queue is full
// the event is dropped and counted. The JSONL event log remains the source
// of truth.
func (s *SQLiteIndex) WriteEvent(slotID string, ev protocol.Event) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	typ, _ := ev["type"].(string)
	r := req{kind: reqEvent, event: eventRow{SlotID: slotID, AtMs: eventTime(ev), Type: typ, Raw: raw}}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- r:
	default:
		s.dropEvents.Add(1)
	}
	return nil
}

func eventTime(ev protocol.Event) int64 {
	switch v := ev["t"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// submit hands a synchronous write to the loop and waits for its result.
func (s *SQLiteIndex) submit(ctx context.Context, r req) error {
	r.done = make(chan error, 1)
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.ch <- r:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush commits everything queued before it.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	return s.submit(ctx, req{kind: reqFlush})
}

func (s *SQLiteIndex) UpsertCatalogs(cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	seeds := make([]catalogs.SeedDef, 0, len(cats.Seeds.IDs))
	for _, id := range cats.Seeds.IDs {
		seeds = append(seeds, cats.Seeds.ByID[id])
	}
	elixirs := make([]catalogs.ElixirDef, 0, len(cats.Elixirs.IDs))
	for _, id := range cats.Elixirs.IDs {
		elixirs = append(elixirs, cats.Elixirs.ByID[id])
	}
	sb, _ := json.Marshal(seeds)
	eb, _ := json.Marshal(elixirs)
	tb, _ := json.Marshal(tune)
	rows := []kv{
		{name: "seeds", digest: cats.Seeds.Digest, json: sb},
		{name: "elixirs", digest: cats.Elixirs.Digest, json: eb},
		{name: "tuning", digest: tune.Digest(), json: tb},
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CatalogDigest returns the digest stored for a catalog name, or "".
func (s *SQLiteIndex) CatalogDigest(ctx context.Context, name string) (string, error) {
	var d string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM catalogs WHERE name=?`, name).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return d, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEvent, _ := s.db.Prepare(`INSERT INTO events(slot_id,at_ms,type,raw_json) VALUES(?,?,?,?)`)
	upsertSlot, _ := s.db.Prepare(`INSERT OR REPLACE INTO slots(slot_id,saved_at_ms,digest,souls,essence,active,doc) VALUES(?,?,?,?,?,?,?)`)
	deleteSlot, _ := s.db.Prepare(`DELETE FROM slots WHERE slot_id=?`)
	defer func() {
		for _, st := range []*sql.Stmt{insertEvent, upsertSlot, deleteSlot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() error {
		if tx != nil {
			return nil
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
		return nil
	}
	commit := func() error {
		if tx == nil {
			return nil
		}
		err := tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
		return err
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) error {
		if st == nil {
			return fmt.Errorf("indexdb: statement not prepared")
		}
		if err := begin(); err != nil {
			return err
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return err
		}
		opCount++
		return nil
	}

	flushTicker := time.NewTicker(commitMaxWait / 4)
	defer flushTicker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				_ = commit()
				return
			}
			switch r.kind {
			case reqEvent:
				e := r.event
				_ = exec(insertEvent, e.SlotID, e.AtMs, e.Type, string(e.Raw))
			case reqSaveSlot:
				sl := r.slot
				err := exec(upsertSlot, sl.SlotID, sl.SavedAtMs, sl.Digest, sl.Souls, sl.Essence, sl.Active, sl.Doc)
				if err == nil {
					err = commit()
				}
				r.done <- err
			case reqDeleteSlot:
				err := exec(deleteSlot, r.slotID)
				if err == nil {
					err = commit()
				}
				r.done <- err
			case reqFlush:
				r.done <- commit()
			}
			if opCount >= commitEvery {
				_ = commit()
			}
		case <-flushTicker.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				_ = commit()
			}
		}
	}
}
