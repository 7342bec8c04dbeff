package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"

	"darkfarm.ai/internal/protocol"
)

const (
	filePrefix = "events-"
	fileSuffix = ".jsonl.zst"

	// DefaultMaxPartBytes caps the uncompressed size of one log part.
	DefaultMaxPartBytes = 16 << 20
)

// DurableEventTypes are pushed through the compressor to disk as soon as
// they are logged. Everything else reaches disk on the next durable event,
// rotation or Close.
var DurableEventTypes = []string{
	"SLOT_READY", "HARVESTED", "ELIXIR_COLLECTED", "BREW_STARTED",
	"PLOTS_BOUGHT", "CAULDRON_BOUGHT", "DEBUG",
}

type Options struct {
	Clock        clockwork.Clock
	MaxPartBytes int64
	Durable      []string
}

// EventLogger appends one JSON line per farm event to zstd files under
// <dataDir>/events, one file per UTC hour. An hour that outgrows
// MaxPartBytes continues in numbered parts:
//
//	events-2026-03-01-10.jsonl.zst
//	events-2026-03-01-10.p001.jsonl.zst
type EventLogger struct {
	dir     string
	clock   clockwork.Clock
	maxPart int64
	durable map[string]bool

	mu      sync.Mutex
	hour    string
	part    int
	written int64
	f       *os.File
	enc     *zstd.Encoder
	buf     *bufio.Writer
}

type eventLine struct {
	SlotID string         `json:"slot_id"`
	Event  protocol.Event `json:"event"`
}

func NewEventLogger(dataDir string, clock clockwork.Clock) *EventLogger {
	return NewEventLoggerWith(dataDir, Options{Clock: clock})
}

func NewEventLoggerWith(dataDir string, opts Options) *EventLogger {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxPartBytes <= 0 {
		opts.MaxPartBytes = DefaultMaxPartBytes
	}
	if opts.Durable == nil {
		opts.Durable = DurableEventTypes
	}
	l := &EventLogger{
		dir:     filepath.Join(dataDir, "events"),
		clock:   opts.Clock,
		maxPart: opts.MaxPartBytes,
		durable: map[string]bool{},
	}
	for _, t := range opts.Durable {
		l.durable[t] = true
	}
	return l
}

func (l *EventLogger) WriteEvent(slotID string, ev protocol.Event) error {
	b, err := json.Marshal(eventLine{SlotID: slotID, Event: ev})
	if err != nil {
		return err
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	hour := l.clock.Now().UTC().Format("2006-01-02-15")
	switch {
	case hour != l.hour:
		if err := l.openLocked(hour, -1); err != nil {
			return err
		}
	case l.written > 0 && l.written+int64(len(b)) > l.maxPart:
		if err := l.openLocked(hour, l.part+1); err != nil {
			return err
		}
	}

	if _, err := l.buf.Write(b); err != nil {
		return err
	}
	l.written += int64(len(b))

	if typ, _ := ev["type"].(string); l.durable[typ] {
		return l.syncLocked()
	}
	return nil
}

// Flush pushes buffered events to disk.
func (l *EventLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

func (l *EventLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *EventLogger) syncLocked() error {
	if l.buf == nil {
		return nil
	}
	if err := l.buf.Flush(); err != nil {
		return err
	}
	return l.enc.Flush()
}

// openLocked switches to the given part of hour. part < 0 resumes the last
// part already on disk for that hour, so restarts append instead of
// clobbering.
func (l *EventLogger) openLocked(hour string, part int) error {
	if err := l.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	if part < 0 {
		part = l.lastPart(hour)
	}
	f, err := os.OpenFile(filepath.Join(l.dir, partName(hour, part)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f, l.enc = f, enc
	l.buf = bufio.NewWriterSize(enc, 64*1024)
	l.hour, l.part, l.written = hour, part, 0
	return nil
}

func (l *EventLogger) lastPart(hour string) int {
	last := 0
	for part := 1; ; part++ {
		if _, err := os.Stat(filepath.Join(l.dir, partName(hour, part))); err != nil {
			return last
		}
		last = part
	}
}

func (l *EventLogger) closeLocked() error {
	if l.f == nil {
		return nil
	}
	err := l.buf.Flush()
	if cerr := l.enc.Close(); err == nil {
		err = cerr
	}
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f, l.enc, l.buf = nil, nil, nil
	l.hour = ""
	return err
}

func partName(hour string, part int) string {
	if part == 0 {
		return filePrefix + hour + fileSuffix
	}
	return fmt.Sprintf("%s%s.p%03d%s", filePrefix, hour, part, fileSuffix)
}

// Files lists the event log files under dataDir in write order.
func Files(dataDir string) ([]string, error) {
	dir := filepath.Join(dataDir, "events")
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) {
			out = append(out, filepath.Join(dir, name))
		}
	}
	// Hour stamps and zero-padded parts sort lexically; ".jsonl" < ".p".
	slices.Sort(out)
	return out, nil
}

// ReadEvents decodes every line of an event log file, calling fn for each.
// Files that were appended to across restarts hold several zstd frames;
// the decoder reads through them.
func ReadEvents(path string, fn func(slotID string, ev protocol.Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	jd := json.NewDecoder(dec)
	for {
		var line eventLine
		if err := jd.Decode(&line); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if err := fn(line.SlotID, line.Event); err != nil {
			return err
		}
	}
}
