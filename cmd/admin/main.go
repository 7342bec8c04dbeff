package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	persistlog "darkfarm.ai/internal/persistence/log"
	"darkfarm.ai/internal/persistence/snapshot"
	"darkfarm.ai/internal/protocol"
	"darkfarm.ai/internal/sim/catalogs"
	"darkfarm.ai/internal/sim/farm"
	"darkfarm.ai/internal/sim/tuning"
)

// errUsage marks bad invocations; they exit with status 2.
var errUsage = errors.New("usage")

func usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if lvl, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL"))); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	cmd, args := "slots", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "slots":
		err = slotsCmd(os.Stdout, args)
	case "dump":
		err = dumpCmd(os.Stdout, args)
	case "events":
		err = eventsCmd(os.Stdout, args)
	case "rollback":
		err = rollbackCmd(os.Stdout, args)
	case "db":
		err = dbCmd(os.Stdout, args)
	case "state":
		err = stateCmd(os.Stdout, args)
	case "save":
		err = postCmd(os.Stdout, "save", "/admin/v1/save", args)
	case "cauldron":
		err = cauldronCmd(os.Stdout, args)
	default:
		err = usagef("unknown command %q (slots|dump|events|rollback|db|state|save|cauldron)", cmd)
	}
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		log.Error().Err(err).Str("cmd", cmd).Msg("admin command failed")
		os.Exit(1)
	}
}

// slotsCmd lists the save slots on disk with their backups.
func slotsCmd(out io.Writer, args []string) error {
	fs := flag.NewFlagSet("slots", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}

	store := saveStore(*dataDir)
	ids, err := store.Slots()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tLAST SAVE\tBACKUPS")
	for _, id := range ids {
		es, err := snapshot.List(filepath.Join(store.Dir, id))
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\n", id, es[0].SavedAt.UTC().Format(time.RFC3339), len(es))
	}
	return tw.Flush()
}

// dumpCmd prints a save document as JSON. With -reconcile the document is
// first brought up to -now the way the server would on load.
func dumpCmd(out io.Writer, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	slotID := fs.String("slot", "", "slot id (dumps its newest save)")
	file := fs.String("file", "", "explicit save file path")
	reconcile := fs.Bool("reconcile", false, "reconcile timed processes before printing")
	configDir := fs.String("configs", "./configs", "config directory (for -reconcile)")
	nowFlag := fs.String("now", "", "reconcile time, unix ms or RFC3339 (default: current time)")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}

	path := strings.TrimSpace(*file)
	if path == "" {
		if *slotID == "" {
			return usagef("dump needs -slot or -file")
		}
		p, err := snapshot.Latest(filepath.Join(saveStore(*dataDir).Dir, *slotID))
		if err != nil {
			return err
		}
		if p == "" {
			return fmt.Errorf("slot %s has no saves", *slotID)
		}
		path = p
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return err
	}

	if *reconcile {
		now, err := parseTime(*nowFlag, time.Now())
		if err != nil {
			return usagef("bad -now: %v", err)
		}
		cats, tune, err := loadConfig(*configDir)
		if err != nil {
			return err
		}
		st, err := farm.Import(cats, tune, snap, now)
		if err != nil {
			return fmt.Errorf("import %s: %w", filepath.Base(path), err)
		}
		snap = st.Export(snap.Header.SlotID, now)
	}

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

// eventsCmd prints logged events from the hourly JSONL logs, oldest first.
func eventsCmd(out io.Writer, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	slotID := fs.String("slot", "", "only events of this slot")
	typ := fs.String("type", "", "only events of this type, e.g. SLOT_READY")
	limit := fs.Int("limit", 0, "print only the last N matching events (0 = all)")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}

	files, err := persistlog.Files(*dataDir)
	if err != nil {
		return err
	}
	type line struct {
		slot string
		ev   protocol.Event
	}
	var lines []line
	for _, f := range files {
		err := persistlog.ReadEvents(f, func(slot string, ev protocol.Event) error {
			if *slotID != "" && slot != *slotID {
				return nil
			}
			if *typ != "" && ev["type"] != *typ {
				return nil
			}
			lines = append(lines, line{slot: slot, ev: ev})
			return nil
		})
		if err != nil {
			return err
		}
	}
	if *limit > 0 && len(lines) > *limit {
		lines = lines[len(lines)-*limit:]
	}
	for _, l := range lines {
		fmt.Fprintf(out, "%s\t%s\t%s\n", l.slot, eventTime(l.ev), formatEvent(l.ev))
	}
	return nil
}

// rollbackCmd restores an older backup of a slot by saving it again as the
// newest document. The server must be stopped, otherwise its next autosave
// overwrites the rollback.
func rollbackCmd(out io.Writer, args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	slotID := fs.String("slot", "", "slot id")
	before := fs.String("before", "", "restore the newest backup saved at or before this time (unix ms or RFC3339)")
	back := fs.Int("back", 1, "restore the Nth older backup (1 = the one before the newest); ignored with -before")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	if *slotID == "" {
		return usagef("rollback needs -slot")
	}

	store := saveStore(*dataDir)
	es, err := snapshot.List(filepath.Join(store.Dir, *slotID))
	if err != nil {
		return err
	}
	if len(es) == 0 {
		return fmt.Errorf("slot %s has no saves", *slotID)
	}

	var pick snapshot.Entry
	if *before != "" {
		cutoff, err := parseTime(*before, time.Time{})
		if err != nil {
			return usagef("bad -before: %v", err)
		}
		i := slices.IndexFunc(es, func(e snapshot.Entry) bool { return !e.SavedAt.After(cutoff) })
		if i < 0 {
			return fmt.Errorf("no backup of %s at or before %s", *slotID, cutoff.UTC().Format(time.RFC3339))
		}
		pick = es[i]
	} else {
		if *back < 1 || *back >= len(es) {
			return fmt.Errorf("slot %s has %d backups; -back must be in 1..%d", *slotID, len(es), len(es)-1)
		}
		pick = es[*back]
	}

	snap, err := snapshot.ReadSnapshot(pick.Path)
	if err != nil {
		return err
	}
	// A new SavedAt makes it the newest file; LastTickTimestamp is kept so
	// reconcile still measures elapsed time from the original save.
	now := time.Now()
	if !now.After(es[0].SavedAt) {
		now = es[0].SavedAt.Add(time.Millisecond)
	}
	snap.Header.SavedAtMs = now.UnixMilli()
	store.Keep = 0
	if err := store.Save(context.Background(), snap); err != nil {
		return err
	}
	fmt.Fprintf(out, "rollback ok: slot=%s from=%s saved_as=%s\n", *slotID, filepath.Base(pick.Path), snapshot.FileName(now))
	return nil
}

func saveStore(dataDir string) snapshot.FileStore {
	return snapshot.FileStore{Dir: filepath.Join(dataDir, "saves")}
}

func loadConfig(configDir string) (*catalogs.Catalogs, tuning.Tuning, error) {
	cats, err := catalogs.Load(configDir)
	if err != nil {
		return nil, tuning.Tuning{}, fmt.Errorf("load catalogs: %w", err)
	}
	tune, err := tuning.Load(filepath.Join(configDir, "tuning.yaml"))
	if err != nil {
		return nil, tuning.Tuning{}, fmt.Errorf("load tuning: %w", err)
	}
	return cats, tune, nil
}


func parseTime(s string, def time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, s)
}

func eventTime(ev protocol.Event) string {
	if t, ok := ev["t"].(float64); ok {
		return time.UnixMilli(int64(t)).UTC().Format(time.RFC3339)
	}
	return "-"
}

func formatEvent(ev protocol.Event) string {
	typ, _ := ev["type"].(string)
	keys := make([]string, 0, len(ev))
	for k := range ev {
		if k != "t" && k != "type" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	var b strings.Builder
	b.WriteString(typ)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, ev[k])
	}
	return b.String()
}
