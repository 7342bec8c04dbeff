package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"darkfarm.ai/internal/persistence/indexdb"
)

// dbCmd queries the sqlite index: slots (default), events, catalogs or
// delete.
func dbCmd(out io.Writer, args []string) error {
	fs := flag.NewFlagSet("db", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/farm.sqlite)")
	slotID := fs.String("slot", "", "slot id (events, delete)")
	limit := fs.Int("limit", 20, "result limit (events)")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	q := "slots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "farm.sqlite")
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	switch q {
	case "slots":
		slots, err := idx.ListSlots(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "SLOT\tSAVED\tSOULS\tESSENCE\tACTIVE\tDIGEST")
		for _, s := range slots {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", s.SlotID, s.SavedAt.UTC().Format(time.RFC3339), s.Souls, s.Essence, s.Active, shortDigest(s.Digest))
		}
	case "events":
		if *slotID == "" {
			return usagef("db events needs -slot")
		}
		rows, err := idx.Events(ctx, *slotID, *limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "SEQ\tAT\tTYPE\tJSON")
		for _, r := range rows {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Seq, r.At.UTC().Format(time.RFC3339), r.Type, r.Raw)
		}
	case "catalogs":
		fmt.Fprintln(tw, "NAME\tDIGEST")
		for _, name := range []string{"seeds", "elixirs", "tuning"} {
			d, err := idx.CatalogDigest(ctx, name)
			if err != nil {
				return fmt.Errorf("catalog %s: %w", name, err)
			}
			fmt.Fprintf(tw, "%s\t%s\n", name, d)
		}
	case "delete":
		if *slotID == "" {
			return usagef("db delete needs -slot")
		}
		if err := idx.DeleteSlot(ctx, *slotID); err != nil {
			return err
		}
		fmt.Fprintf(tw, "deleted %s\n", *slotID)
	default:
		return usagef("unknown db query %q (slots|events|catalogs|delete)", q)
	}
	return nil
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
