package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/downfa11-org/segclean/pkg/disk"
	"github.com/downfa11-org/segclean/pkg/gc"
	"github.com/downfa11-org/segclean/pkg/store"
	"github.com/downfa11-org/segclean/pkg/types"
	"github.com/downfa11-org/segclean/util"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var version = "development"

func imageFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "image",
		Value:   "segclean-data/sit.img",
		Usage:   "Path of the SIT image",
		EnvVars: []string{"SEGCLEAN_IMAGE"},
	}
}

func historyFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "history-dir",
		Value:   "segclean-data",
		Usage:   "Directory holding the GC pass history database",
		EnvVars: []string{"SEGCLEAN_HISTORY_DIR"},
	}
}

func main() {
	app := &cli.App{
		Name:    "sitctl",
		Usage:   "Inspect SIT images and drive victim selection offline",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level: debug, info, warn, error",
				EnvVars: []string{"SEGCLEAN_LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			util.SetLevel(util.ParseLogLevel(c.String("log-level")))
			return nil
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:   "inspect",
			Usage:  "Print the header and space usage of an image",
			Flags:  []cli.Flag{imageFlag()},
			Action: inspect,
		},
		{
			Name:  "select",
			Usage: "Run the victim selector against an image",
			Flags: []cli.Flag{
				imageFlag(),
				&cli.StringFlag{Name: "gc-type", Value: "bg", Usage: "GC urgency: fg or bg"},
				&cli.StringFlag{Name: "alloc-mode", Value: "lfs", Usage: "Allocation mode: lfs or ssr"},
				&cli.StringFlag{Name: "type", Value: "cold_data", Usage: "Log whose dirty segments SSR draws from"},
				&cli.UintFlag{Name: "max-search", Value: gc.DefaultMaxSearchLimit, Usage: "Candidates examined per search"},
				&cli.IntFlag{Name: "count", Value: 1, Usage: "Number of successive selections"},
			},
			Action: selectVictims,
		},
		{
			Name:  "gc",
			Usage: "Run GC passes on an image and save the result",
			Flags: []cli.Flag{
				imageFlag(),
				historyFlag(),
				&cli.StringFlag{Name: "gc-type", Value: "fg", Usage: "GC urgency: fg or bg"},
				&cli.IntFlag{Name: "passes", Value: 1, Usage: "Maximum number of passes"},
				&cli.StringFlag{Name: "compression", Value: "zstd", Usage: "Codec for the rewritten image"},
			},
			Action: runGC,
		},
		{
			Name:  "history",
			Usage: "List recorded GC passes, newest first",
			Flags: []cli.Flag{
				historyFlag(),
				&cli.IntFlag{Name: "limit", Value: 20, Usage: "Number of passes to show, 0 for all"},
				&cli.StringFlag{Name: "id", Usage: "Show a single pass"},
				&cli.BoolFlag{Name: "summary", Usage: "Print totals over every recorded pass"},
			},
			Action: history,
		},
	}

	if err := app.Run(os.Args); err != nil {
		util.Logger().WithError(err).Fatal("sitctl failed")
	}
}

func inspect(c *cli.Context) error {
	path := c.String("image")
	h, err := disk.ReadHeader(path)
	if err != nil {
		return err
	}
	mgr, err := disk.LoadManager(path)
	if err != nil {
		return err
	}

	geo := h.Geometry
	fmt.Printf("image:        %s (v%d, %s, %d/%d bytes)\n", path, h.Version, h.Compression, h.StoredLen, h.RawLen)
	fmt.Printf("geometry:     %s\n", geo)
	fmt.Printf("free:         %d/%d sections, %d segments\n", mgr.FreeSections(), geo.TotalSections(), mgr.FreeSegments())

	di := mgr.DirtyInfo()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOG\tCURSEG\tBLKOFF\tDIRTY")
	for t := types.CursegHotData; t < types.NrCursegType; t++ {
		cur := h.Cursegs[t]
		seg := "-"
		if cur.Segno != types.NullSegNo {
			seg = fmt.Sprint(cur.Segno)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", t, seg, cur.Blkoff, di.NrDirty(types.DirtyTypeOf(t)))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("dirty:        %d segments\n", di.NrDirty(types.Dirty))
	fmt.Printf("prefree:      %d segments\n", di.NrDirty(types.Pre))
	return nil
}

func selectVictims(c *cli.Context) error {
	gcType, err := types.ParseGcType(c.String("gc-type"))
	if err != nil {
		return err
	}
	allocMode, err := types.ParseAllocMode(c.String("alloc-mode"))
	if err != nil {
		return err
	}
	cursegType, err := types.ParseCursegType(c.String("type"))
	if err != nil {
		return err
	}

	mgr, err := disk.LoadManager(c.String("image"))
	if err != nil {
		return err
	}
	sel := gc.NewManagerSelector(mgr, gc.WithMaxSearch(uint32(c.Uint("max-search"))))
	fmt.Printf("%s %s selection, up to %d candidates per call\n", gcType, allocMode, sel.MaxSearch())

	for i := 0; i < c.Int("count"); i++ {
		policy := sel.SelectPolicy(gcType, cursegType, allocMode)
		segno, ok := sel.GetVictimByDefault(gcType, cursegType, allocMode)
		if !ok {
			fmt.Printf("#%d no victim (cursor %d)\n", i, sel.Cursor(policy.GcMode))
			continue
		}
		fmt.Printf("#%d victim %d (section %d), cost %d, cursor %d\n",
			i, segno, mgr.Geometry().SecNo(segno), sel.GetGcCost(segno, &policy), sel.Cursor(policy.GcMode))
	}
	return nil
}

func runGC(c *cli.Context) error {
	gcType, err := types.ParseGcType(c.String("gc-type"))
	if err != nil {
		return err
	}
	path := c.String("image")
	compression := c.String("compression")
	if !util.ValidCompressionType(compression) {
		return fmt.Errorf("unsupported compression %q", compression)
	}

	mgr, err := disk.LoadManager(path)
	if err != nil {
		return err
	}
	db, err := store.NewDatabase(c.String("history-dir"))
	if err != nil {
		return err
	}
	defer db.Close()

	col := gc.NewCollector(mgr, gc.NewManagerSelector(mgr), gc.WithHistory(db))
	ctx := context.Background()
	start := time.Now()
	passes := 0
	for passes < c.Int("passes") {
		rec, err := col.Run(ctx, gcType)
		if errors.Is(err, gc.ErrNoVictim) {
			break
		}
		if err != nil {
			return err
		}
		passes++
		util.WithFields(logrus.Fields{"victim": rec.Victim, "moved": rec.Moved, "freed": rec.Freed}).Info("pass done")
	}
	if gcType == types.BgGc {
		mgr.Checkpoint()
	}

	if err := disk.WriteImage(path, mgr.State(), compression); err != nil {
		return err
	}
	fmt.Printf("✅ %d passes in %s, %d sections free\n", passes, time.Since(start).Round(time.Millisecond), mgr.FreeSections())
	return nil
}

func history(c *cli.Context) error {
	db, err := store.NewDatabase(c.String("history-dir"))
	if err != nil {
		return err
	}
	defer db.Close()

	var recs []types.PassRecord
	switch {
	case c.String("id") != "":
		rec, err := db.GetPass(c.String("id"))
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	case c.Bool("summary"):
		return summarize(db)
	default:
		if recs, err = db.ListPasses(c.Int("limit")); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tID\tTYPE\tVICTIM\tMOVED\tFREED\tDURATION\tERROR")
	for _, r := range recs {
		victim := "-"
		if r.Victim != types.NullSegNo {
			victim = fmt.Sprint(r.Victim)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.StartedAt.Format(time.RFC3339), r.ID, r.GcType, victim, r.Moved, r.Freed, r.Duration, r.Error)
	}
	return w.Flush()
}

func summarize(db *store.Database) error {
	var passes, failed, moved, freed int
	var busy time.Duration
	byType := map[string]int{}
	err := db.WalkPasses(func(r types.PassRecord) error {
		passes++
		byType[r.GcType]++
		if r.Error != "" {
			failed++
		}
		moved += int(r.Moved)
		freed += r.Freed
		busy += r.Duration
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("passes:  %d (fg %d, bg %d, %d failed)\n", passes, byType[types.FgGc.String()], byType[types.BgGc.String()], failed)
	fmt.Printf("moved:   %d blocks\n", moved)
	fmt.Printf("freed:   %d segments\n", freed)
	fmt.Printf("busy:    %s\n", busy)
	return nil
}
