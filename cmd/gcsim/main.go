package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/downfa11-org/segclean/pkg/config"
	"github.com/downfa11-org/segclean/pkg/disk"
	"github.com/downfa11-org/segclean/pkg/gc"
	"github.com/downfa11-org/segclean/pkg/metrics"
	"github.com/downfa11-org/segclean/pkg/segment"
	"github.com/downfa11-org/segclean/pkg/store"
	"github.com/downfa11-org/segclean/pkg/workload"
	"github.com/downfa11-org/segclean/util"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	fmt.Printf("🚀 Starting gcsim: %s, %d sections\n", cfg.Geometry, cfg.Geometry.TotalSections())
	fmt.Printf("🧹 Reserve: %d sections | 🔎 Max search: %d | 📊 Exporter: %v\n",
		cfg.ReservedSections, cfg.MaxVictimSearch, cfg.EnableExporter)

	if err := run(cfg); err != nil {
		log.Fatalf("❌ gcsim failed: %v", err)
	}
}

func run(cfg *config.Config) error {
	mgr, err := segment.NewManager(cfg.Geometry)
	if err != nil {
		return err
	}

	history, err := store.NewDatabase(cfg.HistoryDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := history.Close(); err != nil {
			util.Error("close history: %v", err)
		}
	}()

	gen, err := workload.New(mgr, cfg.Workload)
	if err != nil {
		return err
	}
	sel := gc.NewManagerSelector(mgr, gc.WithMaxSearch(cfg.MaxVictimSearch))
	collector := gc.NewCollector(mgr, sel,
		gc.WithMover(gen),
		gc.WithHistory(history),
		gc.WithInterval(time.Duration(cfg.BgGcIntervalMS)*time.Millisecond),
		gc.WithReservedSections(cfg.ReservedSections),
	)
	gen.SetReclaimer(collector, cfg.ReservedSections)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, finish := context.WithCancel(gctx)
	defer finish()

	if cfg.EnableExporter {
		g.Go(func() error {
			return metrics.StartMetricsServer(runCtx, cfg.ExporterPort)
		})
	}

	collector.Start(runCtx)
	g.Go(func() error {
		defer finish()
		err := gen.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			util.Warn("workload interrupted")
			return nil
		}
		return err
	})

	started := time.Now()
	runErr := g.Wait()
	collector.Stop()

	if err := gen.Verify(); err != nil {
		return fmt.Errorf("block map out of sync: %w", err)
	}
	if err := disk.WriteImage(cfg.ImagePath, mgr.State(), cfg.ImageCompression); err != nil {
		return err
	}
	if dropped, err := history.Prune(cfg.HistoryKeep); err != nil {
		util.Warn("prune history: %v", err)
	} else if dropped > 0 {
		util.Debug("pruned %d old gc passes", dropped)
	}

	s := gen.Stats()
	fmt.Printf("✅ %d writes, %d moved by gc, WAF %.3f, %d sections free, took %s\n",
		s.Writes, s.Moved, s.WriteAmplification(), mgr.FreeSections(), time.Since(started).Round(time.Millisecond))
	fmt.Printf("💾 SIT image saved to %s\n", cfg.ImagePath)
	return runErr
}
