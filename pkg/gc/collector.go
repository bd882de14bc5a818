package gc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/downfa11-org/segclean/pkg/metrics"
	"github.com/downfa11-org/segclean/pkg/segment"
	"github.com/downfa11-org/segclean/pkg/types"
	"github.com/downfa11-org/segclean/util"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrNoVictim means no section is reclaimable right now.
var ErrNoVictim = errors.New("gc: no victim section")

// Mover migrates the live blocks of one segment into log target and
// reports how many it moved.
type Mover interface {
	MoveBlocks(ctx context.Context, from types.SegNo, target types.CursegType) (int, error)
}

// HistoryRecorder persists finished passes.
type HistoryRecorder interface {
	RecordPass(rec types.PassRecord) error
}

// ManagerMover moves blocks by rewriting them through the manager. It
// keeps no block index, so it only fits callers that track live counts
// and nothing else.
type ManagerMover struct {
	Manager *segment.Manager
}

func (m ManagerMover) MoveBlocks(ctx context.Context, from types.SegNo, target types.CursegType) (int, error) {
	live := int(m.Manager.Table().GetSegmentEntry(from).ValidBlocks)
	for i := 0; i < live; i++ {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if _, err := m.Manager.WriteBlock(target); err != nil {
			return i, err
		}
		if err := m.Manager.InvalidateBlock(from); err != nil {
			return i, err
		}
	}
	return live, nil
}

// TargetLog is where GC rewrites blocks found in a segment of log t.
func TargetLog(t types.CursegType) types.CursegType {
	if t.IsNode() {
		return types.CursegColdNode
	}
	return types.CursegColdData
}

type CollectorOption func(*Collector)

func WithMover(mv Mover) CollectorOption {
	return func(c *Collector) { c.mover = mv }
}

func WithHistory(h HistoryRecorder) CollectorOption {
	return func(c *Collector) { c.history = h }
}

// WithInterval sets the background loop period.
func WithInterval(d time.Duration) CollectorOption {
	return func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithReservedSections makes the background loop switch to foreground
// passes while fewer than n sections are free.
func WithReservedSections(n uint32) CollectorOption {
	return func(c *Collector) { c.reserved = n }
}

// Collector runs GC passes: pick an LFS victim, migrate what is still
// live in it, release the reservation.
type Collector struct {
	mgr      *segment.Manager
	sel      *Selector
	mover    Mover
	history  HistoryRecorder
	interval time.Duration
	reserved uint32

	passMu sync.Mutex

	loopMu sync.Mutex // guards done
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewCollector(mgr *segment.Manager, sel *Selector, opts ...CollectorOption) *Collector {
	c := &Collector{
		mgr:      mgr,
		sel:      sel,
		mover:    ManagerMover{Manager: mgr},
		interval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run performs one pass. Foreground passes checkpoint afterwards so the
// emptied section is free on return.
func (c *Collector) Run(ctx context.Context, gcType types.GcType) (types.PassRecord, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	rec := types.PassRecord{
		ID:        uuid.NewString(),
		GcType:    gcType.String(),
		Victim:    types.NullSegNo,
		StartedAt: time.Now(),
	}
	log := util.WithFields(logrus.Fields{"pass": rec.ID, "gc_type": rec.GcType})

	segno, ok := c.sel.GetVictimByDefault(gcType, types.CursegColdData, types.LFS)
	if !ok {
		metrics.ObservePass(gcType, "no_victim", 0, 0)
		return rec, ErrNoVictim
	}

	geo := c.mgr.Geometry()
	defer c.mgr.DirtyInfo().ReleaseVictim(gcType, segno, geo.SegsPerSec)

	rec.Victim = segno
	rec.Segments = geo.SegsPerSec
	rec.ValidBefore = c.mgr.Table().ValidBlocksInSection(geo.SecNo(segno))

	err := c.migrate(ctx, segno, &rec)
	if err == nil && gcType == types.FgGc {
		rec.Freed = c.mgr.Checkpoint()
	}
	rec.Duration = time.Since(rec.StartedAt)

	result := "ok"
	if err != nil {
		result = "error"
		rec.Error = err.Error()
		log.WithError(err).Warnf("section %d: migration stopped after %d blocks", geo.SecNo(segno), rec.Moved)
	} else {
		log.Debugf("section %d: moved %d/%d blocks, freed %d segments",
			geo.SecNo(segno), rec.Moved, rec.ValidBefore, rec.Freed)
	}
	metrics.ObservePass(gcType, result, rec.Moved, rec.Duration.Seconds())
	c.observeSpace()

	if c.history != nil {
		if herr := c.history.RecordPass(rec); herr != nil {
			log.WithError(herr).Warn("recording gc pass failed")
		}
	}
	return rec, err
}

func (c *Collector) migrate(ctx context.Context, start types.SegNo, rec *types.PassRecord) error {
	table := c.mgr.Table()
	for i := uint32(0); i < rec.Segments; i++ {
		segno := start + types.SegNo(i)
		e := table.GetSegmentEntry(segno)
		if e.ValidBlocks == 0 {
			continue
		}
		n, err := c.mover.MoveBlocks(ctx, segno, TargetLog(e.Type))
		rec.Moved += uint32(n)
		if err != nil {
			return err
		}
	}
	return nil
}

// Reclaim runs foreground passes until at least want sections are free.
// It stops early with ErrNoVictim when nothing is left to clean or a
// pass frees nothing, and gives up after one pass per section.
func (c *Collector) Reclaim(ctx context.Context, want uint32) error {
	limit := c.mgr.Geometry().TotalSections()
	for pass := uint32(0); c.mgr.FreeSections() < want; pass++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pass >= limit {
			return ErrNoVictim
		}
		rec, err := c.Run(ctx, types.FgGc)
		if err != nil {
			return err
		}
		if rec.Freed == 0 {
			util.Debug("reclaim: pass %s freed nothing (%d free, want %d)", rec.ID, c.mgr.FreeSections(), want)
			return ErrNoVictim
		}
	}
	return nil
}

// Start launches the background loop unless it is already running.
// Stop ends it.
func (c *Collector) Start(ctx context.Context) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.done != nil {
		return
	}
	c.done = make(chan struct{})
	c.wg.Add(1)
	go c.gcLoop(ctx, c.done)
}

func (c *Collector) Stop() {
	c.loopMu.Lock()
	done := c.done
	c.done = nil
	c.loopMu.Unlock()

	if done == nil {
		return
	}
	close(done)
	c.wg.Wait()
}

func (c *Collector) gcLoop(ctx context.Context, done <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick(ctx)
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

func (c *Collector) tick(ctx context.Context) {
	gcType := types.BgGc
	if c.mgr.FreeSections() < c.reserved {
		gcType = types.FgGc
	}
	if _, err := c.Run(ctx, gcType); err != nil && !errors.Is(err, ErrNoVictim) {
		util.Warn("background gc (%s): %v", gcType, err)
	}
}

func (c *Collector) observeSpace() {
	di := c.mgr.DirtyInfo()
	dirty := make(map[types.DirtyType]uint32, types.NrDirtyType)
	for t := types.DirtyType(0); t < types.NrDirtyType; t++ {
		dirty[t] = di.NrDirty(t)
	}
	metrics.ObserveSpace(c.mgr.FreeSections(), dirty)
}
