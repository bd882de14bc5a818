package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/downfa11-org/segclean/pkg/config"
	"github.com/downfa11-org/segclean/pkg/segment"
	"github.com/downfa11-org/segclean/pkg/types"
	"github.com/downfa11-org/segclean/util"
)

// Reclaimer frees sections on demand. *gc.Collector implements it.
type Reclaimer interface {
	Reclaim(ctx context.Context, want uint32) error
}

// Stats counts what the generator did.
type Stats struct {
	Writes      uint64
	Overwrites  uint64
	Moved       uint64
	Reclaims    uint64
	Checkpoints uint64
}

// WriteAmplification is device writes per user write.
func (s Stats) WriteAmplification() float64 {
	if s.Writes == 0 {
		return 0
	}
	return float64(s.Writes+s.Moved) / float64(s.Writes)
}

// Generator writes and overwrites a fixed set of logical blocks through
// a segment manager. A tenth of the blocks is hot and receives HotRatio
// of the overwrites. It also serves as the GC mover, so the block map
// follows every migration.
type Generator struct {
	mgr *segment.Manager
	cfg config.WorkloadConfig
	rng *rand.Rand

	reclaimer Reclaimer
	reserve   uint32

	mu     sync.Mutex
	blocks []types.SegNo                    // logical block -> segment
	logs   []types.CursegType               // logical block -> log it is written through
	owners map[types.SegNo]map[int]struct{} // segment -> logical blocks
	hotN   int
	stats  Stats
}

func New(mgr *segment.Manager, cfg config.WorkloadConfig) (*Generator, error) {
	if cfg.LiveBlocks <= 0 {
		return nil, fmt.Errorf("workload: live_blocks must be positive")
	}
	geo := mgr.Geometry()
	capacity := uint64(geo.TotalSegments) * uint64(geo.BlocksPerSeg())
	if uint64(cfg.LiveBlocks) >= capacity {
		return nil, fmt.Errorf("workload: %d live blocks do not fit %d", cfg.LiveBlocks, capacity)
	}

	g := &Generator{
		mgr:    mgr,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		blocks: make([]types.SegNo, cfg.LiveBlocks),
		logs:   make([]types.CursegType, cfg.LiveBlocks),
		owners: make(map[types.SegNo]map[int]struct{}),
		hotN:   cfg.LiveBlocks / 10,
	}
	if g.hotN == 0 {
		g.hotN = 1
	}
	for lb := range g.blocks {
		g.blocks[lb] = types.NullSegNo
		node := g.rng.Float64() < cfg.NodeRatio
		hot := lb < g.hotN
		switch {
		case hot && node:
			g.logs[lb] = types.CursegHotNode
		case hot:
			g.logs[lb] = types.CursegHotData
		case node:
			g.logs[lb] = types.CursegWarmNode
		default:
			g.logs[lb] = types.CursegWarmData
		}
	}
	return g, nil
}

// SetReclaimer makes the generator run foreground GC through r whenever
// fewer than reserve sections are free, and when a write runs out of
// space.
func (g *Generator) SetReclaimer(r Reclaimer, reserve uint32) {
	g.reclaimer = r
	g.reserve = reserve
}

func (g *Generator) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Run writes every logical block once, then performs cfg.Ops
// overwrites, checkpointing every CheckpointEvery operations.
func (g *Generator) Run(ctx context.Context) error {
	ops := 0
	step := func(lb int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.Write(ctx, lb); err != nil {
			return err
		}
		ops++
		if g.cfg.CheckpointEvery > 0 && ops%g.cfg.CheckpointEvery == 0 {
			g.Checkpoint()
		}
		return nil
	}

	for lb := range g.blocks {
		if err := step(lb); err != nil {
			return err
		}
	}
	for i := 0; i < g.cfg.Ops; i++ {
		if err := step(g.pick()); err != nil {
			return err
		}
	}
	g.Checkpoint()

	s := g.Stats()
	util.Info("workload done: %d writes (%d overwrites), %d blocks moved by gc, WAF %.2f",
		s.Writes, s.Overwrites, s.Moved, s.WriteAmplification())
	return nil
}

func (g *Generator) pick() int {
	n := len(g.blocks)
	if n == g.hotN || g.rng.Float64() < g.cfg.HotRatio {
		return g.rng.Intn(g.hotN)
	}
	return g.hotN + g.rng.Intn(n-g.hotN)
}

func (g *Generator) Checkpoint() {
	g.mgr.Checkpoint()
	g.mu.Lock()
	g.stats.Checkpoints++
	g.mu.Unlock()
}

// Write (over)writes logical block lb.
func (g *Generator) Write(ctx context.Context, lb int) error {
	if g.reclaimer != nil && g.mgr.FreeSections() < g.reserve {
		g.reclaim(ctx)
	}

	err := g.write(lb)
	if errors.Is(err, segment.ErrNoSpace) && g.reclaimer != nil {
		g.reclaim(ctx)
		err = g.write(lb)
	}
	return err
}

func (g *Generator) reclaim(ctx context.Context) {
	want := g.reserve
	if want == 0 {
		want = 1
	}
	if err := g.reclaimer.Reclaim(ctx, want); err != nil {
		util.Debug("workload: reclaim to %d free sections: %v", want, err)
	}
	g.mu.Lock()
	g.stats.Reclaims++
	g.mu.Unlock()
}

func (g *Generator) write(lb int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	segno, err := g.mgr.WriteBlock(g.logs[lb])
	if err != nil {
		return err
	}
	g.stats.Writes++
	if old := g.blocks[lb]; old != types.NullSegNo {
		g.stats.Overwrites++
		if err := g.relocate(lb, old, segno); err != nil {
			return err
		}
		return nil
	}
	g.blocks[lb] = segno
	g.own(segno, lb)
	return nil
}

// relocate moves lb from old to segno, which already holds the new copy.
func (g *Generator) relocate(lb int, old, segno types.SegNo) error {
	delete(g.owners[old], lb)
	if len(g.owners[old]) == 0 {
		delete(g.owners, old)
	}
	g.blocks[lb] = segno
	g.own(segno, lb)
	return g.mgr.InvalidateBlock(old)
}

func (g *Generator) own(segno types.SegNo, lb int) {
	set, ok := g.owners[segno]
	if !ok {
		set = make(map[int]struct{})
		g.owners[segno] = set
	}
	set[lb] = struct{}{}
}

// MoveBlocks rewrites every logical block still held by from into log
// target.
func (g *Generator) MoveBlocks(ctx context.Context, from types.SegNo, target types.CursegType) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	moved := 0
	for lb := range g.owners[from] {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		segno, err := g.mgr.WriteBlock(target)
		if err != nil {
			return moved, err
		}
		if err := g.relocate(lb, from, segno); err != nil {
			return moved, err
		}
		moved++
		g.stats.Moved++
	}
	return moved, nil
}

// Verify checks that the SIT live counts match the block map.
func (g *Generator) Verify() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	table := g.mgr.Table()
	geo := g.mgr.Geometry()
	for segno := types.SegNo(0); uint32(segno) < geo.TotalSegments; segno++ {
		want := len(g.owners[segno])
		if got := int(table.GetSegmentEntry(segno).ValidBlocks); got != want {
			return fmt.Errorf("segment %d: %d valid blocks, block map holds %d", segno, got, want)
		}
	}
	return nil
}
