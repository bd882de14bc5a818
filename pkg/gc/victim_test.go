package gc_test

import (
	"math"
	"testing"

	"github.com/downfa11-org/segclean/pkg/gc"
	"github.com/downfa11-org/segclean/pkg/segment"
	"github.com/downfa11-org/segclean/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type activeSet map[types.SecNo]bool

func (a activeSet) IsCurSec(secno types.SecNo) bool { return a[secno] }

// countingTable counts entry lookups, one per greedy SSR cost evaluation.
type countingTable struct {
	*segment.SegmentTable
	lookups int
}

func (c *countingTable) GetSegmentEntry(segno types.SegNo) types.SegmentEntry {
	c.lookups++
	return c.SegmentTable.GetSegmentEntry(segno)
}

type fixture struct {
	geo    segment.Geometry
	table  *segment.SegmentTable
	dirty  *segment.DirtyInfo
	active activeSet
}

func newFixture(geo segment.Geometry) *fixture {
	return &fixture{
		geo:    geo,
		table:  segment.NewSegmentTable(geo),
		dirty:  segment.NewDirtyInfo(geo),
		active: activeSet{},
	}
}

func (f *fixture) selector(opts ...gc.SelectorOption) *gc.Selector {
	return gc.NewSelector(f.geo, f.table, f.dirty, f.active, opts...)
}

// dirtySSR marks segno as an SSR candidate of the hot data log.
func (f *fixture) dirtySSR(t *testing.T, segno types.SegNo, ckptValid uint16) {
	t.Helper()
	require.NoError(t, f.table.Put(segno, types.SegmentEntry{
		ValidBlocks:     ckptValid,
		CkptValidBlocks: ckptValid,
		Type:            types.CursegHotData,
		Mtime:           uint64(segno) + 1,
	}))
	f.dirty.MarkDirty(types.DirtyHotData, segno)
}

// dirtyLFS marks segno in the generic pool.
func (f *fixture) dirtyLFS(t *testing.T, segno types.SegNo, valid uint16, mtime uint64) {
	t.Helper()
	require.NoError(t, f.table.Put(segno, types.SegmentEntry{
		ValidBlocks:     valid,
		CkptValidBlocks: valid,
		Type:            types.CursegWarmData,
		Mtime:           mtime,
	}))
	f.dirty.MarkDirty(types.Dirty, segno)
}

var flatGeo = segment.Geometry{LogBlocksPerSeg: 9, SegsPerSec: 1, TotalSegments: 1024}

func TestGetVictimByDefault_EmptyDirtyMap(t *testing.T) {
	f := newFixture(flatGeo)
	sel := f.selector()

	for _, gcType := range []types.GcType{types.FgGc, types.BgGc} {
		for _, mode := range []types.AllocMode{types.LFS, types.SSR} {
			for ct := types.CursegHotData; ct < types.NrCursegType; ct++ {
				segno, ok := sel.GetVictimByDefault(gcType, ct, mode)
				assert.False(t, ok, "%s/%s/%s", gcType, mode, ct)
				assert.Equal(t, types.NullSegNo, segno)
			}
		}
	}
	assert.Empty(t, f.dirty.Victims(types.FgGc))
	assert.Empty(t, f.dirty.Victims(types.BgGc))
}

func TestGetVictimByDefault_SingleSSRCandidate(t *testing.T) {
	f := newFixture(flatGeo)
	f.dirtySSR(t, 37, 5)

	segno, ok := f.selector().GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
	require.True(t, ok)
	assert.Equal(t, types.SegNo(37), segno)
	assert.Empty(t, f.dirty.Victims(types.FgGc), "ssr never reserves")
}

func TestGetVictimByDefault_GreedyPrefersFewerValidBlocks(t *testing.T) {
	f := newFixture(flatGeo)
	f.dirtySSR(t, 10, 8)
	f.dirtySSR(t, 20, 2)
	f.dirtySSR(t, 30, 5)

	segno, ok := f.selector().GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
	require.True(t, ok)
	assert.Equal(t, types.SegNo(20), segno)
}

func TestGetVictimByDefault_SkipsActiveSection(t *testing.T) {
	f := newFixture(flatGeo)
	f.dirtySSR(t, 40, 1)
	f.dirtySSR(t, 41, 7)
	f.active[f.geo.SecNo(40)] = true

	sel := f.selector()
	for i := 0; i < 3; i++ {
		segno, ok := sel.GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
		require.True(t, ok)
		assert.Equal(t, types.SegNo(41), segno)
	}
}

func TestGetVictimByDefault_SkipsWholeActiveSection(t *testing.T) {
	geo := segment.Geometry{LogBlocksPerSeg: 2, SegsPerSec: 2, TotalSegments: 32}
	m, err := segment.NewManager(geo, segment.WithClock(segment.NewLogicalClock()))
	require.NoError(t, err)

	// segment 0 fills up, the cold data log moves on to segment 1 of
	// the same section
	for i := 0; i < 5; i++ {
		_, err := m.WriteBlock(types.CursegColdData)
		require.NoError(t, err)
	}
	require.NoError(t, m.InvalidateBlock(0))
	m.Checkpoint()

	require.Equal(t, types.SegNo(1), m.Cursegs().Current(types.CursegColdData))
	require.True(t, m.DirtyInfo().IsDirty(types.Dirty, 0))
	require.True(t, m.DirtyInfo().IsDirty(types.DirtyColdData, 0))

	sel := gc.NewManagerSelector(m)
	for _, gcType := range []types.GcType{types.FgGc, types.BgGc} {
		segno, ok := sel.GetVictimByDefault(gcType, types.CursegColdData, types.LFS)
		assert.False(t, ok, "lfs %s", gcType)
		assert.Equal(t, types.NullSegNo, segno)
	}
	segno, ok := sel.GetVictimByDefault(types.FgGc, types.CursegColdData, types.SSR)
	assert.False(t, ok, "ssr")
	assert.Equal(t, types.NullSegNo, segno)
	assert.Empty(t, m.DirtyInfo().Victims(types.FgGc))
	assert.Empty(t, m.DirtyInfo().Victims(types.BgGc))
}

func TestGetVictimByDefault_ForegroundReservationBlocksBackground(t *testing.T) {
	f := newFixture(flatGeo)
	f.dirtyLFS(t, 100, 1, 10)
	f.dirtySSR(t, 100, 1)
	f.dirty.Reserve(types.FgGc, 100, 1)
	sel := f.selector()

	_, ok := sel.GetVictimByDefault(types.BgGc, types.CursegHotData, types.SSR)
	assert.False(t, ok)
	_, ok = sel.GetVictimByDefault(types.BgGc, types.CursegHotData, types.LFS)
	assert.False(t, ok)
	_, ok = sel.GetVictimByDefault(types.FgGc, types.CursegHotData, types.LFS)
	assert.False(t, ok, "foreground reservations are skipped by every caller")

	f.dirtyLFS(t, 200, 3, 50)
	f.dirtyLFS(t, 300, 3, 90)
	segno, ok := sel.GetVictimByDefault(types.BgGc, types.CursegHotData, types.LFS)
	require.True(t, ok)
	assert.NotEqual(t, types.SegNo(100), segno)
}

func TestGetVictimByDefault_BackgroundReservationOnlyBlocksBackground(t *testing.T) {
	f := newFixture(flatGeo)
	f.dirtySSR(t, 5, 2)
	f.dirty.Reserve(types.BgGc, 5, 1)
	sel := f.selector()

	_, ok := sel.GetVictimByDefault(types.BgGc, types.CursegHotData, types.SSR)
	assert.False(t, ok)

	segno, ok := sel.GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
	require.True(t, ok)
	assert.Equal(t, types.SegNo(5), segno)
}

func TestGetVictimByDefault_SearchLimitResumption(t *testing.T) {
	geo := segment.Geometry{LogBlocksPerSeg: 2, SegsPerSec: 1, TotalSegments: 16}
	f := newFixture(geo)
	for segno := types.SegNo(0); segno < 6; segno++ {
		f.dirtySSR(t, segno, 1)
	}
	sel := f.selector(gc.WithMaxSearch(4))

	first, ok := sel.GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
	require.True(t, ok)
	assert.Contains(t, []types.SegNo{0, 1, 2, 3}, first)
	assert.Greater(t, sel.Cursor(types.GcGreedy), uint32(first), "cursor moves past the winner")

	// The outer pass consumes each winner, as cleaning would.
	offered := map[types.SegNo]bool{first: true}
	f.dirty.ClearDirty(types.DirtyHotData, first)
	for i := 0; i < 10 && len(offered) < 6; i++ {
		segno, ok := sel.GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
		require.True(t, ok)
		assert.False(t, offered[segno], "segment %d offered twice", segno)
		offered[segno] = true
		f.dirty.ClearDirty(types.DirtyHotData, segno)
	}
	assert.Len(t, offered, 6)

	_, ok = sel.GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
	assert.False(t, ok)
}

func TestGetVictimByDefault_WrapsOnceFromCursor(t *testing.T) {
	geo := segment.Geometry{LogBlocksPerSeg: 2, SegsPerSec: 1, TotalSegments: 16}
	f := newFixture(geo)
	for segno := types.SegNo(0); segno < 6; segno++ {
		f.dirtySSR(t, segno, 1)
	}
	sel := f.selector(gc.WithMaxSearch(4))

	segno, ok := sel.GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
	require.True(t, ok)
	assert.Equal(t, types.SegNo(0), segno)
	assert.Equal(t, uint32(4), sel.Cursor(types.GcGreedy))

	// 4 and 5 are scored, the scan wraps, and 0 and 1 fill the budget.
	segno, ok = sel.GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
	require.True(t, ok)
	assert.Equal(t, types.SegNo(4), segno)
	assert.Equal(t, uint32(2), sel.Cursor(types.GcGreedy))
}

func TestGetVictimByDefault_WrapConsumesCursor(t *testing.T) {
	geo := segment.Geometry{LogBlocksPerSeg: 2, SegsPerSec: 1, TotalSegments: 16}
	f := newFixture(geo)
	for segno := types.SegNo(0); segno < 8; segno++ {
		f.dirtySSR(t, segno, 1)
	}
	sel := f.selector(gc.WithMaxSearch(4))
	_, ok := sel.GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
	require.True(t, ok)
	require.Equal(t, uint32(4), sel.Cursor(types.GcGreedy))

	for segno := types.SegNo(0); segno < 8; segno++ {
		f.dirty.ClearDirty(types.DirtyHotData, segno)
	}
	_, ok = sel.GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
	assert.False(t, ok)
	assert.Zero(t, sel.Cursor(types.GcGreedy))
}

func TestGetVictimByDefault_BoundedEvaluations(t *testing.T) {
	f := newFixture(flatGeo)
	for segno := types.SegNo(0); segno < 1024; segno++ {
		f.dirtySSR(t, segno, uint16(1024-segno)%512+1)
	}
	counting := &countingTable{SegmentTable: f.table}
	sel := gc.NewSelector(f.geo, counting, f.dirty, f.active, gc.WithMaxSearch(16))

	for call := 0; call < 200; call++ {
		counting.lookups = 0
		_, ok := sel.GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
		require.True(t, ok)
		assert.LessOrEqual(t, counting.lookups, 16)
	}
}

func TestGetVictimByDefault_CursorProgress(t *testing.T) {
	f := newFixture(flatGeo)
	for segno := types.SegNo(0); segno < 100; segno++ {
		f.dirtySSR(t, segno, 3)
	}
	sel := f.selector(gc.WithMaxSearch(8))

	prev := sel.Cursor(types.GcGreedy)
	for call := 0; call < 20; call++ {
		_, ok := sel.GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
		require.True(t, ok)
		cur := sel.Cursor(types.GcGreedy)
		if cur <= prev {
			// only a wrap may move the cursor backwards
			assert.Less(t, cur, uint32(8), "call %d: %d -> %d", call, prev, cur)
		}
		prev = cur
	}
}

func TestGetVictimByDefault_Deterministic(t *testing.T) {
	build := func() *gc.Selector {
		f := newFixture(flatGeo)
		for _, s := range []struct {
			segno types.SegNo
			valid uint16
		}{{3, 9}, {17, 4}, {18, 4}, {900, 1}, {901, 1}, {512, 2}} {
			f.dirtySSR(t, s.segno, s.valid)
		}
		f.active[f.geo.SecNo(900)] = true
		return f.selector(gc.WithMaxSearch(3))
	}

	a, b := build(), build()
	for call := 0; call < 5; call++ {
		sa, oka := a.GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
		sb, okb := b.GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
		assert.Equal(t, oka, okb)
		assert.Equal(t, sa, sb, "call %d", call)
		assert.Equal(t, a.Cursor(types.GcGreedy), b.Cursor(types.GcGreedy))
	}
}

func TestGetVictimByDefault_MaxCostNeverWins(t *testing.T) {
	geo := segment.Geometry{LogBlocksPerSeg: 2, SegsPerSec: 1, TotalSegments: 16}
	f := newFixture(geo)
	f.dirtySSR(t, 7, 4) // every block still live at the last checkpoint

	_, ok := f.selector().GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
	assert.False(t, ok)
}

func TestGetVictimByDefault_LFSReservesAlignedSection(t *testing.T) {
	geo := segment.Geometry{LogBlocksPerSeg: 2, SegsPerSec: 4, TotalSegments: 64}
	f := newFixture(geo)
	f.dirtyLFS(t, 9, 2, 10) // section 2
	f.dirtyLFS(t, 10, 1, 12)
	f.dirtyLFS(t, 21, 1, 20) // section 5
	sel := f.selector()

	segno, ok := sel.GetVictimByDefault(types.FgGc, types.CursegColdData, types.LFS)
	require.True(t, ok)
	assert.Equal(t, types.SegNo(20), segno, "section 5 holds 1 live block against 3")
	assert.Equal(t, []types.SegNo{20, 21, 22, 23}, f.dirty.Victims(types.FgGc))
	assert.Empty(t, f.dirty.Victims(types.BgGc))

	segno, ok = sel.GetVictimByDefault(types.FgGc, types.CursegColdData, types.LFS)
	require.True(t, ok)
	assert.Equal(t, types.SegNo(8), segno)
	assert.Equal(t, []types.SegNo{8, 9, 10, 11, 20, 21, 22, 23}, f.dirty.Victims(types.FgGc))

	_, ok = sel.GetVictimByDefault(types.FgGc, types.CursegColdData, types.LFS)
	assert.False(t, ok)

	f.dirty.ReleaseVictim(types.FgGc, 8, geo.SegsPerSec)
	segno, ok = sel.GetVictimByDefault(types.FgGc, types.CursegColdData, types.LFS)
	require.True(t, ok)
	assert.Equal(t, types.SegNo(8), segno)
}

func TestGetVictimByDefault_CostBenefitPrefersOldAndEmpty(t *testing.T) {
	geo := segment.Geometry{LogBlocksPerSeg: 2, SegsPerSec: 2, TotalSegments: 32}

	t.Run("older_wins_at_equal_utilisation", func(t *testing.T) {
		f := newFixture(geo)
		f.dirtyLFS(t, 2, 2, 90) // section 1, young
		f.dirtyLFS(t, 6, 2, 10) // section 3, old
		f.dirtyLFS(t, 10, 2, 50)

		segno, ok := f.selector().GetVictimByDefault(types.BgGc, types.CursegHotData, types.LFS)
		require.True(t, ok)
		assert.Equal(t, types.SegNo(6), segno)
		assert.Equal(t, []types.SegNo{6, 7}, f.dirty.Victims(types.BgGc))
	})

	t.Run("emptier_wins_at_equal_age", func(t *testing.T) {
		f := newFixture(geo)
		f.dirtyLFS(t, 4, 3, 10)
		f.dirtyLFS(t, 8, 1, 10)
		f.dirtyLFS(t, 20, 1, 100) // sets the newest stamp

		segno, ok := f.selector().GetVictimByDefault(types.BgGc, types.CursegHotData, types.LFS)
		require.True(t, ok)
		assert.Equal(t, types.SegNo(8), segno)
	})

	t.Run("no_age_spread_means_no_victim", func(t *testing.T) {
		f := newFixture(geo)
		f.dirtyLFS(t, 4, 1, 42)
		f.dirtyLFS(t, 8, 1, 42)

		_, ok := f.selector().GetVictimByDefault(types.BgGc, types.CursegHotData, types.LFS)
		assert.False(t, ok)
	})
}

func TestGetGcCost(t *testing.T) {
	geo := segment.Geometry{LogBlocksPerSeg: 2, SegsPerSec: 2, TotalSegments: 32}
	f := newFixture(geo)
	require.NoError(t, f.table.Put(4, types.SegmentEntry{ValidBlocks: 3, CkptValidBlocks: 1, Mtime: 10}))
	require.NoError(t, f.table.Put(5, types.SegmentEntry{ValidBlocks: 1, CkptValidBlocks: 1, Mtime: 30}))
	require.NoError(t, f.table.Put(9, types.SegmentEntry{ValidBlocks: 4, Mtime: 110}))
	sel := f.selector()

	ssr := sel.SelectPolicy(types.FgGc, types.CursegHotData, types.SSR)
	assert.Equal(t, uint32(1), sel.GetGcCost(4, &ssr), "ssr reads the checkpointed count")
	assert.Equal(t, uint32(4), sel.GetMaxCost(&ssr))

	lfs := sel.SelectPolicy(types.FgGc, types.CursegHotData, types.LFS)
	assert.Equal(t, uint32(4), sel.GetGcCost(5, &lfs), "lfs sums the section")
	assert.Equal(t, uint32(8), sel.GetMaxCost(&lfs))

	// u = 50, age = 100: 100*50*100/150
	cb := sel.SelectPolicy(types.BgGc, types.CursegHotData, types.LFS)
	assert.Equal(t, uint32(math.MaxUint32-3333), sel.GetGcCost(4, &cb))
	assert.Equal(t, uint32(math.MaxUint32), sel.GetMaxCost(&cb))
	// u = 50, age = 0
	assert.Equal(t, uint32(math.MaxUint32), sel.GetGcCost(8, &cb))
}

func TestSelectPolicy(t *testing.T) {
	geo := segment.Geometry{LogBlocksPerSeg: 3, SegsPerSec: 4, TotalSegments: 64}
	sel := newFixture(geo).selector()

	tests := []struct {
		name      string
		gcType    types.GcType
		curseg    types.CursegType
		alloc     types.AllocMode
		gcMode    types.GcMode
		dirtyType types.DirtyType
		ofsUnit   uint32
		maxCost   uint32
	}{
		{"ssr_fg", types.FgGc, types.CursegWarmNode, types.SSR, types.GcGreedy, types.DirtyWarmNode, 1, 8},
		{"ssr_bg_forced_greedy", types.BgGc, types.CursegColdData, types.SSR, types.GcGreedy, types.DirtyColdData, 1, 8},
		{"lfs_fg", types.FgGc, types.CursegHotData, types.LFS, types.GcGreedy, types.Dirty, 4, 32},
		{"lfs_bg", types.BgGc, types.CursegHotData, types.LFS, types.GcCb, types.Dirty, 4, math.MaxUint32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := sel.SelectPolicy(tt.gcType, tt.curseg, tt.alloc)
			assert.Equal(t, tt.alloc, p.AllocMode)
			assert.Equal(t, tt.gcMode, p.GcMode)
			assert.Equal(t, tt.dirtyType, p.DirtyType)
			assert.Equal(t, tt.ofsUnit, p.OfsUnit)
			assert.Equal(t, tt.maxCost, p.MinCost)
			assert.Equal(t, types.NullSegNo, p.MinSegno)
			assert.Zero(t, p.Offset)
		})
	}

	assert.Equal(t, types.GcGreedy, gc.SelectGcType(types.FgGc))
	assert.Equal(t, types.GcCb, gc.SelectGcType(types.BgGc))
}

func TestSelector_MaxSearch(t *testing.T) {
	f := newFixture(flatGeo)
	assert.Equal(t, uint32(gc.DefaultMaxSearchLimit), f.selector().MaxSearch())
	assert.Equal(t, uint32(gc.DefaultMaxSearchLimit), f.selector(gc.WithMaxSearch(0)).MaxSearch())
	assert.Equal(t, uint32(7), f.selector(gc.WithMaxSearch(7)).MaxSearch())
}

func TestSelector_ContractViolations(t *testing.T) {
	f := newFixture(flatGeo)
	sel := f.selector()

	assert.Panics(t, func() { sel.GetVictimByDefault(types.NrGcType, types.CursegHotData, types.LFS) })
	assert.Panics(t, func() { sel.GetVictimByDefault(types.FgGc, types.CursegHotData, types.AllocMode(7)) })
	assert.Panics(t, func() { sel.GetVictimByDefault(types.FgGc, types.NrCursegType, types.SSR) })
	assert.Panics(t, func() { gc.SelectGcType(types.GcType(-1)) })

	assert.Panics(t, func() {
		gc.NewSelector(segment.Geometry{LogBlocksPerSeg: 9, SegsPerSec: 1}, f.table, f.dirty, f.active)
	}, "zero segments")
	assert.Panics(t, func() {
		gc.NewSelector(segment.Geometry{LogBlocksPerSeg: 15, SegsPerSec: 1 << 17, TotalSegments: 1 << 17}, f.table, f.dirty, f.active)
	}, "section block count overflows uint32")
	assert.Panics(t, func() { gc.NewSelector(flatGeo, nil, f.dirty, f.active) })
	assert.Panics(t, func() { gc.NewSelector(flatGeo, f.table, f.dirty, nil) })

	// an invalid call leaves the lock free for the next one
	_, ok := sel.GetVictimByDefault(types.FgGc, types.CursegHotData, types.SSR)
	assert.False(t, ok)
}
