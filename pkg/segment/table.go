package segment

import (
	"fmt"
	"sync"

	"github.com/downfa11-org/segclean/pkg/types"
)

// SegmentTable is the in-memory SIT. Entries are guarded by their own
// lock, taken after seglist_lock when both are needed and never the
// other way round.
type SegmentTable struct {
	geo Geometry

	mu       sync.RWMutex
	entries  []types.SegmentEntry
	minMtime uint64
	maxMtime uint64
}

func NewSegmentTable(geo Geometry) *SegmentTable {
	return &SegmentTable{
		geo:     geo,
		entries: make([]types.SegmentEntry, geo.TotalSegments),
	}
}

func (st *SegmentTable) Geometry() Geometry {
	return st.geo
}

func (st *SegmentTable) check(segno types.SegNo) {
	if uint32(segno) >= st.geo.TotalSegments {
		panic(fmt.Sprintf("segment: segno %d out of range [0, %d)", segno, st.geo.TotalSegments))
	}
}

// GetSegmentEntry returns a copy of the entry.
func (st *SegmentTable) GetSegmentEntry(segno types.SegNo) types.SegmentEntry {
	st.check(segno)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.entries[segno]
}

// Put overwrites an entry. It is used when restoring an image and by
// tests that seed a table directly.
func (st *SegmentTable) Put(segno types.SegNo, e types.SegmentEntry) error {
	st.check(segno)
	if uint32(e.ValidBlocks) > st.geo.BlocksPerSeg() || uint32(e.CkptValidBlocks) > st.geo.BlocksPerSeg() {
		return fmt.Errorf("segment %d: valid blocks %d/%d exceed %d",
			segno, e.ValidBlocks, e.CkptValidBlocks, st.geo.BlocksPerSeg())
	}
	if !e.Type.Valid() {
		return fmt.Errorf("segment %d: invalid type %d", segno, e.Type)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.entries[segno] = e
	st.trackMtime(e.Mtime)
	return nil
}

func (st *SegmentTable) trackMtime(mtime uint64) {
	if mtime == 0 {
		return
	}
	if st.minMtime == 0 || mtime < st.minMtime {
		st.minMtime = mtime
	}
	if mtime > st.maxMtime {
		st.maxMtime = mtime
	}
}

// UpdateValidBlocks applies delta to the live-block count and stamps
// the segment with mtime.
func (st *SegmentTable) UpdateValidBlocks(segno types.SegNo, delta int, mtime uint64) error {
	st.check(segno)
	st.mu.Lock()
	defer st.mu.Unlock()

	e := &st.entries[segno]
	next := int(e.ValidBlocks) + delta
	if next < 0 || uint32(next) > st.geo.BlocksPerSeg() {
		return fmt.Errorf("segment %d: valid blocks %d%+d out of range [0, %d]",
			segno, e.ValidBlocks, delta, st.geo.BlocksPerSeg())
	}
	e.ValidBlocks = uint16(next)
	e.Mtime = mtime
	st.trackMtime(mtime)
	return nil
}

func (st *SegmentTable) SetType(segno types.SegNo, t types.CursegType) {
	st.check(segno)
	st.mu.Lock()
	st.entries[segno].Type = t
	st.mu.Unlock()
}

// Reset clears an entry whose segment went back to the free pool.
func (st *SegmentTable) Reset(segno types.SegNo) {
	st.check(segno)
	st.mu.Lock()
	st.entries[segno] = types.SegmentEntry{}
	st.mu.Unlock()
}

// Checkpoint makes the current live-block counts the checkpointed ones
// and recomputes the mtime bounds from the surviving entries.
func (st *SegmentTable) Checkpoint() {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.minMtime, st.maxMtime = 0, 0
	for i := range st.entries {
		e := &st.entries[i]
		e.CkptValidBlocks = e.ValidBlocks
		if e.ValidBlocks > 0 {
			st.trackMtime(e.Mtime)
		}
	}
}

// ValidBlocksInSection sums ValidBlocks over the section.
func (st *SegmentTable) ValidBlocksInSection(secno types.SecNo) uint32 {
	start := st.geo.SecStart(secno)
	st.check(start)

	st.mu.RLock()
	defer st.mu.RUnlock()
	var sum uint32
	for i := uint32(0); i < st.geo.SegsPerSec; i++ {
		sum += uint32(st.entries[uint32(start)+i].ValidBlocks)
	}
	return sum
}

// SectionMtime returns the oldest non-zero mtime in the section, or 0
// if no segment of it was ever written.
func (st *SegmentTable) SectionMtime(secno types.SecNo) uint64 {
	start := st.geo.SecStart(secno)
	st.check(start)

	st.mu.RLock()
	defer st.mu.RUnlock()
	var oldest uint64
	for i := uint32(0); i < st.geo.SegsPerSec; i++ {
		m := st.entries[uint32(start)+i].Mtime
		if m != 0 && (oldest == 0 || m < oldest) {
			oldest = m
		}
	}
	return oldest
}

// MtimeBounds returns the oldest and newest mtime seen since the last
// checkpoint.
func (st *SegmentTable) MtimeBounds() (min, max uint64) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.minMtime, st.maxMtime
}

// Snapshot copies every entry.
func (st *SegmentTable) Snapshot() []types.SegmentEntry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]types.SegmentEntry, len(st.entries))
	copy(out, st.entries)
	return out
}
