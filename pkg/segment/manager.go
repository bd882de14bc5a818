package segment

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/segclean/pkg/bitmap"
	"github.com/downfa11-org/segclean/pkg/types"
	"github.com/downfa11-org/segclean/util"
)

// ErrNoSpace is returned when a log needs a new section and none is free.
var ErrNoSpace = errors.New("segment: no free section")

// Clock stamps segment modifications.
type Clock func() uint64

// WallClock returns unix seconds.
func WallClock() uint64 {
	return uint64(time.Now().Unix())
}

// NewLogicalClock returns a clock that ticks once per call, starting at 1.
func NewLogicalClock() Clock {
	var now atomic.Uint64
	return func() uint64 {
		return now.Add(1)
	}
}

type Option func(*Manager)

func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// CursegState is the persisted position of one log.
type CursegState struct {
	Segno  types.SegNo
	Blkoff uint32
}

// State is everything needed to rebuild a Manager.
type State struct {
	Geometry Geometry
	Entries  []types.SegmentEntry
	Cursegs  [types.NrCursegType]CursegState
}

// Manager keeps the SIT, the dirty segmaps, the free space maps and the
// logs consistent with each other. A segment is in the dirty segmap of
// its log type, and in the generic Dirty map, iff it is not a current
// segment and holds some but not all of its blocks live. Segments with
// no live blocks are prefree until the next checkpoint frees them.
type Manager struct {
	geo    Geometry
	sit    *SegmentTable
	dirty  *DirtyInfo
	curseg *CursegInfo
	clock  Clock

	allocMu sync.Mutex // serialises curseg changes

	freeMu   sync.Mutex
	freeSegs *bitmap.Bitmap // set = free
	freeSecs *bitmap.Bitmap // set = free
	secHint  types.SecNo
}

func NewManager(geo Geometry, opts ...Option) (*Manager, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	if geo.TotalSections() <= uint32(types.NrCursegType) {
		return nil, fmt.Errorf("segment: %d sections cannot host %d logs plus a spare",
			geo.TotalSections(), types.NrCursegType)
	}

	m := &Manager{
		geo:      geo,
		sit:      NewSegmentTable(geo),
		dirty:    NewDirtyInfo(geo),
		curseg:   NewCursegInfo(geo),
		clock:    WallClock,
		freeSegs: bitmap.New(geo.TotalSegments),
		freeSecs: bitmap.New(geo.TotalSections()),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.freeSegs.SetRange(0, geo.TotalSegments)
	m.freeSecs.SetRange(0, geo.TotalSections())
	return m, nil
}

// NewManagerFromState rebuilds a Manager from a snapshot: entries are
// restored, free maps derived from live counts and current segments, and
// every segment relocated into the dirty segmaps.
func NewManagerFromState(st State, opts ...Option) (*Manager, error) {
	m, err := NewManager(st.Geometry, opts...)
	if err != nil {
		return nil, err
	}
	if uint32(len(st.Entries)) != st.Geometry.TotalSegments {
		return nil, fmt.Errorf("segment: state has %d entries, geometry wants %d",
			len(st.Entries), st.Geometry.TotalSegments)
	}

	for i, e := range st.Entries {
		if err := m.sit.Put(types.SegNo(i), e); err != nil {
			return nil, err
		}
		if e.ValidBlocks > 0 || e.Mtime != 0 {
			m.freeSegs.Clear(uint32(i))
		}
	}
	for t := types.CursegHotData; t < types.NrCursegType; t++ {
		cs := st.Cursegs[t]
		if cs.Segno == types.NullSegNo {
			continue
		}
		if uint32(cs.Segno) >= st.Geometry.TotalSegments || cs.Blkoff > st.Geometry.BlocksPerSeg() {
			return nil, fmt.Errorf("segment: curseg %s at %d/%d out of range", t, cs.Segno, cs.Blkoff)
		}
		m.curseg.Set(t, cs.Segno, cs.Blkoff)
		m.freeSegs.Clear(uint32(cs.Segno))
	}
	for sec := uint32(0); sec < st.Geometry.TotalSections(); sec++ {
		if !m.sectionFree(types.SecNo(sec)) {
			m.freeSecs.Clear(sec)
		}
	}

	m.dirty.Lock()
	for i := uint32(0); i < st.Geometry.TotalSegments; i++ {
		if st.Entries[i].Mtime != 0 || st.Entries[i].ValidBlocks != 0 {
			m.locateDirtyLocked(types.SegNo(i))
		}
	}
	m.dirty.Unlock()
	return m, nil
}

func (m *Manager) Geometry() Geometry { return m.geo }

func (m *Manager) Table() *SegmentTable { return m.sit }

func (m *Manager) DirtyInfo() *DirtyInfo { return m.dirty }

func (m *Manager) Cursegs() *CursegInfo { return m.curseg }

// State snapshots the manager for persistence.
func (m *Manager) State() State {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	st := State{Geometry: m.geo, Entries: m.sit.Snapshot()}
	for t := types.CursegHotData; t < types.NrCursegType; t++ {
		st.Cursegs[t] = CursegState{Segno: m.curseg.Current(t), Blkoff: m.curseg.NextBlkoff(t)}
	}
	return st
}

// WriteBlock appends one block through log t and returns the segment
// that received it.
func (m *Manager) WriteBlock(t types.CursegType) (types.SegNo, error) {
	if !t.Valid() {
		panic(fmt.Sprintf("segment: invalid curseg type %d", t))
	}

	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	cur := m.curseg.Current(t)
	if cur == types.NullSegNo || m.curseg.NextBlkoff(t) >= m.geo.BlocksPerSeg() {
		if err := m.newCurseg(t); err != nil {
			return types.NullSegNo, err
		}
		cur = m.curseg.Current(t)
	}

	m.curseg.advance(t)
	if err := m.sit.UpdateValidBlocks(cur, 1, m.clock()); err != nil {
		return types.NullSegNo, err
	}
	return cur, nil
}

// InvalidateBlock drops one live block from segno, as an overwrite or a
// delete elsewhere would.
func (m *Manager) InvalidateBlock(segno types.SegNo) error {
	if err := m.sit.UpdateValidBlocks(segno, -1, m.clock()); err != nil {
		return err
	}
	m.LocateDirtySegment(segno)
	return nil
}

// LocateDirtySegment files segno into the dirty segmaps according to
// its live-block count.
func (m *Manager) LocateDirtySegment(segno types.SegNo) {
	m.dirty.Lock()
	m.locateDirtyLocked(segno)
	m.dirty.Unlock()
}

func (m *Manager) locateDirtyLocked(segno types.SegNo) {
	if m.curseg.IsCurSeg(segno) {
		return
	}

	e := m.sit.GetSegmentEntry(segno)
	bit := uint32(segno)
	typed := m.dirty.DirtyMapLocked(types.DirtyTypeOf(e.Type))
	generic := m.dirty.DirtyMapLocked(types.Dirty)
	pre := m.dirty.DirtyMapLocked(types.Pre)

	switch {
	case e.ValidBlocks == 0:
		pre.Set(bit)
		generic.Clear(bit)
		typed.Clear(bit)
	case uint32(e.ValidBlocks) < m.geo.BlocksPerSeg():
		pre.Clear(bit)
		generic.Set(bit)
		typed.Set(bit)
	default:
		pre.Clear(bit)
		generic.Clear(bit)
		typed.Clear(bit)
	}
}

// Checkpoint folds live counts into the checkpointed ones and returns
// prefree segments to the free pool. It reports how many were freed.
func (m *Manager) Checkpoint() int {
	m.sit.Checkpoint()

	m.dirty.Lock()
	pre := m.dirty.DirtyMapLocked(types.Pre)
	freed := pre.ToArray()
	for _, b := range freed {
		pre.Clear(b)
		m.sit.Reset(types.SegNo(b))
		m.freeSegment(types.SegNo(b))
	}
	m.dirty.Unlock()

	if len(freed) > 0 {
		util.Debug("checkpoint: freed %d prefree segments, %d sections free", len(freed), m.FreeSections())
	}
	return len(freed)
}

func (m *Manager) FreeSections() uint32 {
	m.freeMu.Lock()
	defer m.freeMu.Unlock()
	return m.freeSecs.Count()
}

func (m *Manager) FreeSegments() uint32 {
	m.freeMu.Lock()
	defer m.freeMu.Unlock()
	return m.freeSegs.Count()
}

func (m *Manager) IsFreeSegment(segno types.SegNo) bool {
	m.freeMu.Lock()
	defer m.freeMu.Unlock()
	return m.freeSegs.Test(uint32(segno))
}

func (m *Manager) freeSegment(segno types.SegNo) {
	m.freeMu.Lock()
	defer m.freeMu.Unlock()

	m.freeSegs.Set(uint32(segno))
	secno := m.geo.SecNo(segno)
	if m.sectionFree(secno) {
		m.freeSecs.Set(uint32(secno))
	}
}

// sectionFree expects freeMu held or exclusive access.
func (m *Manager) sectionFree(secno types.SecNo) bool {
	start := uint32(m.geo.SecStart(secno))
	for i := uint32(0); i < m.geo.SegsPerSec; i++ {
		if !m.freeSegs.Test(start + i) {
			return false
		}
	}
	return true
}

// newCurseg moves log t to its next segment: the following segment of
// the current section while one is left, otherwise the first segment of
// a free section. The segment left behind is relocated.
func (m *Manager) newCurseg(t types.CursegType) error {
	old := m.curseg.Current(t)
	next, err := m.allocSegment(old)
	if err != nil {
		util.Warn("log %s: %v", t, err)
		return err
	}

	m.sit.SetType(next, t)
	m.curseg.Set(t, next, 0)
	if old != types.NullSegNo {
		m.LocateDirtySegment(old)
	}
	return nil
}

func (m *Manager) allocSegment(old types.SegNo) (types.SegNo, error) {
	m.freeMu.Lock()
	defer m.freeMu.Unlock()

	if old != types.NullSegNo {
		next := uint32(old) + 1
		if next%m.geo.SegsPerSec != 0 && m.freeSegs.Test(next) {
			m.freeSegs.Clear(next)
			return types.SegNo(next), nil
		}
	}

	total := m.geo.TotalSections()
	sec := m.freeSecs.FindNextSet(uint32(m.secHint))
	if sec >= total {
		sec = m.freeSecs.FindNextSet(0)
	}
	if sec >= total {
		return types.NullSegNo, ErrNoSpace
	}

	m.freeSecs.Clear(sec)
	m.secHint = types.SecNo((sec + 1) % total)
	start := m.geo.SecStart(types.SecNo(sec))
	m.freeSegs.Clear(uint32(start))
	util.Debug("allocated section %d (segment %d), %d sections free", sec, start, m.freeSecs.Count())
	return start, nil
}
