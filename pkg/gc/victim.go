package gc

import (
	"fmt"

	"github.com/downfa11-org/segclean/pkg/metrics"
	"github.com/downfa11-org/segclean/pkg/segment"
	"github.com/downfa11-org/segclean/pkg/types"
	"github.com/downfa11-org/segclean/util"
)

// DefaultMaxSearchLimit bounds the candidates scored per call.
const DefaultMaxSearchLimit = 4096

// EntrySource supplies read-only SIT data. *segment.SegmentTable
// implements it.
type EntrySource interface {
	GetSegmentEntry(segno types.SegNo) types.SegmentEntry
	ValidBlocksInSection(secno types.SecNo) uint32
	SectionMtime(secno types.SecNo) uint64
	MtimeBounds() (min, max uint64)
}

// ActiveSections reports sections hosting a write cursor.
// *segment.CursegInfo implements it.
type ActiveSections interface {
	IsCurSec(secno types.SecNo) bool
}

type SelectorOption func(*Selector)

// WithMaxSearch sets the search budget. Zero keeps the default.
func WithMaxSearch(n uint32) SelectorOption {
	return func(s *Selector) {
		if n > 0 {
			s.maxSearch = n
		}
	}
}

// Selector picks GC victims from the dirty segmaps. It owns the
// per-mode resume cursors, which are only touched under seglist_lock.
type Selector struct {
	geo     segment.Geometry
	entries EntrySource
	dirty   *segment.DirtyInfo
	active  ActiveSections

	maxSearch  uint32
	lastVictim [types.NrGcMode]uint32
}

func NewSelector(geo segment.Geometry, entries EntrySource, dirty *segment.DirtyInfo, active ActiveSections, opts ...SelectorOption) *Selector {
	if err := geo.Validate(); err != nil {
		panic(fmt.Sprintf("gc: %v", err))
	}
	if entries == nil || dirty == nil || active == nil {
		panic("gc: selector needs an entry source, dirty info and active sections")
	}

	s := &Selector{
		geo:       geo,
		entries:   entries,
		dirty:     dirty,
		active:    active,
		maxSearch: DefaultMaxSearchLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewManagerSelector wires a selector to the tables of m.
func NewManagerSelector(m *segment.Manager, opts ...SelectorOption) *Selector {
	return NewSelector(m.Geometry(), m.Table(), m.DirtyInfo(), m.Cursegs(), opts...)
}

func (s *Selector) MaxSearch() uint32 {
	return s.maxSearch
}

// Cursor returns where the next scan under mode starts.
func (s *Selector) Cursor(mode types.GcMode) uint32 {
	s.dirty.Lock()
	defer s.dirty.Unlock()
	return s.lastVictim[mode]
}

// GetVictimByDefault scans the dirty segmap picked by the policy for
// (gcType, cursegType, allocMode) and returns the cheapest candidate,
// aligned to the policy's unit. In LFS mode the whole winning section is
// reserved in the victim segmap of gcType; the caller releases it with
// DirtyInfo.ReleaseVictim once the pass is over. cursegType is only
// consulted in SSR mode.
func (s *Selector) GetVictimByDefault(gcType types.GcType, cursegType types.CursegType, allocMode types.AllocMode) (types.SegNo, bool) {
	out, p, stat := s.search(gcType, cursegType, allocMode)
	metrics.ObserveSelection(stat)

	if out == types.NullSegNo {
		util.Debug("victim %s/%s: none after %d candidates (cursor %d)", gcType, p.kind, stat.Searched, stat.Cursor)
		return types.NullSegNo, false
	}
	util.Debug("victim %s/%s: segment %d cost %d after %d candidates (cursor %d)",
		gcType, p.kind, out, p.MinCost, stat.Searched, stat.Cursor)
	return out, true
}

// search is the scan proper, one critical section under seglist_lock.
func (s *Selector) search(gcType types.GcType, cursegType types.CursegType, allocMode types.AllocMode) (types.SegNo, VictimSelPolicy, metrics.Selection) {
	s.dirty.Lock()
	defer s.dirty.Unlock()

	p := s.selectPolicyLocked(gcType, cursegType, allocMode)
	dirtyMap := s.dirty.DirtyMapLocked(p.DirtyType)
	fgVictims := s.dirty.VictimMapLocked(types.FgGc)
	bgVictims := s.dirty.VictimMapLocked(types.BgGc)
	total := s.geo.TotalSegments
	if dirtyMap == nil || dirtyMap.Len() != total {
		panic(fmt.Sprintf("gc: dirty map %d does not cover %d segments", p.DirtyType, total))
	}
	maxCost := p.MinCost
	stat := metrics.Selection{GcType: gcType, AllocMode: p.AllocMode, GcMode: p.GcMode}

	for {
		segno := dirtyMap.FindNextSet(p.Offset)
		if segno >= total {
			if s.lastVictim[p.GcMode] != 0 {
				s.lastVictim[p.GcMode] = 0
				p.Offset = 0
				stat.Wrapped = true
				continue
			}
			break
		}

		p.Offset = (segno/p.OfsUnit)*p.OfsUnit + p.OfsUnit

		if fgVictims.Test(segno) {
			continue
		}
		if gcType == types.BgGc && bgVictims.Test(segno) {
			continue
		}
		if s.active.IsCurSec(s.geo.SecNo(types.SegNo(segno))) {
			continue
		}

		cost := s.GetGcCost(types.SegNo(segno), &p)
		if cost < p.MinCost {
			p.MinSegno = types.SegNo(segno)
			p.MinCost = cost
		}

		stat.Searched++
		if stat.Searched >= s.maxSearch {
			// resume past the last scored unit
			s.lastVictim[p.GcMode] = p.Offset
			stat.Exhausted = true
			break
		}
	}
	stat.Cursor = s.lastVictim[p.GcMode]

	if p.MinSegno == types.NullSegNo {
		if p.MinCost < maxCost {
			panic(fmt.Sprintf("gc: cost %d recorded without a victim", p.MinCost))
		}
		return types.NullSegNo, p, stat
	}
	if uint32(p.MinSegno) >= total {
		panic(fmt.Sprintf("gc: victim %d out of range [0, %d)", p.MinSegno, total))
	}

	out := types.SegNo((uint32(p.MinSegno) / p.OfsUnit) * p.OfsUnit)
	if p.AllocMode == types.LFS {
		s.dirty.VictimMapLocked(gcType).SetRange(uint32(out), uint32(out)+p.OfsUnit)
	}
	stat.Found = true
	stat.Cost = p.MinCost
	return out, p, stat
}
