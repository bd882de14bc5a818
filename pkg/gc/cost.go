package gc

import (
	"fmt"
	"math"

	"github.com/downfa11-org/segclean/pkg/types"
)

// GetMaxCost is the worst cost a candidate can have under p. A candidate
// scoring exactly this never becomes the victim.
func (s *Selector) GetMaxCost(p *VictimSelPolicy) uint32 {
	switch p.kind {
	case ssrGreedy, lfsGreedy:
		return s.geo.BlocksPerSeg() * p.OfsUnit
	case lfsCostBenefit:
		return math.MaxUint32
	}
	panic(fmt.Sprintf("gc: unknown policy %s", p.kind))
}

// GetGcCost scores segno under p; lower is better.
func (s *Selector) GetGcCost(segno types.SegNo, p *VictimSelPolicy) uint32 {
	switch p.kind {
	case ssrGreedy:
		return uint32(s.entries.GetSegmentEntry(segno).CkptValidBlocks)
	case lfsGreedy:
		return s.entries.ValidBlocksInSection(s.geo.SecNo(segno))
	case lfsCostBenefit:
		return s.costBenefit(s.geo.SecNo(segno))
	}
	panic(fmt.Sprintf("gc: unknown policy %s", p.kind))
}

// costBenefit works in whole percent. u is the live fraction of the
// section and age places its oldest mtime between the table's newest
// (0) and oldest (100) stamps. The benefit (1-u)/(1+u)*age is at most
// 10000, subtracted from MaxUint32 so that a lower cost is better.
func (s *Selector) costBenefit(secno types.SecNo) uint32 {
	valid := uint64(s.entries.ValidBlocksInSection(secno))
	u := valid * 100 / uint64(s.geo.BlocksPerSec())

	var age uint64
	minMtime, maxMtime := s.entries.MtimeBounds()
	if maxMtime > minMtime {
		mtime := s.entries.SectionMtime(secno)
		if mtime < minMtime {
			mtime = minMtime
		}
		if mtime > maxMtime {
			mtime = maxMtime
		}
		age = 100 - 100*(mtime-minMtime)/(maxMtime-minMtime)
	}

	return math.MaxUint32 - uint32(100*(100-u)*age/(100+u))
}
