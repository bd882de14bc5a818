package gc

import (
	"fmt"

	"github.com/downfa11-org/segclean/pkg/types"
)

// policyKind is the closed (alloc mode, gc mode) product the cost
// function dispatches on.
type policyKind int

const (
	ssrGreedy policyKind = iota
	lfsGreedy
	lfsCostBenefit
)

func (k policyKind) String() string {
	switch k {
	case ssrGreedy:
		return "ssr/greedy"
	case lfsGreedy:
		return "lfs/greedy"
	case lfsCostBenefit:
		return "lfs/cost_benefit"
	}
	return fmt.Sprintf("policy(%d)", int(k))
}

// VictimSelPolicy is built fresh for every selection call and dropped on
// return.
type VictimSelPolicy struct {
	AllocMode types.AllocMode
	GcMode    types.GcMode
	DirtyType types.DirtyType // map scanned for candidates
	OfsUnit   uint32          // scan stride in segments
	Offset    uint32          // next bit to scan from
	MinSegno  types.SegNo
	MinCost   uint32

	kind policyKind
}

// SelectGcType picks the cost model for an LFS request: foreground GC
// minimises the blocks moved, background GC weighs them against age.
func SelectGcType(gcType types.GcType) types.GcMode {
	switch gcType {
	case types.FgGc:
		return types.GcGreedy
	case types.BgGc:
		return types.GcCb
	}
	panic(fmt.Sprintf("gc: invalid gc type %d", gcType))
}

// SelectPolicy returns the policy a selection call with these arguments
// would run, with the offset seeded from the current cursor.
func (s *Selector) SelectPolicy(gcType types.GcType, cursegType types.CursegType, allocMode types.AllocMode) VictimSelPolicy {
	s.dirty.Lock()
	defer s.dirty.Unlock()
	return s.selectPolicyLocked(gcType, cursegType, allocMode)
}

func (s *Selector) selectPolicyLocked(gcType types.GcType, cursegType types.CursegType, allocMode types.AllocMode) VictimSelPolicy {
	if !gcType.Valid() {
		panic(fmt.Sprintf("gc: invalid gc type %d", gcType))
	}

	var p VictimSelPolicy
	switch allocMode {
	case types.SSR:
		if !cursegType.Valid() {
			panic(fmt.Sprintf("gc: invalid curseg type %d for ssr", cursegType))
		}
		p = VictimSelPolicy{
			AllocMode: types.SSR,
			GcMode:    types.GcGreedy,
			DirtyType: types.DirtyTypeOf(cursegType),
			OfsUnit:   1,
			kind:      ssrGreedy,
		}
	case types.LFS:
		p = VictimSelPolicy{
			AllocMode: types.LFS,
			GcMode:    SelectGcType(gcType),
			DirtyType: types.Dirty,
			OfsUnit:   s.geo.SegsPerSec,
			kind:      lfsGreedy,
		}
		if p.GcMode == types.GcCb {
			p.kind = lfsCostBenefit
		}
	default:
		panic(fmt.Sprintf("gc: invalid alloc mode %d", allocMode))
	}

	if p.OfsUnit == 0 {
		panic("gc: zero ofs unit")
	}
	p.Offset = s.lastVictim[p.GcMode]
	p.MinSegno = types.NullSegNo
	p.MinCost = s.GetMaxCost(&p)
	return p
}
