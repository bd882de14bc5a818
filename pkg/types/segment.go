package types

import "fmt"

// SegNo identifies a segment in [0, TotalSegments).
type SegNo uint32

// SecNo identifies a section, a run of SegsPerSec consecutive segments.
type SecNo uint32

// NullSegNo means "no segment".
const NullSegNo = ^SegNo(0)

// CursegType is the log a segment belongs to.
type CursegType int

const (
	CursegHotData CursegType = iota
	CursegWarmData
	CursegColdData
	CursegHotNode
	CursegWarmNode
	CursegColdNode
	NrCursegType
)

func (t CursegType) Valid() bool {
	return t >= CursegHotData && t < NrCursegType
}

func (t CursegType) IsNode() bool {
	return t >= CursegHotNode && t < NrCursegType
}

func (t CursegType) String() string {
	switch t {
	case CursegHotData:
		return "hot_data"
	case CursegWarmData:
		return "warm_data"
	case CursegColdData:
		return "cold_data"
	case CursegHotNode:
		return "hot_node"
	case CursegWarmNode:
		return "warm_node"
	case CursegColdNode:
		return "cold_node"
	}
	return fmt.Sprintf("curseg(%d)", int(t))
}

// ParseCursegType accepts the names produced by CursegType.String.
func ParseCursegType(s string) (CursegType, error) {
	for t := CursegHotData; t < NrCursegType; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown curseg type %q", s)
}

// DirtyType indexes the dirty segmaps. The first NrCursegType values
// mirror CursegType and hold SSR candidates of that log.
type DirtyType int

const (
	DirtyHotData DirtyType = iota
	DirtyWarmData
	DirtyColdData
	DirtyHotNode
	DirtyWarmNode
	DirtyColdNode
	Dirty // generic pool scanned in LFS mode
	Pre   // prefree: no valid blocks left, freed at checkpoint
	NrDirtyType
)

// DirtyTypeOf returns the SSR candidate class for a log.
func DirtyTypeOf(t CursegType) DirtyType {
	return DirtyType(t)
}

// SegmentEntry is the per-segment SIT record.
type SegmentEntry struct {
	ValidBlocks     uint16
	CkptValidBlocks uint16 // live blocks as of the last checkpoint
	Type            CursegType
	Mtime           uint64
}
