package segment

import (
	"sync/atomic"

	"github.com/downfa11-org/segclean/pkg/types"
)

// CursegInfo tracks the segment each log is currently appending to.
// Segment numbers are atomics so IsCurSec can be answered from inside
// the victim scan without taking another lock.
type CursegInfo struct {
	geo    Geometry
	segno  [types.NrCursegType]atomic.Uint32
	blkoff [types.NrCursegType]atomic.Uint32
}

func NewCursegInfo(geo Geometry) *CursegInfo {
	c := &CursegInfo{geo: geo}
	for i := range c.segno {
		c.segno[i].Store(uint32(types.NullSegNo))
	}
	return c
}

// Current returns the active segment of log t, or NullSegNo.
func (c *CursegInfo) Current(t types.CursegType) types.SegNo {
	return types.SegNo(c.segno[t].Load())
}

// NextBlkoff is the next free block offset inside the active segment.
func (c *CursegInfo) NextBlkoff(t types.CursegType) uint32 {
	return c.blkoff[t].Load()
}

// Set installs segno as the active segment of log t with the write
// pointer at blkoff.
func (c *CursegInfo) Set(t types.CursegType, segno types.SegNo, blkoff uint32) {
	c.blkoff[t].Store(blkoff)
	c.segno[t].Store(uint32(segno))
}

func (c *CursegInfo) advance(t types.CursegType) uint32 {
	return c.blkoff[t].Add(1) - 1
}

// IsCurSeg reports whether segno hosts a write cursor.
func (c *CursegInfo) IsCurSeg(segno types.SegNo) bool {
	for i := range c.segno {
		if types.SegNo(c.segno[i].Load()) == segno {
			return true
		}
	}
	return false
}

// IsCurSec reports whether any segment of secno hosts a write cursor.
func (c *CursegInfo) IsCurSec(secno types.SecNo) bool {
	for i := range c.segno {
		cur := types.SegNo(c.segno[i].Load())
		if cur != types.NullSegNo && c.geo.SecNo(cur) == secno {
			return true
		}
	}
	return false
}
