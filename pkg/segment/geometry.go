package segment

import (
	"fmt"
	"math"

	"github.com/downfa11-org/segclean/pkg/types"
)

// MaxLogBlocksPerSeg keeps a full segment's block count within uint16.
const MaxLogBlocksPerSeg = 15

// Geometry describes how the main area is cut into segments and
// sections.
type Geometry struct {
	LogBlocksPerSeg uint32 `yaml:"log_blocks_per_seg" json:"log_blocks_per_seg"`
	SegsPerSec      uint32 `yaml:"segs_per_sec" json:"segs_per_sec"`
	TotalSegments   uint32 `yaml:"total_segments" json:"total_segments"`
}

func (g Geometry) Validate() error {
	if g.TotalSegments == 0 {
		return fmt.Errorf("geometry: total_segments must be positive")
	}
	if g.SegsPerSec == 0 {
		return fmt.Errorf("geometry: segs_per_sec must be positive")
	}
	if g.TotalSegments%g.SegsPerSec != 0 {
		return fmt.Errorf("geometry: total_segments %d is not a multiple of segs_per_sec %d",
			g.TotalSegments, g.SegsPerSec)
	}
	if g.LogBlocksPerSeg == 0 || g.LogBlocksPerSeg > MaxLogBlocksPerSeg {
		return fmt.Errorf("geometry: log_blocks_per_seg %d out of range [1, %d]",
			g.LogBlocksPerSeg, MaxLogBlocksPerSeg)
	}
	// section block counts and costs are uint32
	if uint64(g.BlocksPerSeg())*uint64(g.SegsPerSec) > math.MaxUint32 {
		return fmt.Errorf("geometry: %d segs_per_sec of %d blocks overflow a section",
			g.SegsPerSec, g.BlocksPerSeg())
	}
	return nil
}

func (g Geometry) BlocksPerSeg() uint32 {
	return 1 << g.LogBlocksPerSeg
}

func (g Geometry) BlocksPerSec() uint32 {
	return g.BlocksPerSeg() * g.SegsPerSec
}

func (g Geometry) TotalSections() uint32 {
	return g.TotalSegments / g.SegsPerSec
}

func (g Geometry) SecNo(segno types.SegNo) types.SecNo {
	return types.SecNo(uint32(segno) / g.SegsPerSec)
}

// SecStart returns the first segment of a section.
func (g Geometry) SecStart(secno types.SecNo) types.SegNo {
	return types.SegNo(uint32(secno) * g.SegsPerSec)
}

func (g Geometry) String() string {
	return fmt.Sprintf("segments=%d segs_per_sec=%d blocks_per_seg=%d",
		g.TotalSegments, g.SegsPerSec, g.BlocksPerSeg())
}
