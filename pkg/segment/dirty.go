package segment

import (
	"fmt"
	"sync"

	"github.com/downfa11-org/segclean/pkg/bitmap"
	"github.com/downfa11-org/segclean/pkg/types"
)

// DirtyInfo holds the dirty segmaps and the victim reservations. Every
// bitmap access goes through seglist_lock: the locked helpers take it
// themselves, the accessors ending in Locked expect the caller to hold
// it via Lock/Unlock.
type DirtyInfo struct {
	geo Geometry

	seglistLock sync.Mutex
	dirty       [types.NrDirtyType]*bitmap.Bitmap
	victim      [types.NrGcType]*bitmap.Bitmap
}

func NewDirtyInfo(geo Geometry) *DirtyInfo {
	d := &DirtyInfo{geo: geo}
	for i := range d.dirty {
		d.dirty[i] = bitmap.New(geo.TotalSegments)
	}
	for i := range d.victim {
		d.victim[i] = bitmap.New(geo.TotalSegments)
	}
	return d
}

func (d *DirtyInfo) Lock()   { d.seglistLock.Lock() }
func (d *DirtyInfo) Unlock() { d.seglistLock.Unlock() }

// DirtyMapLocked returns the live dirty segmap of type t.
func (d *DirtyInfo) DirtyMapLocked(t types.DirtyType) *bitmap.Bitmap {
	if t < 0 || t >= types.NrDirtyType {
		panic(fmt.Sprintf("segment: invalid dirty type %d", t))
	}
	return d.dirty[t]
}

// VictimMapLocked returns the live victim segmap of gc type g.
func (d *DirtyInfo) VictimMapLocked(g types.GcType) *bitmap.Bitmap {
	if !g.Valid() {
		panic(fmt.Sprintf("segment: invalid gc type %d", g))
	}
	return d.victim[g]
}

// MarkDirty sets segno in the dirty segmap of type t.
func (d *DirtyInfo) MarkDirty(t types.DirtyType, segno types.SegNo) {
	d.Lock()
	d.DirtyMapLocked(t).Set(uint32(segno))
	d.Unlock()
}

// ClearDirty clears segno from the dirty segmap of type t.
func (d *DirtyInfo) ClearDirty(t types.DirtyType, segno types.SegNo) {
	d.Lock()
	d.DirtyMapLocked(t).Clear(uint32(segno))
	d.Unlock()
}

func (d *DirtyInfo) IsDirty(t types.DirtyType, segno types.SegNo) bool {
	d.Lock()
	defer d.Unlock()
	return d.DirtyMapLocked(t).Test(uint32(segno))
}

// NrDirty counts the segments in the dirty segmap of type t.
func (d *DirtyInfo) NrDirty(t types.DirtyType) uint32 {
	d.Lock()
	defer d.Unlock()
	return d.DirtyMapLocked(t).Count()
}

// Reserve marks [start, start+n) as victims of gc type g.
func (d *DirtyInfo) Reserve(g types.GcType, start types.SegNo, n uint32) {
	d.Lock()
	d.VictimMapLocked(g).SetRange(uint32(start), uint32(start)+n)
	d.Unlock()
}

// ReleaseVictim clears the reservation of [start, start+n) for gc type
// g. The outer GC pass calls it once the section has been migrated or
// the pass was abandoned.
func (d *DirtyInfo) ReleaseVictim(g types.GcType, start types.SegNo, n uint32) {
	d.Lock()
	d.VictimMapLocked(g).ClearRange(uint32(start), uint32(start)+n)
	d.Unlock()
}

// Victims lists the reserved segments of gc type g.
func (d *DirtyInfo) Victims(g types.GcType) []types.SegNo {
	d.Lock()
	bits := d.VictimMapLocked(g).ToArray()
	d.Unlock()

	out := make([]types.SegNo, len(bits))
	for i, b := range bits {
		out[i] = types.SegNo(b)
	}
	return out
}

// Segments lists the members of the dirty segmap of type t.
func (d *DirtyInfo) Segments(t types.DirtyType) []types.SegNo {
	d.Lock()
	bits := d.DirtyMapLocked(t).ToArray()
	d.Unlock()

	out := make([]types.SegNo, len(bits))
	for i, b := range bits {
		out[i] = types.SegNo(b)
	}
	return out
}
