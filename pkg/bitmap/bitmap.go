// Package bitmap provides a fixed-length, bounds-checked bitmap over a
// compressed roaring bitmap. Dirty and victim segmaps are sparse on
// large devices, which is the case roaring containers are built for.
package bitmap

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// Bitmap holds bits in [0, Len()). Every access outside that range
// panics: callers passing a bad index have broken a contract.
type Bitmap struct {
	bits *roaring.Bitmap
	n    uint32
}

func New(n uint32) *Bitmap {
	return &Bitmap{bits: roaring.New(), n: n}
}

func (b *Bitmap) Len() uint32 {
	return b.n
}

func (b *Bitmap) check(i uint32) {
	if i >= b.n {
		panic(fmt.Sprintf("bitmap: index %d out of range [0, %d)", i, b.n))
	}
}

// Set marks bit i and reports whether it was clear before.
func (b *Bitmap) Set(i uint32) bool {
	b.check(i)
	return b.bits.CheckedAdd(i)
}

// Clear unmarks bit i and reports whether it was set before.
func (b *Bitmap) Clear(i uint32) bool {
	b.check(i)
	return b.bits.CheckedRemove(i)
}

func (b *Bitmap) Test(i uint32) bool {
	b.check(i)
	return b.bits.Contains(i)
}

// SetRange marks [start, end).
func (b *Bitmap) SetRange(start, end uint32) {
	if start > end || end > b.n {
		panic(fmt.Sprintf("bitmap: range [%d, %d) out of range [0, %d)", start, end, b.n))
	}
	b.bits.AddRange(uint64(start), uint64(end))
}

// ClearRange unmarks [start, end).
func (b *Bitmap) ClearRange(start, end uint32) {
	if start > end || end > b.n {
		panic(fmt.Sprintf("bitmap: range [%d, %d) out of range [0, %d)", start, end, b.n))
	}
	b.bits.RemoveRange(uint64(start), uint64(end))
}

// FindNextSet returns the first set bit at or after offset, or Len()
// when there is none.
func (b *Bitmap) FindNextSet(offset uint32) uint32 {
	if offset >= b.n {
		return b.n
	}
	it := b.bits.Iterator()
	it.AdvanceIfNeeded(offset)
	if !it.HasNext() {
		return b.n
	}
	next := it.Next()
	if next >= b.n {
		return b.n
	}
	return next
}

func (b *Bitmap) Count() uint32 {
	return uint32(b.bits.GetCardinality())
}

func (b *Bitmap) IsEmpty() bool {
	return b.bits.IsEmpty()
}

// ToArray returns the set bits in ascending order.
func (b *Bitmap) ToArray() []uint32 {
	return b.bits.ToArray()
}
