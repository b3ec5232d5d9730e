package exfat

import "math"

// bitmapElement is the storage unit of a Bitmap. A byte-wide element keeps
// the find_and_set fast path cheap (one full-byte comparison skips 8 bits at
// a time) while staying simple to reason about; a wider element (uint32,
// uint64) would skip more bits per comparison at the cost of more subtle
// masking arithmetic, matching original_source/src/bitmap.rs's `type
// Bitmap = u8`.
type bitmapElement = uint8

const bitmapElementBits = 8

// Bitmap is a flat bit-vector used both for the free-cluster allocation
// bitmap and, internally, by the slot-finding directory-entry scan.
type Bitmap []bitmapElement

// bitmapSizeBytes returns the number of bytes required to hold count bits,
// rounded up to a whole element.
func bitmapSizeBytes(count uint32) uint32 {
	return roundUp(count, uint32(bitmapElementBits)) / 8
}

// NewBitmap allocates a zeroed Bitmap large enough for count bits.
func NewBitmap(count uint32) Bitmap {
	return make(Bitmap, bitmapSizeBytes(count))
}

func bitmapBlock(index uint32) uint32 {
	return index / bitmapElementBits
}

func bitmapMask(index uint32) bitmapElement {
	return 1 << (index % bitmapElementBits)
}

// Get reports whether bit index is set.
func (b Bitmap) Get(index uint32) bool {
	return b[bitmapBlock(index)]&bitmapMask(index) != 0
}

// Set marks bit index as allocated.
func (b Bitmap) Set(index uint32) {
	b[bitmapBlock(index)] |= bitmapMask(index)
}

// Clear marks bit index as free.
func (b Bitmap) Clear(index uint32) {
	b[bitmapBlock(index)] &^= bitmapMask(index)
}

// FindAndSet scans [start, end) for the first clear bit, sets it, and
// returns its index. It returns math.MaxUint32 if no clear bit exists in the
// range. Fully-set bytes are skipped in one comparison rather than bit by
// bit, matching original_source/src/bitmap.rs's bmap_find_and_set.
func (b Bitmap) FindAndSet(start, end uint32) uint32 {
	if start >= end {
		return math.MaxUint32
	}

	startBlock := bitmapBlock(start)
	endBlock := bitmapBlock(end - 1)

	for block := startBlock; block <= endBlock; block++ {
		if b[block] == math.MaxUint8 {
			continue
		}

		blockStart := block * bitmapElementBits
		bitStart := uint32(0)
		if block == startBlock && start > blockStart {
			bitStart = start - blockStart
		}

		bitEnd := uint32(bitmapElementBits)
		if block == endBlock && end < blockStart+bitmapElementBits {
			bitEnd = end - blockStart
		}

		for bit := bitStart; bit < bitEnd; bit++ {
			index := blockStart + bit
			if !b.Get(index) {
				b.Set(index)
				return index
			}
		}
	}

	return math.MaxUint32
}

// Count returns the number of set bits in [0, count).
func (b Bitmap) Count(count uint32) uint32 {
	var n uint32

	for i := uint32(0); i < count; i++ {
		if b.Get(i) {
			n++
		}
	}

	return n
}
