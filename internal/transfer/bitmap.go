package transfer

import "math/bits"

// Bitmap records which parts of a transfer are done.
type Bitmap struct {
	n     int
	words []uint64
}

// NewBitmap returns an empty bitmap of n parts.
func NewBitmap(n int) *Bitmap {
	n = max(n, 0)
	return &Bitmap{n: n, words: make([]uint64, (n+63)/64)}
}

// Len returns the number of parts tracked.
func (b *Bitmap) Len() int { return b.n }

// Set marks part i and reports whether it was newly marked. Out of range
// indices are ignored.
func (b *Bitmap) Set(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	mask := uint64(1) << (i % 64)
	if b.words[i/64]&mask != 0 {
		return false
	}
	b.words[i/64] |= mask
	return true
}

// Has reports whether part i is marked.
func (b *Bitmap) Has(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.words[i/64]&(1<<(i%64)) != 0
}

// Count returns the number of marked parts.
func (b *Bitmap) Count() int {
	c := 0
	for _, w := range b.words {
		c += bits.OnesCount64(w)
	}
	return c
}

// FirstClear returns the lowest unmarked part, or Len when all are marked.
func (b *Bitmap) FirstClear() int {
	for wi, w := range b.words {
		if w == ^uint64(0) {
			continue
		}
		return min(wi*64+bits.TrailingZeros64(^w), b.n)
	}
	return b.n
}
