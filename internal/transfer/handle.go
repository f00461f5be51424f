package transfer

import "sync"

// Handle tracks the parts of one upload or download.
type Handle struct {
	ID       string
	Size     int64
	PartSize int
	Parts    int

	mu    sync.Mutex
	done  *Bitmap
	bytes int64
}

func newHandle(id string, size int64, partSize int) *Handle {
	parts := int((size + int64(partSize) - 1) / int64(partSize))
	return &Handle{
		ID:       id,
		Size:     size,
		PartSize: partSize,
		Parts:    parts,
		done:     NewBitmap(parts),
	}
}

// partRange returns the offset and length of part i.
func (h *Handle) partRange(i int) (int64, int) {
	off := int64(i) * int64(h.PartSize)
	n := int64(h.PartSize)
	if rest := h.Size - off; rest < n {
		n = rest
	}
	return off, int(n)
}

// complete marks part i done and returns the bytes completed so far.
func (h *Handle) complete(i, n int) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done.Set(i) {
		h.bytes += int64(n)
	}
	return h.bytes
}

// Next returns the lowest part index not yet done.
func (h *Handle) Next() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done.FirstClear()
}
