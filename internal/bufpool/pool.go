// Package bufpool recycles part-sized byte buffers between transfers.
package bufpool

import (
	"fmt"
	"sync"
)

// Pool hands out buffers of one fixed capacity.
type Pool struct {
	pool sync.Pool
	size int
}

// New creates a pool of size-byte buffers.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Get returns a buffer of length n. n must not exceed Size.
func (p *Pool) Get(n int) []byte {
	if n < 0 || n > p.size {
		panic(fmt.Sprintf("bufpool: length %d outside [0, %d]", n, p.size))
	}
	buf := *p.pool.Get().(*[]byte)
	return buf[:n]
}

// Put recycles a buffer obtained from Get. Foreign buffers of another
// capacity are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}

// Size returns the capacity of buffers in this pool.
func (p *Pool) Size() int {
	return p.size
}

var shared sync.Map // map[int]*Pool

// ForSize returns the process-wide pool for size, creating it on first use.
func ForSize(size int) *Pool {
	if p, ok := shared.Load(size); ok {
		return p.(*Pool)
	}
	p, _ := shared.LoadOrStore(size, New(size))
	return p.(*Pool)
}
