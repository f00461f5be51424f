// Package termio serializes terminal output from concurrent goroutines.
// Progress redraws and log records share stderr without interleaving
// partial writes.
package termio

import (
	"io"
	"os"
	"sync"
)

// queue hands whole writes to one goroutine that owns the destination.
// Once stopped, writes go straight through.
type queue struct {
	dst     io.Writer
	pending chan []byte
	drained chan struct{}

	mu      sync.RWMutex
	stopped bool
}

func newQueue(dst io.Writer) *queue {
	q := &queue{
		dst:     dst,
		pending: make(chan []byte, 1024),
		drained: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue) run() {
	defer close(q.drained)
	for buf := range q.pending {
		_, _ = q.dst.Write(buf)
	}
}

func (q *queue) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return q.dst.Write(p)
	}
	q.pending <- append([]byte(nil), p...)
	return len(p), nil
}

// stop waits for queued writes to reach dst.
func (q *queue) stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.pending)
	}
	q.mu.Unlock()
	<-q.drained
}

var (
	initOnce sync.Once
	stdout   *queue
	stderr   *queue
)

// Init starts the queues. Output functions call it implicitly.
func Init() {
	initOnce.Do(func() {
		stdout = newQueue(os.Stdout)
		stderr = newQueue(os.Stderr)
	})
}

// Flush drains pending output. Later writes are unbuffered.
func Flush() {
	Init()
	stdout.stop()
	stderr.stop()
}

func Stdout() io.Writer {
	Init()
	return stdout
}

func Stderr() io.Writer {
	Init()
	return stderr
}

// StderrIsTTY reports whether stderr is a character device.
func StderrIsTTY() bool {
	return isTTY(os.Stderr)
}

func isTTY(f *os.File) bool {
	if f == nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
