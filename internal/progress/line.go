package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Line renders a single-line progress display for one transfer, redrawn
// at most every interval and always on completion.
type Line struct {
	mu        sync.Mutex
	w         io.Writer
	label     string
	meter     *Meter
	sometimes rate.Sometimes
	drawn     bool
}

// NewLine returns a display writing to w. It implements transfer.Observer.
func NewLine(w io.Writer, label string, total int64, interval time.Duration) *Line {
	m := NewMeter()
	m.Start(total)
	return &Line{
		w:         w,
		label:     label,
		meter:     m,
		sometimes: rate.Sometimes{First: 1, Interval: interval},
	}
}

// Progress implements transfer.Observer.
func (l *Line) Progress(done, total int64) {
	l.meter.Progress(done, total)
	if done >= total {
		l.draw()
		return
	}
	l.sometimes.Do(l.draw)
}

// Finish ends the line. Calling it without any drawn progress is a no-op.
func (l *Line) Finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.drawn {
		fmt.Fprintln(l.w)
		l.drawn = false
	}
}

func (l *Line) draw() {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "\r%s", formatLine(l.label, l.meter.Snapshot()))
	l.drawn = true
}

func formatLine(label string, s Stats) string {
	return fmt.Sprintf("%s %5.1f%% %s/%s %s ETA %s",
		label, s.Percent, formatBytes(s.BytesDone), formatBytes(s.Total), formatRate(s.RateBps), formatETA(s.ETA))
}

func formatBytes(n int64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	switch {
	case n >= g:
		return fmt.Sprintf("%.2fGiB", float64(n)/float64(g))
	case n >= m:
		return fmt.Sprintf("%.1fMiB", float64(n)/float64(m))
	case n >= k:
		return fmt.Sprintf("%.0fKiB", float64(n)/float64(k))
	}
	if n < 0 {
		n = 0
	}
	return fmt.Sprintf("%dB", n)
}

func formatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	if bps >= g {
		return fmt.Sprintf("%.2f GB/s", bps/float64(g))
	}
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
