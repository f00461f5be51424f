// Package progress turns transfer observer callbacks into rate, ETA and a
// terminal status line.
package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time view of one transfer.
type Stats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
}

// smoothing is the weight of the newest rate sample.
const smoothing = 0.2

// Meter folds absolute progress reports into an exponentially smoothed
// rate. It implements transfer.Observer.
type Meter struct {
	mu    sync.Mutex
	now   func() time.Time
	stats Stats
	last  time.Time
}

// NewMeter returns a meter on the wall clock.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{now: now}
}

// Start resets the meter for a transfer of total bytes.
func (m *Meter) Start(total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.now()
	m.stats = Stats{Total: total, StartedAt: t}
	m.last = t
}

// Progress records that done of total bytes are complete. Reports that do
// not move forward only update the total.
func (m *Meter) Progress(done, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Total = total
	delta := done - m.stats.BytesDone
	if delta <= 0 {
		return
	}
	t := m.now()
	m.stats.BytesDone = done
	if dt := t.Sub(m.last).Seconds(); dt > 0 {
		sample := float64(delta) / dt
		if m.stats.RateBps == 0 {
			m.stats.RateBps = sample
		} else {
			m.stats.RateBps = smoothing*sample + (1-smoothing)*m.stats.RateBps
		}
		m.last = t
	}
}

// Snapshot returns the current stats with Percent and ETA filled in.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	if s.Total > 0 {
		s.Percent = float64(s.BytesDone) / float64(s.Total) * 100
	}
	if s.RateBps > 0 && s.Total > s.BytesDone {
		s.ETA = time.Duration(float64(s.Total-s.BytesDone) / s.RateBps * float64(time.Second))
	}
	return s
}
