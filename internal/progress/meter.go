package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time view of one transfer's progress.
type Stats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
	Percent   int
	StartedAt time.Time
	Elapsed   time.Duration
}

// Meter tracks absolute byte progress and an exponentially smoothed rate.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	percent   int
	startedAt time.Time
	lastAt    time.Time
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter with the default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter reading time from now.
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter for a transfer of totalBytes.
func (m *Meter) Start(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.done = 0
	m.percent = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.rateBps = 0
}

// SetTotal updates the expected size without touching the rate.
func (m *Meter) SetTotal(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
}

// Update records that done bytes and percent are now complete. Reports
// that move backwards are ignored.
func (m *Meter) Update(done int64, percent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startedAt.IsZero() {
		m.startedAt = m.now()
		m.lastAt = m.startedAt
	}
	if percent > m.percent {
		m.percent = percent
	}
	if done <= m.done {
		return
	}
	now := m.now()
	delta := done - m.done
	m.done = done
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(delta) / dt
	if m.rateBps == 0 {
		m.rateBps = inst
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.lastAt = now
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone: m.done,
		Total:     m.total,
		RateBps:   m.rateBps,
		Percent:   m.percent,
		StartedAt: m.startedAt,
	}
	if !m.startedAt.IsZero() {
		stats.Elapsed = m.lastAt.Sub(m.startedAt)
	}
	if m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}
