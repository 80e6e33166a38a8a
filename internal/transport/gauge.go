package transport

import "sync"

// Gauge counts bytes handed to a writer but not yet written, and raises a
// low-watermark event when the count drops below Low after exceeding High.
type Gauge struct {
	mu      sync.Mutex
	marks   Watermarks
	pending uint64
	armed   bool
	low     chan struct{}
}

// NewGauge creates a gauge with the given thresholds.
func NewGauge(marks Watermarks) *Gauge {
	return &Gauge{
		marks: marks,
		low:   make(chan struct{}, 1),
	}
}

// Add records n newly queued bytes.
func (g *Gauge) Add(n uint64) {
	g.mu.Lock()
	g.pending += n
	if g.pending > g.marks.High {
		g.armed = true
	}
	g.mu.Unlock()
}

// Release records n bytes leaving the queue.
func (g *Gauge) Release(n uint64) {
	g.mu.Lock()
	if n > g.pending {
		n = g.pending
	}
	g.pending -= n
	fire := g.armed && g.pending < g.marks.Low
	if fire {
		g.armed = false
	}
	g.mu.Unlock()

	if fire {
		select {
		case g.low <- struct{}{}:
		default:
		}
	}
}

// Pending returns the current number of queued bytes.
func (g *Gauge) Pending() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Low returns the low-watermark event channel.
func (g *Gauge) Low() <-chan struct{} {
	return g.low
}

// Marks returns the configured thresholds.
func (g *Gauge) Marks() Watermarks {
	return g.marks
}
