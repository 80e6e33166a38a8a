package transport

import (
	"context"
	"sync"

	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

// MemoryTransport is one end of an in-process transport pair. Messages are
// round-tripped through the wire codec so both ends see what a real peer would.
type MemoryTransport struct {
	peer  string
	mode  Mode
	gauge *Gauge

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool

	remote  *MemoryTransport
	inbound chan protocol.Message

	closeOnce sync.Once
	done      chan struct{}
}

var _ Transport = (*MemoryTransport)(nil)

// Pipe returns two connected in-memory transports. a sees b as peer bName
// and b sees a as peer aName.
func Pipe(aName, bName string, mode Mode, marks Watermarks) (*MemoryTransport, *MemoryTransport) {
	a := newMemory(bName, mode, marks)
	b := newMemory(aName, mode, marks)
	a.remote, b.remote = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func newMemory(peer string, mode Mode, marks Watermarks) *MemoryTransport {
	m := &MemoryTransport{
		peer:    peer,
		mode:    mode,
		gauge:   NewGauge(marks),
		inbound: make(chan protocol.Message, 16),
		done:    make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *MemoryTransport) Peer() string { return m.peer }
func (m *MemoryTransport) Mode() Mode   { return m.mode }

func (m *MemoryTransport) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a, ok := msg.(protocol.Addressable); ok {
		a.SetRecipient(m.peer)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrTransportClosed
	}
	m.gauge.Add(uint64(len(data)))
	m.queue = append(m.queue, data)
	m.cond.Signal()
	return nil
}

// pump moves queued frames to the remote inbound channel in order.
func (m *MemoryTransport) pump() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		data := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		msg, err := protocol.Decode(data)
		if err == nil {
			select {
			case m.remote.inbound <- msg:
			case <-m.remote.done:
				m.Close()
				return
			case <-m.done:
				return
			}
		}
		m.gauge.Release(uint64(len(data)))
	}
}

func (m *MemoryTransport) Inbound() <-chan protocol.Message { return m.inbound }
func (m *MemoryTransport) PendingBytes() uint64             { return m.gauge.Pending() }
func (m *MemoryTransport) LowWatermark() <-chan struct{}    { return m.gauge.Low() }
func (m *MemoryTransport) Watermarks() Watermarks           { return m.gauge.Marks() }
func (m *MemoryTransport) Done() <-chan struct{}            { return m.done }

// Close closes this end. Frames not yet delivered are dropped.
func (m *MemoryTransport) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.queue = nil
		m.cond.Broadcast()
		m.mu.Unlock()
		close(m.done)
	})
	return nil
}
