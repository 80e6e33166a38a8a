package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

// Outbox accepts encoded frames for the relay connection. done is called
// once the frame has been written or dropped.
type Outbox interface {
	Enqueue(ctx context.Context, data []byte, done func(error)) error
}

// RelayedTransport tunnels messages to one peer through the relay.
// Inbound messages are fed by the endpoint dispatcher through Deliver.
type RelayedTransport struct {
	peer    string
	out     Outbox
	gauge   *Gauge
	inbound chan protocol.Message

	closeOnce sync.Once
	done      chan struct{}
}

var _ Transport = (*RelayedTransport)(nil)

// NewRelayed creates a relayed transport addressed to peer.
func NewRelayed(peer string, out Outbox, marks Watermarks) *RelayedTransport {
	return &RelayedTransport{
		peer:    peer,
		out:     out,
		gauge:   NewGauge(marks),
		inbound: make(chan protocol.Message, 64),
		done:    make(chan struct{}),
	}
}

func (r *RelayedTransport) Peer() string { return r.peer }
func (r *RelayedTransport) Mode() Mode   { return Relayed }

// Send addresses msg to the peer and queues it on the relay connection.
func (r *RelayedTransport) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-r.done:
		return ErrTransportClosed
	default:
	}
	if a, ok := msg.(protocol.Addressable); ok {
		a.SetRecipient(r.peer)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	n := uint64(len(data))
	r.gauge.Add(n)
	err = r.out.Enqueue(ctx, data, func(error) {
		r.gauge.Release(n)
	})
	if err != nil {
		r.gauge.Release(n)
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

// Deliver hands an inbound message from the peer to the consumer.
// It returns false if the transport closed first.
func (r *RelayedTransport) Deliver(ctx context.Context, msg protocol.Message) bool {
	select {
	case r.inbound <- msg:
		return true
	case <-r.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *RelayedTransport) Inbound() <-chan protocol.Message { return r.inbound }
func (r *RelayedTransport) PendingBytes() uint64             { return r.gauge.Pending() }
func (r *RelayedTransport) LowWatermark() <-chan struct{}    { return r.gauge.Low() }
func (r *RelayedTransport) Watermarks() Watermarks           { return r.gauge.Marks() }
func (r *RelayedTransport) Done() <-chan struct{}            { return r.done }

// Close stops the transport. Queued frames already handed to the relay
// connection are still written.
func (r *RelayedTransport) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}
