package transport

import (
	"context"
	"errors"
	"time"

	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

// ErrTransportClosed is returned by Send after Close or after the underlying channel failed.
var ErrTransportClosed = errors.New("transport closed")

// Mode identifies how a transport reaches the peer.
type Mode string

const (
	// Direct is a negotiated peer-to-peer data channel.
	Direct Mode = protocol.ModeDirect
	// Relayed tunnels messages through the relay connection.
	Relayed Mode = protocol.ModeRelayed
)

// ParseMode maps a wire transferMode to a Mode. Empty means relayed.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case protocol.ModeDirect:
		return Direct, true
	case protocol.ModeRelayed, "":
		return Relayed, true
	default:
		return "", false
	}
}

// Watermarks are the pending-byte thresholds that gate a sender.
type Watermarks struct {
	High uint64
	Low  uint64
}

// DefaultWatermarks matches the browser data channel defaults.
var DefaultWatermarks = Watermarks{High: 1 << 20, Low: 64 << 10}

// Transport is an ordered, reliable message channel to one peer.
//
// Send must not retain msg or its byte slices after it returns.
// LowWatermark delivers a token each time pending bytes fall below
// Watermarks().Low after having exceeded Watermarks().High.
type Transport interface {
	Peer() string
	Mode() Mode
	Send(ctx context.Context, msg protocol.Message) error
	Inbound() <-chan protocol.Message
	PendingBytes() uint64
	LowWatermark() <-chan struct{}
	Watermarks() Watermarks
	// Done is closed once the transport is closed or has failed.
	Done() <-chan struct{}
	Close() error
}

// WaitWritable blocks while t has more than its high watermark pending.
func WaitWritable(ctx context.Context, t Transport) error {
	high := t.Watermarks().High
	for t.PendingBytes() > high {
		select {
		case <-t.LowWatermark():
		case <-t.Done():
			return ErrTransportClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Flush blocks until t has nothing pending.
func Flush(ctx context.Context, t Transport) error {
	if t.PendingBytes() == 0 {
		return nil
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for t.PendingBytes() > 0 {
		select {
		case <-ticker.C:
		case <-t.LowWatermark():
		case <-t.Done():
			return ErrTransportClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
