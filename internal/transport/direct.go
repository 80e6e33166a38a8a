package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

// DataChannel is the subset of *webrtc.DataChannel used by DirectTransport.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	SendText(s string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnClose(f func())
	OnError(f func(err error))
	Close() error
}

var _ DataChannel = (*webrtc.DataChannel)(nil)

// DirectTransport carries messages over an open data channel shared by
// all transfers with one peer.
type DirectTransport struct {
	peer   string
	dc     DataChannel
	marks  Watermarks
	logger *slog.Logger

	inbound chan protocol.Message
	low     chan struct{}

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
	done      chan struct{}
	onClose   func()
}

var _ Transport = (*DirectTransport)(nil)

// NewDirect wraps an already open data channel. onClose, if set, runs once
// when the transport shuts down for any reason.
func NewDirect(peer string, dc DataChannel, marks Watermarks, logger *slog.Logger, onClose func()) *DirectTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &DirectTransport{
		peer:    peer,
		dc:      dc,
		marks:   marks,
		logger:  logger.With("peer", peer, "channel", dc.Label()),
		inbound: make(chan protocol.Message, 64),
		low:     make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}

	dc.SetBufferedAmountLowThreshold(marks.Low)
	dc.OnBufferedAmountLow(func() {
		select {
		case t.low <- struct{}{}:
		default:
		}
	})
	dc.OnMessage(t.handleMessage)
	dc.OnError(func(err error) {
		t.shutdown(fmt.Errorf("data channel: %w", err))
	})
	dc.OnClose(func() {
		t.shutdown(nil)
	})
	return t
}

func (t *DirectTransport) handleMessage(m webrtc.DataChannelMessage) {
	var (
		msg protocol.Message
		err error
	)
	if m.IsString {
		msg, err = protocol.Decode(m.Data)
	} else {
		msg, err = ParseChunkFrame(m.Data)
	}
	if err != nil {
		t.logger.Warn("dropping undecodable data channel message", "error", err, "bytes", len(m.Data))
		return
	}
	if a, ok := msg.(interface{ SetSender(string) }); ok {
		a.SetSender(t.peer)
	}
	select {
	case t.inbound <- msg:
	case <-t.done:
	}
}

func (t *DirectTransport) Peer() string { return t.peer }
func (t *DirectTransport) Mode() Mode   { return Direct }

// Send writes msg to the data channel. Chunks use the binary frame format.
func (t *DirectTransport) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	var err error
	if chunk, ok := msg.(*protocol.FileChunk); ok {
		var frame []byte
		frame, err = AppendChunkFrame(make([]byte, 0, ChunkFrameSize(chunk)), chunk)
		if err != nil {
			return err
		}
		err = t.dc.Send(frame)
	} else {
		var data []byte
		data, err = protocol.Encode(msg)
		if err != nil {
			return err
		}
		err = t.dc.SendText(string(data))
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		t.shutdown(err)
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

func (t *DirectTransport) Inbound() <-chan protocol.Message { return t.inbound }
func (t *DirectTransport) PendingBytes() uint64             { return t.dc.BufferedAmount() }
func (t *DirectTransport) LowWatermark() <-chan struct{}    { return t.low }
func (t *DirectTransport) Watermarks() Watermarks           { return t.marks }
func (t *DirectTransport) Done() <-chan struct{}            { return t.done }

// Err returns the failure that closed the transport, if any.
func (t *DirectTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close closes the data channel.
func (t *DirectTransport) Close() error {
	t.shutdown(nil)
	return t.dc.Close()
}

func (t *DirectTransport) shutdown(err error) {
	first := false
	t.closeOnce.Do(func() {
		first = true
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
		if err != nil {
			t.logger.Warn("direct transport failed", "error", err)
		} else {
			t.logger.Debug("direct transport closed")
		}
	})
	// onClose may close the transport again.
	if first && t.onClose != nil {
		t.onClose()
	}
}
