package negotiate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sheerbytes/peerdrop/internal/transport"
)

// State is the handshake state of one negotiation.
type State int

const (
	Idle State = iota
	// Offered: the local offer is out, no answer applied yet.
	Offered
	// Answered: both descriptions are in place, waiting for the channel to open.
	Answered
	Connected
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offered:
		return "offered"
	case Answered:
		return "answered"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Failed || s == Closed
}

// Negotiation is one offer/answer handshake with a remote identity and,
// once connected, owner of the resulting direct transport.
type Negotiation struct {
	peer    string
	offerer bool
	pc      PeerConn
	engine  *Engine
	logger  *slog.Logger

	// sigMu serializes signaling calls into pc so buffered candidates are
	// applied in arrival order.
	sigMu sync.Mutex

	mu        sync.Mutex
	state     State
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	// localSent is false until our description has been signaled; local
	// candidates gathered before that wait in outbox.
	localSent bool
	outbox    []webrtc.ICECandidateInit
	tr        *transport.DirectTransport
	err       error
	timer     *time.Timer
	ready     chan struct{}
	readyOnce sync.Once
}

// Peer returns the remote identity.
func (n *Negotiation) Peer() string { return n.peer }

// Offerer reports whether this side sent the offer.
func (n *Negotiation) Offerer() bool { return n.offerer }

// State returns the current state.
func (n *Negotiation) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Err returns the reason the negotiation failed or closed.
func (n *Negotiation) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Await blocks until the negotiation is connected or has ended.
func (n *Negotiation) Await(ctx context.Context) (transport.Transport, error) {
	select {
	case <-n.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Connected {
		return n.tr, nil
	}
	if n.err != nil {
		return nil, n.err
	}
	return nil, ErrNegotiationClosed
}

// Close aborts the handshake or closes the established transport.
func (n *Negotiation) Close() error {
	n.end(Closed, ErrNegotiationClosed)
	return nil
}

func (n *Negotiation) setState(s State) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state.Terminal() || n.state == Connected {
		return false
	}
	n.state = s
	n.logger.Debug("negotiation state", "state", s)
	return true
}

// end moves to a terminal state, releasing the peer connection.
func (n *Negotiation) end(s State, err error) {
	n.mu.Lock()
	if n.state.Terminal() {
		n.mu.Unlock()
		return
	}
	was := n.state
	n.state = s
	n.err = err
	n.pending = nil
	n.outbox = nil
	if n.timer != nil {
		n.timer.Stop()
	}
	tr := n.tr
	n.mu.Unlock()

	n.readyOnce.Do(func() { close(n.ready) })
	if s == Failed {
		n.logger.Warn("negotiation failed", "state", was, "error", err)
	} else {
		n.logger.Debug("negotiation closed", "state", was, "error", err)
	}
	n.engine.forget(n)
	if tr != nil {
		tr.Close()
	}
	// Closing from inside a pion callback can block on that callback's own lock.
	go n.pc.Close()
}

func (n *Negotiation) fail(err error) {
	n.end(Failed, err)
}

// attach wraps dc in a direct transport and marks the negotiation connected
// once the channel opens.
func (n *Negotiation) attach(dc DataChannel) {
	tr := transport.NewDirect(n.peer, dc, n.engine.cfg.Watermarks, n.engine.logger, func() {
		if n.State() == Connected {
			n.end(Closed, transport.ErrTransportClosed)
		} else {
			n.fail(fmt.Errorf("%w: data channel closed", ErrNegotiationFailed))
		}
	})

	n.mu.Lock()
	if n.state.Terminal() {
		n.mu.Unlock()
		tr.Close()
		return
	}
	n.tr = tr
	n.mu.Unlock()

	dc.OnOpen(func() {
		n.mu.Lock()
		if n.state.Terminal() || n.state == Connected {
			n.mu.Unlock()
			return
		}
		n.state = Connected
		if n.timer != nil {
			n.timer.Stop()
		}
		n.mu.Unlock()

		n.logger.Info("direct channel open", "offerer", n.offerer)
		// Consumers attach before Await returns the transport.
		if cb := n.engine.cfg.OnConnected; cb != nil {
			cb(n.peer, tr)
		}
		n.readyOnce.Do(func() { close(n.ready) })
	})
}

// setRemote applies the remote description and flushes buffered candidates.
func (n *Negotiation) setRemote(desc webrtc.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", ErrNegotiationFailed, desc.Type, err)
	}
	n.mu.Lock()
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.logger.Warn("failed to add buffered candidate", "error", err)
		}
	}
	if len(pending) > 0 {
		n.logger.Debug("applied buffered candidates", "count", len(pending))
	}
	return nil
}

// addRemoteCandidate applies c now or queues it until the remote
// description is known.
func (n *Negotiation) addRemoteCandidate(c webrtc.ICECandidateInit) {
	n.sigMu.Lock()
	defer n.sigMu.Unlock()

	n.mu.Lock()
	if n.state.Terminal() {
		n.mu.Unlock()
		return
	}
	if !n.remoteSet {
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := n.pc.AddICECandidate(c); err != nil {
		n.logger.Warn("failed to add candidate", "error", err)
	}
}

// localCandidate signals c, or holds it until our description is out.
func (n *Negotiation) localCandidate(c webrtc.ICECandidateInit) {
	n.mu.Lock()
	if n.state.Terminal() {
		n.mu.Unlock()
		return
	}
	if !n.localSent {
		n.outbox = append(n.outbox, c)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.engine.sendCandidate(n, c)
}

// descriptionSent releases candidates gathered before the description went out.
func (n *Negotiation) descriptionSent() {
	n.mu.Lock()
	n.localSent = true
	held := n.outbox
	n.outbox = nil
	n.mu.Unlock()
	for _, c := range held {
		n.engine.sendCandidate(n, c)
	}
}
