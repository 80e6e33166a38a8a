// Package negotiate establishes direct peer data channels through an
// offer/answer/candidate handshake relayed as signaling messages.
package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sheerbytes/peerdrop/internal/transport"
	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

var (
	// ErrNegotiationTimeout is returned when the channel did not open in time.
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	// ErrNegotiationFailed is returned when the handshake or ICE failed.
	ErrNegotiationFailed = errors.New("negotiation failed")
	// ErrSuperseded is returned by a negotiation replaced by a newer offer.
	ErrSuperseded = errors.New("negotiation superseded by a newer offer")
	// ErrNegotiationClosed is returned after Close.
	ErrNegotiationClosed = errors.New("negotiation closed")
)

const (
	channelLabel       = "peerdrop"
	defaultTimeout     = 30 * time.Second
	maxOrphanCandidate = 64
	maxDialAttempts    = 3
)

// Signaler routes a signaling message to msg's recipient.
type Signaler interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Config configures an Engine.
type Config struct {
	// LocalName returns the current local identity. It breaks ties when both
	// sides offer at once.
	LocalName   func() string
	NewPeerConn func() (PeerConn, error)
	Signaler    Signaler
	// Timeout bounds each negotiation until the channel opens.
	Timeout    time.Duration
	Watermarks transport.Watermarks
	// OnConnected runs for every channel that opens, on either side.
	OnConnected func(peer string, t *transport.DirectTransport)
	Logger      *slog.Logger
}

// Engine runs at most one negotiation per remote identity.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	active  map[string]*Negotiation
	orphans map[string][]webrtc.ICECandidateInit
	closed  bool
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Watermarks == (transport.Watermarks{}) {
		cfg.Watermarks = transport.DefaultWatermarks
	}
	if cfg.LocalName == nil {
		cfg.LocalName = func() string { return "" }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		active:  make(map[string]*Negotiation),
		orphans: make(map[string][]webrtc.ICECandidateInit),
	}
}

// Current returns the live negotiation with peer, if any.
func (e *Engine) Current(peer string) *Negotiation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[peer]
}

// Dial returns an open direct transport to peer, reusing a live
// negotiation or starting a new one.
func (e *Engine) Dial(ctx context.Context, peer string) (transport.Transport, error) {
	var lastErr error
	for attempt := 0; attempt < maxDialAttempts; attempt++ {
		n := e.Current(peer)
		if n == nil {
			var err error
			if n, err = e.Connect(ctx, peer); err != nil {
				if errors.Is(err, ErrSuperseded) {
					lastErr = err
					continue
				}
				return nil, err
			}
		}
		tr, err := n.Await(ctx)
		if errors.Is(err, ErrSuperseded) {
			lastErr = err
			continue
		}
		return tr, err
	}
	return nil, lastErr
}

// Connect starts a new negotiation as the offering side, replacing any
// negotiation with peer already in progress.
func (e *Engine) Connect(ctx context.Context, peer string) (*Negotiation, error) {
	n, err := e.start(peer, true)
	if err != nil {
		return nil, err
	}

	n.sigMu.Lock()
	defer n.sigMu.Unlock()

	dc, err := n.pc.CreateDataChannel(channelLabel)
	if err != nil {
		err = fmt.Errorf("%w: create data channel: %v", ErrNegotiationFailed, err)
		n.fail(err)
		return nil, err
	}
	n.attach(dc)

	offer, err := n.pc.CreateOffer()
	if err == nil {
		err = n.pc.SetLocalDescription(offer)
	}
	if err != nil {
		err = fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err)
		n.fail(err)
		return nil, err
	}
	if !n.setState(Offered) {
		return nil, n.Err()
	}
	if err := e.sendDescription(ctx, n, protocol.TypeOffer, offer); err != nil {
		n.fail(err)
		return nil, err
	}
	return n, nil
}

// Handle dispatches an inbound OFFER, ANSWER or ICE_CANDIDATE.
func (e *Engine) Handle(ctx context.Context, sig *protocol.Signal) error {
	switch sig.Kind {
	case protocol.TypeOffer:
		return e.HandleOffer(ctx, sig.Sender, sig.Payload)
	case protocol.TypeAnswer:
		return e.HandleAnswer(ctx, sig.Sender, sig.Payload)
	case protocol.TypeIceCandidate:
		return e.HandleCandidate(ctx, sig.Sender, sig.Payload)
	default:
		return fmt.Errorf("%w: unexpected signal %q", protocol.ErrMalformedMessage, sig.Kind)
	}
}

// HandleOffer answers a remote offer. A newer offer replaces whatever
// negotiation with that peer is in progress, except when both sides offered
// at once: then the offer from the lower name wins on both ends.
func (e *Engine) HandleOffer(ctx context.Context, from string, payload json.RawMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("%w: bad offer payload", protocol.ErrMalformedMessage)
	}

	if cur := e.Current(from); cur != nil && cur.offerer && cur.State() == Offered && e.cfg.LocalName() < from {
		e.logger.Debug("ignoring colliding offer", "peer", from)
		return nil
	}

	n, err := e.start(from, false)
	if err != nil {
		return err
	}
	n.sigMu.Lock()
	defer n.sigMu.Unlock()

	n.pc.OnDataChannel(func(dc DataChannel) {
		if dc.Label() != channelLabel {
			n.logger.Warn("unexpected data channel", "label", dc.Label())
			dc.Close()
			return
		}
		n.attach(dc)
	})

	if err := n.setRemote(offer); err != nil {
		n.fail(err)
		return err
	}
	answer, err := n.pc.CreateAnswer()
	if err == nil {
		err = n.pc.SetLocalDescription(answer)
	}
	if err != nil {
		err = fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err)
		n.fail(err)
		return err
	}
	if !n.setState(Answered) {
		return n.Err()
	}
	if err := e.sendDescription(ctx, n, protocol.TypeAnswer, answer); err != nil {
		n.fail(err)
		return err
	}
	return nil
}

// HandleAnswer applies the answer to our pending offer. Answers that match
// no pending offer are ignored.
func (e *Engine) HandleAnswer(ctx context.Context, from string, payload json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil || answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: bad answer payload", protocol.ErrMalformedMessage)
	}

	n := e.Current(from)
	if n == nil || !n.offerer || n.State() != Offered {
		e.logger.Debug("ignoring unexpected answer", "peer", from)
		return nil
	}
	n.sigMu.Lock()
	defer n.sigMu.Unlock()

	if err := n.setRemote(answer); err != nil {
		n.fail(err)
		return err
	}
	n.setState(Answered)
	return nil
}

// HandleCandidate applies a remote candidate, buffering it while no remote
// description exists yet.
func (e *Engine) HandleCandidate(ctx context.Context, from string, payload json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("%w: bad candidate payload", protocol.ErrMalformedMessage)
	}

	e.mu.Lock()
	n := e.active[from]
	if n == nil {
		if len(e.orphans[from]) < maxOrphanCandidate {
			e.orphans[from] = append(e.orphans[from], c)
		}
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	n.addRemoteCandidate(c)
	return nil
}

// Close ends every negotiation.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	all := make([]*Negotiation, 0, len(e.active))
	for _, n := range e.active {
		all = append(all, n)
	}
	e.mu.Unlock()

	for _, n := range all {
		n.Close()
	}
	return nil
}

// start creates a negotiation with peer and makes it the live one.
func (e *Engine) start(peer string, offerer bool) (*Negotiation, error) {
	if e.cfg.NewPeerConn == nil {
		return nil, fmt.Errorf("%w: no peer connection factory", ErrNegotiationFailed)
	}
	pc, err := e.cfg.NewPeerConn()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	n := &Negotiation{
		peer:    peer,
		offerer: offerer,
		pc:      pc,
		engine:  e,
		logger:  e.logger.With("peer", peer),
		ready:   make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		pc.Close()
		return nil, ErrNegotiationClosed
	}
	old := e.active[peer]
	e.active[peer] = n
	if !offerer {
		n.pending = e.orphans[peer]
	}
	delete(e.orphans, peer)
	n.timer = time.AfterFunc(e.cfg.Timeout, func() {
		n.fail(ErrNegotiationTimeout)
	})
	e.mu.Unlock()

	if old != nil {
		old.end(Closed, ErrSuperseded)
	}

	pc.OnICECandidate(n.localCandidate)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.logger.Debug("peer connection state", "state", s.String())
		switch s {
		case webrtc.PeerConnectionStateFailed:
			n.fail(fmt.Errorf("%w: ice failed", ErrNegotiationFailed))
		case webrtc.PeerConnectionStateClosed:
			n.end(Closed, ErrNegotiationClosed)
		}
	})
	return n, nil
}

// forget drops n from the live set if it is still the current one.
func (e *Engine) forget(n *Negotiation) {
	e.mu.Lock()
	if e.active[n.peer] == n {
		delete(e.active, n.peer)
	}
	e.mu.Unlock()
}

func (e *Engine) sendDescription(ctx context.Context, n *Negotiation, kind string, desc webrtc.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	sig := &protocol.Signal{Kind: kind, Payload: payload}
	sig.Recipient = n.peer
	if err := e.cfg.Signaler.Send(ctx, sig); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	n.descriptionSent()
	return nil
}

func (e *Engine) sendCandidate(n *Negotiation, c webrtc.ICECandidateInit) {
	payload, err := json.Marshal(c)
	if err != nil {
		return
	}
	sig := &protocol.Signal{Kind: protocol.TypeIceCandidate, Payload: payload}
	sig.Recipient = n.peer
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()
	if err := e.cfg.Signaler.Send(ctx, sig); err != nil {
		n.logger.Debug("candidate not sent", "error", err)
	}
}
