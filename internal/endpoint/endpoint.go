// Package endpoint runs one local identity: the relay session, direct
// channel negotiation, the per-peer transports and the transfer engine.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/sheerbytes/peerdrop/internal/config"
	"github.com/sheerbytes/peerdrop/internal/negotiate"
	"github.com/sheerbytes/peerdrop/internal/notify"
	"github.com/sheerbytes/peerdrop/internal/transfer"
	"github.com/sheerbytes/peerdrop/internal/transport"
	"github.com/sheerbytes/peerdrop/internal/wsclient"
	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

var (
	// ErrNotRunning is returned by operations that need Run to be active.
	ErrNotRunning = errors.New("endpoint is not running")
	// ErrUnknownMode is returned for a transfer mode other than relayed, direct or auto.
	ErrUnknownMode = errors.New("unknown transfer mode")
)

const (
	ModeRelayed = "relayed"
	ModeDirect  = "direct"
	ModeAuto    = "auto"
)

// Options configure an Endpoint.
type Options struct {
	RelayURL string
	Username string
	// Mode is the default mode for outgoing files.
	Mode        string
	STUNServers []string

	ReconnectInterval    time.Duration
	ReconnectMaxInterval time.Duration
	FailureThreshold     int
	PingInterval         time.Duration
	NegotiationTimeout   time.Duration

	Watermarks       transport.Watermarks
	MaxTransferSize  int64
	DirectChunkSize  int
	RelayedChunkSize int

	Persister transfer.Persister
	Progress  transfer.ProgressReporter
	Notifier  notify.Notifier
	Logger    *slog.Logger

	// NewPeerConn creates peer connections for direct channels. Defaults to pion.
	NewPeerConn func() (negotiate.PeerConn, error)
}

// OptionsFromConfig maps endpoint configuration onto Options. Collaborators
// are left for the caller to set.
func OptionsFromConfig(cfg config.EndpointConfig) Options {
	return Options{
		RelayURL:             cfg.RelayURL,
		Username:             cfg.Username,
		Mode:                 cfg.Mode,
		STUNServers:          cfg.StunServers,
		ReconnectInterval:    cfg.ReconnectInterval,
		ReconnectMaxInterval: cfg.ReconnectMaxInterval,
		FailureThreshold:     cfg.ReconnectFailureThreshold,
		NegotiationTimeout:   cfg.NegotiationTimeout,
		Watermarks:           transport.Watermarks{High: cfg.HighWatermark, Low: cfg.LowWatermark},
		MaxTransferSize:      cfg.MaxTransferSize,
		DirectChunkSize:      cfg.DirectChunkSize,
		RelayedChunkSize:     cfg.RelayedChunkSize,
	}
}

// Endpoint is one named participant. Create it with New and drive it with Run.
type Endpoint struct {
	opts     Options
	logger   *slog.Logger
	notifier notify.Notifier

	session *wsclient.Session
	engine  *transfer.Engine
	neg     *negotiate.Engine

	mu       sync.Mutex
	ctx      context.Context
	running  bool
	closing  bool
	relayed  map[string]*transport.RelayedTransport
	direct   map[string]transport.Transport
	users    []string
	autoMode transport.Mode
	wg       sync.WaitGroup
}

// New wires an endpoint. Nothing touches the network until Run.
func New(opts Options) *Endpoint {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	if opts.Watermarks == (transport.Watermarks{}) {
		opts.Watermarks = transport.DefaultWatermarks
	}
	if opts.Mode == "" {
		opts.Mode = ModeRelayed
	}
	if opts.NewPeerConn == nil {
		opts.NewPeerConn = negotiate.NewPionFactory(negotiate.PionOptions{STUNServers: opts.STUNServers})
	}

	e := &Endpoint{
		opts:     opts,
		logger:   opts.Logger,
		notifier: opts.Notifier,
		relayed:  make(map[string]*transport.RelayedTransport),
		direct:   make(map[string]transport.Transport),
	}
	e.session = wsclient.New(wsclient.Options{
		URL:                  opts.RelayURL,
		Username:             opts.Username,
		ReconnectInterval:    opts.ReconnectInterval,
		ReconnectMaxInterval: opts.ReconnectMaxInterval,
		FailureThreshold:     opts.FailureThreshold,
		PingInterval:         opts.PingInterval,
		Notifier:             notify.Multi{opts.Notifier, notify.Func(e.sessionEvent)},
		Logger:               opts.Logger,
	})
	e.engine = transfer.NewEngine(transfer.Config{
		MaxTransferSize:  opts.MaxTransferSize,
		DirectChunkSize:  opts.DirectChunkSize,
		RelayedChunkSize: opts.RelayedChunkSize,
		Persister:        opts.Persister,
		Progress:         opts.Progress,
		Notifier:         opts.Notifier,
		Logger:           opts.Logger,
	})
	e.neg = negotiate.NewEngine(negotiate.Config{
		LocalName:   e.session.Username,
		NewPeerConn: opts.NewPeerConn,
		Signaler:    e.session,
		Timeout:     opts.NegotiationTimeout,
		Watermarks:  opts.Watermarks,
		OnConnected: e.onDirect,
		Logger:      opts.Logger,
	})
	return e
}

// Session returns the relay session.
func (e *Endpoint) Session() *wsclient.Session { return e.session }

// Engine returns the transfer engine.
func (e *Endpoint) Engine() *transfer.Engine { return e.engine }

// Run connects to the relay and serves until ctx is cancelled.
func (e *Endpoint) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.running || e.closing {
		e.mu.Unlock()
		return errors.New("endpoint already started")
	}
	e.running = true
	e.ctx = ctx
	e.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- e.session.Run(ctx) }()

	for msg := range e.session.Inbound() {
		e.dispatch(ctx, msg)
	}
	err := <-errc
	e.shutdown()
	return err
}

func (e *Endpoint) shutdown() {
	e.mu.Lock()
	e.closing = true
	e.running = false
	all := make([]transport.Transport, 0, len(e.relayed)+len(e.direct))
	for _, t := range e.relayed {
		all = append(all, t)
	}
	for _, t := range e.direct {
		all = append(all, t)
	}
	e.mu.Unlock()

	e.neg.Close()
	for _, t := range all {
		t.Close()
	}
	e.wg.Wait()
	for _, info := range e.engine.Registry().List() {
		e.engine.Fail(info.ID, fmt.Errorf("%w: endpoint stopped", transport.ErrTransportClosed))
	}
}

// dispatch routes one message from the relay.
func (e *Endpoint) dispatch(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.UsernameSet:
		e.setUsers(m.AvailableUsers)
		e.logger.Info("registered", "username", m.Username)
		e.notifier.Notify(notify.Event{Kind: notify.Registered, Time: time.Now(), Peer: m.Username, Users: m.AvailableUsers})

	case *protocol.UsernameError:
		e.logger.Warn("registration rejected", "reason", m.Message)
		e.notifier.Notify(notify.Event{Kind: notify.RegistrationFailed, Time: time.Now(), Message: m.Message})

	case *protocol.UserList:
		e.setUsers(m.Users)
		e.notifier.Notify(notify.Event{Kind: notify.Roster, Time: time.Now(), Users: m.Users})

	case *protocol.Signal:
		if err := e.neg.Handle(ctx, m); err != nil {
			e.logger.Warn("signal rejected", "type", m.Kind, "peer", m.Sender, "error", err)
		}

	case *protocol.Error:
		e.handleRelayError(m)

	case *protocol.FileMetadata, *protocol.FileChunk, *protocol.FileComplete, *protocol.FileCancel:
		sender := msg.(interface{ From() string }).From()
		if sender == "" {
			e.logger.Debug("dropping transfer message without sender", "type", msg.MessageType())
			return
		}
		rt := e.relayedFor(sender)
		if rt == nil {
			return
		}
		rt.Deliver(ctx, msg)

	default:
		e.logger.Debug("ignoring relay message", "type", msg.MessageType())
	}
}

func (e *Endpoint) handleRelayError(m *protocol.Error) {
	if m.TransferID != "" {
		err := fmt.Errorf("%w: %s", transfer.ErrTransferFailed, m.Message)
		if e.engine.Fail(m.TransferID, err) == nil {
			return
		}
		if e.engine.Registry().Retired(m.TransferID) {
			// Finished here, but the end-of-stream marker never reached the recipient.
			e.logger.Warn("recipient gone before the end of a sent file", "transfer_id", m.TransferID, "message", m.Message)
			e.notifier.Notify(notify.Event{
				Kind:       notify.RelayError,
				Time:       time.Now(),
				Message:    "recipient may not have received the file: " + m.Message,
				TransferID: m.TransferID,
			})
			return
		}
	}
	e.logger.Warn("relay error", "message", m.Message, "transfer_id", m.TransferID)
	e.notifier.Notify(notify.Event{Kind: notify.RelayError, Time: time.Now(), Message: m.Message, TransferID: m.TransferID})
}

// sessionEvent reacts to relay connection changes. Relayed transports die
// with the connection; direct channels do not depend on it.
func (e *Endpoint) sessionEvent(ev notify.Event) {
	if ev.Kind != notify.Disconnected {
		return
	}
	e.mu.Lock()
	dead := make([]*transport.RelayedTransport, 0, len(e.relayed))
	for peer, rt := range e.relayed {
		dead = append(dead, rt)
		delete(e.relayed, peer)
	}
	e.users = nil
	e.mu.Unlock()
	for _, rt := range dead {
		rt.Close()
	}
}

func (e *Endpoint) setUsers(users []string) {
	e.mu.Lock()
	e.users = slices.Clone(users)
	e.mu.Unlock()
}

// Users returns the last roster received from the relay.
func (e *Endpoint) Users() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.users)
}

// RequestUsers asks the relay for a fresh roster. The answer arrives as a
// Roster event.
func (e *Endpoint) RequestUsers(ctx context.Context) error {
	return e.session.Send(ctx, &protocol.GetUsers{})
}

// Register claims name on the relay. Once accepted it is claimed again after
// every reconnect.
func (e *Endpoint) Register(ctx context.Context, name string) error {
	return e.session.Register(ctx, name)
}

// Transfers lists the active transfers, oldest first.
func (e *Endpoint) Transfers() []transfer.Info {
	return e.engine.Registry().List()
}

// relayedFor returns the relayed transport to peer, creating it on first use.
func (e *Endpoint) relayedFor(peer string) *transport.RelayedTransport {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.closing {
		return nil
	}
	if rt, ok := e.relayed[peer]; ok {
		return rt
	}
	rt := transport.NewRelayed(peer, e.session, e.opts.Watermarks)
	e.relayed[peer] = rt
	e.wg.Add(1)
	go e.serve(e.ctx, rt)
	return rt
}

// onDirect adopts a newly opened direct channel.
func (e *Endpoint) onDirect(peer string, dt *transport.DirectTransport) {
	e.mu.Lock()
	if !e.running || e.closing {
		e.mu.Unlock()
		dt.Close()
		return
	}
	old := e.direct[peer]
	e.direct[peer] = dt
	e.wg.Add(1)
	go e.serve(e.ctx, dt)
	e.mu.Unlock()

	if old != nil && old != transport.Transport(dt) {
		old.Close()
	}
}

// serve feeds a transport's inbound messages to the engine. When the
// transport ends, transfers running over it fail.
func (e *Endpoint) serve(ctx context.Context, tr transport.Transport) {
	defer e.wg.Done()
	logger := e.logger.With("peer", tr.Peer(), "mode", tr.Mode())
	for {
		select {
		case msg := <-tr.Inbound():
			if err := e.engine.Handle(ctx, tr, msg); err != nil {
				logger.Debug("transfer message failed", "type", msg.MessageType(), "error", err)
			}
		case <-tr.Done():
			e.forget(tr)
			if n := e.engine.FailTransport(tr, transport.ErrTransportClosed); n > 0 {
				logger.Warn("transport closed with active transfers", "failed", n)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Endpoint) forget(tr transport.Transport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	peer := tr.Peer()
	if rt, ok := e.relayed[peer]; ok && transport.Transport(rt) == tr {
		delete(e.relayed, peer)
	}
	if dt, ok := e.direct[peer]; ok && dt == tr {
		delete(e.direct, peer)
	}
}

// resolveMode maps a requested mode to a transport mode. "auto" asks STUN
// once and remembers the answer.
func (e *Endpoint) resolveMode(ctx context.Context, mode string) (transport.Mode, error) {
	if mode == "" {
		mode = e.opts.Mode
	}
	switch mode {
	case ModeRelayed:
		return transport.Relayed, nil
	case ModeDirect:
		return transport.Direct, nil
	case ModeAuto:
		e.mu.Lock()
		m := e.autoMode
		e.mu.Unlock()
		if m != "" {
			return m, nil
		}
		m = negotiate.ChooseMode(ctx, ModeAuto, e.opts.STUNServers, e.logger)
		e.mu.Lock()
		e.autoMode = m
		e.mu.Unlock()
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// transportTo returns a transport to peer in mode, negotiating a direct
// channel when needed.
func (e *Endpoint) transportTo(ctx context.Context, peer string, mode transport.Mode) (transport.Transport, error) {
	if mode == transport.Relayed {
		rt := e.relayedFor(peer)
		if rt == nil {
			return nil, ErrNotRunning
		}
		return rt, nil
	}

	e.mu.Lock()
	dt := e.direct[peer]
	e.mu.Unlock()
	if dt != nil {
		select {
		case <-dt.Done():
		default:
			return dt, nil
		}
	}
	return e.neg.Dial(ctx, peer)
}

// Outgoing describes a file to send.
type Outgoing struct {
	Recipient string
	FileName  string
	MimeType  string
	Size      int64
	Body      io.Reader
	// Mode overrides the endpoint's default mode.
	Mode string
}

// Send starts sending a file and returns its transfer right away. The
// transfer runs until it completes, fails or ctx ends; use Wait on the
// result to block.
func (e *Endpoint) Send(ctx context.Context, out Outgoing) (*transfer.Transfer, error) {
	return e.send(ctx, out, nil)
}

func (e *Endpoint) send(ctx context.Context, out Outgoing, cleanup func()) (*transfer.Transfer, error) {
	e.mu.Lock()
	running := e.running && !e.closing
	e.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}
	mode, err := e.resolveMode(ctx, out.Mode)
	if err != nil {
		return nil, err
	}

	t, err := e.engine.Begin(transfer.Outgoing{
		Peer:     out.Recipient,
		FileName: out.FileName,
		MimeType: out.MimeType,
		Size:     out.Size,
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if !e.running || e.closing {
		e.mu.Unlock()
		e.engine.Fail(t.ID, ErrNotRunning)
		return nil, ErrNotRunning
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		if cleanup != nil {
			defer cleanup()
		}
		logger := e.logger.With("transfer_id", t.ID, "peer", out.Recipient, "mode", mode)

		tr, err := e.transportTo(ctx, out.Recipient, mode)
		if err != nil {
			logger.Warn("no transport to peer", "error", err)
			e.engine.Fail(t.ID, fmt.Errorf("%w: %v", transfer.ErrTransferFailed, err))
			return
		}
		if err := e.engine.Send(ctx, tr, t, out.Body); err != nil {
			logger.Debug("send ended", "error", err)
		}
	}()
	return t, nil
}

// SendFile sends the file at path to recipient.
func (e *Endpoint) SendFile(ctx context.Context, recipient, path, mode string) (*transfer.Transfer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}
	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	t, err := e.send(ctx, Outgoing{
		Recipient: recipient,
		FileName:  name,
		MimeType:  mimeType,
		Size:      st.Size(),
		Body:      f,
		Mode:      mode,
	}, func() { f.Close() })
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

// Cancel aborts an active transfer and tells the peer when a transport to
// it is still up.
func (e *Endpoint) Cancel(ctx context.Context, id, reason string) error {
	t, ok := e.engine.Registry().Get(id)
	if !ok {
		return transfer.ErrUnknownTransfer
	}
	info := t.Info()

	tr := t.Transport()
	if tr != nil {
		select {
		case <-tr.Done():
			tr = nil
		default:
		}
	}
	if tr == nil && info.Mode == transport.Relayed {
		if rt := e.relayedFor(info.Peer); rt != nil {
			tr = rt
		}
	}
	return e.engine.Cancel(ctx, tr, id, reason)
}
