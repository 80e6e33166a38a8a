package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/peerdrop/internal/notify"
	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

// ErrNotConnected is returned by Send while no relay connection is up.
var ErrNotConnected = errors.New("not connected to relay")

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configure a Session.
type Options struct {
	URL string
	// Username is claimed on every (re)connect once set.
	Username string

	ReconnectInterval    time.Duration
	ReconnectMaxInterval time.Duration
	// FailureThreshold is the number of consecutive failed connection
	// attempts after which a RelayError event is raised.
	FailureThreshold int
	PingInterval     time.Duration

	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Session keeps one endpoint connected to the relay, reconnecting with
// backoff and re-claiming its username after each reconnect.
type Session struct {
	opts    Options
	logger  *slog.Logger
	inbound chan protocol.Message

	mu    sync.Mutex
	conn  *Conn
	state State
	// claim is a name sent or waiting to be sent that the relay has not
	// answered yet. username is the last name the relay accepted and is
	// claimed again after a reconnect.
	claim      string
	username   string
	registered string
	failures   int
}

// New creates a session. Nothing is dialed until Connect or Run.
func New(opts Options) *Session {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 3 * time.Second
	}
	if opts.ReconnectMaxInterval < opts.ReconnectInterval {
		opts.ReconnectMaxInterval = max(30*time.Second, opts.ReconnectInterval)
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		opts:    opts,
		logger:  opts.Logger.With("relay_url", opts.URL),
		inbound: make(chan protocol.Message, 256),
		claim:   opts.Username,
	}
}

// Inbound delivers decoded messages from the relay. It is closed when Run returns.
func (s *Session) Inbound() <-chan protocol.Message {
	return s.inbound
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Username returns the name the relay last confirmed, or "".
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// Failures returns the number of consecutive failed connection attempts.
func (s *Session) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Connect makes one connection attempt. On success the pending claim, or
// else the last accepted username, is claimed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrConnClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := Dial(ctx, s.opts.URL, s.opts.PingInterval, s.logger)
	if err != nil {
		s.recordFailure(err)
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.failures = 0
	name := s.claim
	if name == "" {
		name = s.username
	}
	s.claim = name
	s.mu.Unlock()

	s.logger.Info("connected to relay")
	s.opts.Notifier.Notify(notify.Event{Kind: notify.Connected, Time: time.Now()})
	if name != "" {
		if err := s.Send(ctx, &protocol.SetUsername{Username: name}); err != nil {
			s.logger.Warn("failed to claim username", "username", name, "error", err)
		}
	}
	return nil
}

func (s *Session) recordFailure(err error) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateDisconnected
	}
	s.failures++
	n := s.failures
	s.mu.Unlock()

	s.logger.Warn("relay connection attempt failed", "attempt", n, "error", err)
	if n == s.opts.FailureThreshold {
		s.opts.Notifier.Notify(notify.Event{
			Kind:    notify.RelayError,
			Time:    time.Now(),
			Message: fmt.Sprintf("cannot reach relay after %d attempts: %v", n, err),
			Err:     err,
		})
	}
}

// Run keeps the session connected until ctx is cancelled, delivering
// inbound messages on Inbound.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.inbound)
	defer s.shutdown()

	delay := s.opts.ReconnectInterval
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			if err := s.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !sleep(ctx, delay) {
					return ctx.Err()
				}
				delay = min(delay*2, s.opts.ReconnectMaxInterval)
				continue
			}
			delay = s.opts.ReconnectInterval
			continue
		}

		err := conn.ReadLoop(ctx, func(data []byte) { s.dispatch(ctx, data) })
		s.drop(conn, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

func (s *Session) drop(conn *Conn, err error) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	if s.state != StateClosed {
		s.state = StateDisconnected
	}
	s.registered = ""
	s.mu.Unlock()

	s.logger.Info("disconnected from relay", "error", err)
	s.opts.Notifier.Notify(notify.Event{Kind: notify.Disconnected, Time: time.Now(), Err: err})
}

func (s *Session) dispatch(ctx context.Context, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("dropping undecodable relay message", "error", err)
		return
	}
	switch m := msg.(type) {
	case *protocol.UsernameSet:
		s.mu.Lock()
		s.registered = m.Username
		s.username = m.Username
		s.claim = ""
		s.mu.Unlock()
	case *protocol.UsernameError:
		// The relay keeps any name this connection already held.
		s.mu.Lock()
		if s.claim == s.username {
			s.username = ""
		}
		s.claim = ""
		s.mu.Unlock()
	}
	select {
	case s.inbound <- msg:
	case <-ctx.Done():
	}
}

// Register claims name now if connected, or on the next connect. Once the
// relay accepts it the name is claimed again after every reconnect; a
// rejected name is forgotten.
func (s *Session) Register(ctx context.Context, name string) error {
	s.mu.Lock()
	s.claim = name
	connected := s.conn != nil
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return s.Send(ctx, &protocol.SetUsername{Username: name})
}

// Send queues msg on the current connection.
func (s *Session) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.Enqueue(ctx, data, nil)
}

// Enqueue queues an encoded frame. When it returns nil, done is called once
// the frame is written or dropped.
func (s *Session) Enqueue(ctx context.Context, data []byte, done func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Enqueue(data, done); err != nil {
		return ErrNotConnected
	}
	return nil
}

func (s *Session) shutdown() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = StateClosed
	s.registered = ""
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
