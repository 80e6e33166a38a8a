package wsclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/peerdrop/internal/logging"
	"github.com/sheerbytes/peerdrop/internal/notify"
	"github.com/sheerbytes/peerdrop/internal/relay"
	"github.com/sheerbytes/peerdrop/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	hub := relay.NewHub(logging.Discard())
	srv := httptest.NewServer(relay.NewServer(hub, relay.Options{NotifyUnknownRecipient: true}, logging.Discard()).Handler())
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func runSession(t *testing.T, opts Options) (*Session, context.CancelFunc) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, cancel
}

func next(t *testing.T, s *Session, typ string) protocol.Message {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-s.Inbound():
			require.True(t, ok, "inbound closed")
			if msg.MessageType() == typ {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestSession_RegistersOnConnect(t *testing.T) {
	_, url := startRelay(t)
	events := &notify.Recorder{}
	s, _ := runSession(t, Options{URL: url, Username: "alice", Notifier: events})

	set := next(t, s, protocol.TypeUsernameSet).(*protocol.UsernameSet)
	assert.Equal(t, "alice", set.Username)
	assert.Equal(t, "alice", s.Username())
	assert.Equal(t, StateConnected, s.State())
	assert.Contains(t, events.Kinds(), notify.Connected)
}

func TestSession_RegisterLaterAndConflict(t *testing.T) {
	_, url := startRelay(t)
	a, _ := runSession(t, Options{URL: url})
	b, _ := runSession(t, Options{URL: url})

	require.Eventually(t, func() bool { return a.State() == StateConnected && b.State() == StateConnected },
		3*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Register(context.Background(), "alice"))
	next(t, a, protocol.TypeUsernameSet)

	require.NoError(t, b.Register(context.Background(), "alice"))
	nameErr := next(t, b, protocol.TypeUsernameError).(*protocol.UsernameError)
	assert.Equal(t, "Username already taken", nameErr.Message)
	assert.Empty(t, b.Username())
}

// flakyRelay answers SET_USERNAME and drops the first connection right after.
func flakyRelay(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	var claims atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			set, ok := msg.(*protocol.SetUsername)
			if !ok {
				continue
			}
			reply, _ := protocol.Encode(&protocol.UsernameSet{Username: set.Username})
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
			if claims.Add(1) == 1 {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &claims
}

func TestSession_ReconnectReplaysUsername(t *testing.T) {
	url, claims := flakyRelay(t)
	events := &notify.Recorder{}
	s, _ := runSession(t, Options{
		URL:               url,
		Username:          "alice",
		ReconnectInterval: 10 * time.Millisecond,
		Notifier:          events,
	})
	next(t, s, protocol.TypeUsernameSet)

	set := next(t, s, protocol.TypeUsernameSet).(*protocol.UsernameSet)
	assert.Equal(t, "alice", set.Username)
	assert.Equal(t, int32(2), claims.Load())
	kinds := events.Kinds()
	assert.Contains(t, kinds, notify.Disconnected)
	connects := 0
	for _, k := range kinds {
		if k == notify.Connected {
			connects++
		}
	}
	assert.GreaterOrEqual(t, connects, 2)
}

// pickyRelay accepts only the names in allowed and drops the connection
// after the claim numbered dropAt. It records every claimed name.
type pickyRelay struct {
	mu     sync.Mutex
	claims []string
}

func (p *pickyRelay) claimed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.claims...)
}

func startPickyRelay(t *testing.T, dropAt int, allowed ...string) (string, *pickyRelay) {
	t.Helper()
	p := &pickyRelay{}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			set, ok := msg.(*protocol.SetUsername)
			if !ok {
				continue
			}
			p.mu.Lock()
			p.claims = append(p.claims, set.Username)
			n := len(p.claims)
			p.mu.Unlock()

			var reply protocol.Message = &protocol.UsernameError{Message: "Username already taken"}
			for _, name := range allowed {
				if name == set.Username {
					reply = &protocol.UsernameSet{Username: set.Username}
				}
			}
			frame, _ := protocol.Encode(reply)
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			if n == dropAt {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), p
}

func connects(events *notify.Recorder) int {
	n := 0
	for _, k := range events.Kinds() {
		if k == notify.Connected {
			n++
		}
	}
	return n
}

func TestSession_RejectedNameNotReplayed(t *testing.T) {
	url, picky := startPickyRelay(t, 1)
	events := &notify.Recorder{}
	s, _ := runSession(t, Options{
		URL:               url,
		Username:          "alice",
		ReconnectInterval: 10 * time.Millisecond,
		Notifier:          events,
	})
	next(t, s, protocol.TypeUsernameError)

	require.Eventually(t, func() bool { return connects(events) >= 2 }, 3*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(picky.claimed()) > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []string{"alice"}, picky.claimed())
	assert.Empty(t, s.Username())
}

func TestSession_RejectedRenameKeepsAcceptedName(t *testing.T) {
	url, picky := startPickyRelay(t, 2, "alice")
	s, _ := runSession(t, Options{
		URL:               url,
		Username:          "alice",
		ReconnectInterval: 10 * time.Millisecond,
	})
	next(t, s, protocol.TypeUsernameSet)

	require.NoError(t, s.Register(context.Background(), "bob"))
	next(t, s, protocol.TypeUsernameError)

	set := next(t, s, protocol.TypeUsernameSet).(*protocol.UsernameSet)
	assert.Equal(t, "alice", set.Username)
	assert.Equal(t, []string{"alice", "bob", "alice"}, picky.claimed())
	assert.Equal(t, "alice", s.Username())
}

func TestSession_FailureThresholdRaisesOneError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	var relayErrors atomic.Int32
	notifier := notify.Func(func(e notify.Event) {
		if e.Kind == notify.RelayError {
			relayErrors.Add(1)
		}
	})
	s, _ := runSession(t, Options{
		URL:                  "ws://" + addr + "/ws",
		ReconnectInterval:    time.Millisecond,
		ReconnectMaxInterval: 2 * time.Millisecond,
		FailureThreshold:     3,
		Notifier:             notifier,
	})

	require.Eventually(t, func() bool { return s.Failures() >= 6 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), relayErrors.Load())
	assert.NotEqual(t, StateConnected, s.State())
}

func TestSession_SendWhileDisconnected(t *testing.T) {
	s := New(Options{URL: "ws://127.0.0.1:1/ws", Logger: logging.Discard()})
	err := s.Send(context.Background(), &protocol.GetUsers{})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_EnqueueCallsDone(t *testing.T) {
	_, url := startRelay(t)
	s, _ := runSession(t, Options{URL: url, Username: "alice"})
	next(t, s, protocol.TypeUsernameSet)

	data, err := protocol.Encode(&protocol.GetUsers{})
	require.NoError(t, err)
	written := make(chan error, 1)
	require.NoError(t, s.Enqueue(context.Background(), data, func(err error) { written <- err }))

	select {
	case err := <-written:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("done callback not called")
	}
	next(t, s, protocol.TypeUserList)
}

func TestSession_RunClosesInbound(t *testing.T) {
	_, url := startRelay(t)
	s := New(Options{URL: url, Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.State() == StateConnected }, 3*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	_, ok := <-s.Inbound()
	assert.False(t, ok)
	assert.Equal(t, StateClosed, s.State())
}
