package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

const (
	writeWait          = 10 * time.Second
	defaultPingPeriod  = 30 * time.Second
	defaultMaxMessage  = 16 << 20
	msgInvalidFormat   = "Invalid message format"
	msgNameTaken       = "Username already taken"
	msgNameRequired    = "Username is required"
	msgRecipientAbsent = "Recipient not found"
)

// Options tune a Server.
type Options struct {
	// MaxMessageBytes caps one websocket message. Zero uses 16 MiB.
	MaxMessageBytes int64
	// IdleTimeout closes sessions that stop answering pings. Zero disables it.
	IdleTimeout time.Duration
	// PingInterval is how often the relay pings idle sessions.
	PingInterval time.Duration
	// NotifyUnknownRecipient replies ERROR to the sender of an intent
	// message (announce, offer, answer) whose recipient is not registered.
	NotifyUnknownRecipient bool
	// MaxConnections limits concurrent sessions. Zero means no limit.
	MaxConnections int
}

// Server accepts websocket sessions and feeds their messages to a Hub.
type Server struct {
	hub      *Hub
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	conns    *connLimiter
}

// NewServer creates a relay server around hub.
func NewServer(hub *Hub, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessage
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingPeriod
	}
	return &Server{
		hub:    hub,
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // allow all origins
			},
		},
		conns: &connLimiter{limit: opts.MaxConnections},
	}
}

// Handler returns the relay's HTTP routes: /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	attached, registered := s.hub.Count()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ok":          true,
		"connections": attached,
		"users":       registered,
	})
}

// ServeHTTP upgrades the request and runs the session until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.conns.Acquire() {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	defer s.conns.Release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	var writeMu sync.Mutex
	write := func(frame []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, frame)
	}

	if s.opts.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
			return nil
		})
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
			writeMu.Lock()
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
			writeMu.Unlock()
			return err
		})

		stopPing := make(chan struct{})
		defer close(stopPing)
		go func() {
			ticker := time.NewTicker(s.opts.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopPing:
					return
				case <-ticker.C:
					writeMu.Lock()
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
					writeMu.Unlock()
				}
			}
		}()
	}

	client := s.hub.Attach(write)
	logger := s.logger.With("conn_id", client.ID(), "remote_addr", r.RemoteAddr)
	logger.Debug("session connected")
	defer func() {
		if s.hub.Deregister(client) {
			s.hub.BroadcastRoster()
		}
		logger.Debug("session disconnected")
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Info("websocket idle timeout")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Warn("websocket read error", "error", err)
			}
			return
		}
		if s.opts.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.handleFrame(client, data, logger)
	}
}

// handleFrame processes one inbound message from client.
func (s *Server) handleFrame(client *Client, data []byte, logger *slog.Logger) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		logger.Warn("invalid message", "error", err)
		s.reply(client, &protocol.Error{Message: msgInvalidFormat})
		return
	}

	switch env.Type {
	case protocol.TypeSetUsername:
		s.handleSetUsername(client, env, logger)

	case protocol.TypeGetUsers:
		s.reply(client, &protocol.UserList{Users: s.hub.ListOthers(client)})

	default:
		if !protocol.IsRoutable(env.Type) {
			logger.Warn("unsupported message type", "type", env.Type)
			s.reply(client, &protocol.Error{Message: "Unsupported message type: " + env.Type})
			return
		}
		name, ok := s.hub.Name(client)
		if !ok {
			s.reply(client, &protocol.Error{Message: ErrNotRegistered.Error(), TransferID: env.TransferID()})
			return
		}
		env.Stamp(name)
		if err := s.hub.Route(env); err != nil {
			if !errors.Is(err, ErrRecipientUnknown) {
				logger.Debug("route failed", "type", env.Type, "recipient", env.Recipient, "error", err)
				return
			}
			logger.Debug("recipient not found", "type", env.Type, "sender", name, "recipient", env.Recipient)
			if s.opts.NotifyUnknownRecipient && protocol.IsIntent(env.Type) {
				s.reply(client, &protocol.Error{Message: msgRecipientAbsent, TransferID: env.TransferID()})
			}
		}
	}
}

func (s *Server) handleSetUsername(client *Client, env *protocol.Envelope, logger *slog.Logger) {
	msg, err := env.Message()
	if err != nil {
		s.reply(client, &protocol.UsernameError{Message: msgNameRequired})
		return
	}
	name := msg.(*protocol.SetUsername).Username

	switch err := s.hub.Register(client, name); {
	case errors.Is(err, ErrNameConflict):
		logger.Info("username rejected", "username", name)
		s.reply(client, &protocol.UsernameError{Message: msgNameTaken})
		return
	case err != nil:
		logger.Debug("register failed", "error", err)
		return
	}

	s.reply(client, &protocol.UsernameSet{Username: name, AvailableUsers: s.hub.ListOthers(client)})
	s.hub.BroadcastRoster()
}

func (s *Server) reply(client *Client, msg protocol.Message) {
	if err := s.hub.Send(client, msg); err != nil {
		s.logger.Debug("reply not delivered", "conn_id", client.ID(), "type", msg.MessageType(), "error", err)
	}
}

// connLimiter caps concurrent sessions. A zero limit admits everyone.
type connLimiter struct {
	mu    sync.Mutex
	limit int
	inUse int
}

func (l *connLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.inUse >= l.limit {
		return false
	}
	l.inUse++
	return true
}

func (l *connLimiter) Release() {
	l.mu.Lock()
	if l.inUse > 0 {
		l.inUse--
	}
	l.mu.Unlock()
}
