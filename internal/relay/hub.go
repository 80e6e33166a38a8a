// Package relay implements the signaling and fallback relay: a name
// registry over websocket sessions that forwards envelopes by recipient.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

var (
	// ErrNameConflict is returned when a name is held by another session.
	ErrNameConflict = errors.New("username already taken")
	// ErrRecipientUnknown is returned when no session holds the recipient name.
	ErrRecipientUnknown = errors.New("recipient not found")
	// ErrClientClosed is returned when writing to a detached client.
	ErrClientClosed = errors.New("client closed")
	// ErrNotRegistered is returned when an unnamed session tries to route.
	ErrNotRegistered = errors.New("register a username first")
)

const (
	sendQueueLen  = 256
	writerTimeout = time.Second
)

// Client is one connected session as seen by the hub. Frames queued for it
// are written in order by a dedicated goroutine.
type Client struct {
	id   uint64
	send chan []byte
	done chan struct{}
	// stopped is closed when the writer goroutine exits.
	stopped chan struct{}
	once    sync.Once
}

// ID returns the hub-assigned connection id.
func (c *Client) ID() uint64 { return c.id }

// enqueue blocks until the frame is queued or the client goes away, so a
// slow recipient slows down the session feeding it.
func (c *Client) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub owns the name registry. A name maps to at most one client and a
// client holds at most one name.
type Hub struct {
	mu      sync.RWMutex
	clients map[uint64]*Client
	names   map[uint64]string
	byName  map[string]*Client
	nextID  uint64
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[uint64]*Client),
		names:   make(map[uint64]string),
		byName:  make(map[string]*Client),
		logger:  logger,
	}
}

// Attach adds an unnamed client whose frames are written with write.
// The writer stops at the first write error.
func (h *Hub) Attach(write func(frame []byte) error) *Client {
	h.mu.Lock()
	h.nextID++
	c := &Client{
		id:      h.nextID,
		send:    make(chan []byte, sendQueueLen),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	go func() {
		defer close(c.stopped)
		for {
			select {
			case frame := <-c.send:
				if err := write(frame); err != nil {
					h.logger.Debug("client write failed", "conn_id", c.id, "error", err)
					c.close()
					return
				}
			case <-c.done:
				// Flush what was queued before the client detached.
				for {
					select {
					case frame := <-c.send:
						if write(frame) != nil {
							return
						}
					default:
						return
					}
				}
			}
		}
	}()
	return c
}

// Register binds name to c. A client that already holds a different name
// releases it. Registering the name c already holds is a no-op.
func (h *Hub) Register(c *Client, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return ErrClientClosed
	}
	if holder, ok := h.byName[name]; ok {
		if holder == c {
			return nil
		}
		return ErrNameConflict
	}
	if old, ok := h.names[c.id]; ok {
		delete(h.byName, old)
	}
	h.names[c.id] = name
	h.byName[name] = c
	h.logger.Info("user registered", "conn_id", c.id, "username", name)
	return nil
}

// Deregister releases c's name and stops its writer after queued frames are
// flushed. It reports whether c held a name.
func (h *Hub) Deregister(c *Client) bool {
	h.mu.Lock()
	delete(h.clients, c.id)
	name, named := h.names[c.id]
	if named {
		delete(h.names, c.id)
		if h.byName[name] == c {
			delete(h.byName, name)
		}
	}
	h.mu.Unlock()

	c.close()
	select {
	case <-c.stopped:
	case <-time.After(writerTimeout):
	}
	if named {
		h.logger.Info("user left", "conn_id", c.id, "username", name)
	}
	return named
}

// Name returns the name held by c.
func (h *Hub) Name(c *Client) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	name, ok := h.names[c.id]
	return name, ok
}

// Route delivers an envelope to the client registered as its recipient.
func (h *Hub) Route(env *protocol.Envelope) error {
	h.mu.RLock()
	target, ok := h.byName[env.Recipient]
	h.mu.RUnlock()
	if !ok || env.Recipient == "" {
		return fmt.Errorf("%w: %q", ErrRecipientUnknown, env.Recipient)
	}
	frame, err := env.MarshalJSON()
	if err != nil {
		return err
	}
	return target.enqueue(frame)
}

// Send writes a typed message to c.
func (h *Hub) Send(c *Client, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

// ListOthers returns the registered names except the one held by c, sorted.
func (h *Hub) ListOthers(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.othersLocked(c)
}

func (h *Hub) othersLocked(c *Client) []string {
	out := make([]string, 0, len(h.byName))
	for name, holder := range h.byName {
		if holder != c {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// BroadcastRoster sends every registered client the list of the others.
func (h *Hub) BroadcastRoster() {
	type delivery struct {
		c     *Client
		users []string
	}
	h.mu.RLock()
	out := make([]delivery, 0, len(h.byName))
	for _, c := range h.byName {
		out = append(out, delivery{c: c, users: h.othersLocked(c)})
	}
	h.mu.RUnlock()

	for _, d := range out {
		if err := h.Send(d.c, &protocol.UserList{Users: d.users}); err != nil {
			h.logger.Debug("roster not delivered", "conn_id", d.c.id, "error", err)
		}
	}
}

// Count returns the number of attached clients and how many hold a name.
func (h *Hub) Count() (attached, registered int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients), len(h.byName)
}
