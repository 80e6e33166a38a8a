package wsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is passed to pending write callbacks when the connection goes away.
var ErrConnClosed = errors.New("websocket connection closed")

const (
	writeWait          = 10 * time.Second
	defaultPingPeriod  = 30 * time.Second
	readTimeoutFactor  = 2
	handshakeTimeout   = 5 * time.Second
	defaultMaxReadSize = 32 << 20
)

var dialer = websocket.Dialer{
	HandshakeTimeout: handshakeTimeout,
}

type outFrame struct {
	data []byte
	done func(error)
}

// Conn is one websocket connection to the relay. Writes are queued and
// performed in order by a single goroutine.
type Conn struct {
	conn       *websocket.Conn
	logger     *slog.Logger
	pingPeriod time.Duration

	writeMu sync.Mutex

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []outFrame
	closed bool
	err    error

	doneOnce sync.Once
	done     chan struct{}
}

// Dial establishes a websocket connection to wsURL.
func Dial(ctx context.Context, wsURL string, pingPeriod time.Duration, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	conn.SetReadLimit(defaultMaxReadSize)

	c := &Conn{
		conn:       conn,
		logger:     logger,
		pingPeriod: pingPeriod,
		done:       make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.writeLoop()
	return c, nil
}

// ReadLoop reads text frames and hands each to onFrame until the connection
// fails or ctx is cancelled. It also keeps the connection alive with pings.
func (c *Conn) ReadLoop(ctx context.Context, onFrame func(data []byte)) error {
	readTimeout := c.pingPeriod * readTimeoutFactor
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go func() {
		ticker := time.NewTicker(c.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			// Closing the connection unblocks ReadMessage.
			c.fail(ctx.Err())
		case <-c.done:
		}
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			c.fail(err)
			return err
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if messageType != websocket.TextMessage {
			continue
		}
		onFrame(data)
	}
}

// Enqueue queues a text frame. If it returns nil, done (when not nil) is
// called exactly once after the frame is written or dropped.
func (c *Conn) Enqueue(data []byte, done func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.queue = append(c.queue, outFrame{data: data, done: done})
	c.cond.Signal()
	return nil
}

// Pending returns the number of queued frames and their total size.
func (c *Conn) Pending() (frames int, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.queue {
		bytes += len(f.data)
	}
	return len(c.queue), bytes
}

func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		f := c.queue[0]
		c.queue[0] = outFrame{}
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.conn.WriteMessage(websocket.TextMessage, f.data)
		c.writeMu.Unlock()

		if f.done != nil {
			f.done(err)
		}
		if err != nil {
			c.logger.Warn("websocket write error", "error", err)
			c.fail(err)
			return
		}
	}
}

// fail marks the connection dead, drops queued frames and closes the socket.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	dropped := c.queue
	c.queue = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	for _, f := range dropped {
		if f.done != nil {
			f.done(ErrConnClosed)
		}
	}
	c.doneOnce.Do(func() { close(c.done) })
	c.conn.Close()
}

// Done is closed once the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and shuts the connection down.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.fail(ErrConnClosed)
	return nil
}
