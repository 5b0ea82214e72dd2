package httpapi

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrChannelClosed = errors.New("channel closed")
	ErrQueueFull     = errors.New("channel send queue full")
)

const writeTimeout = 10 * time.Second

type outFrame struct {
	kind int
	data []byte
}

// channelOptions.blocking makes Send wait for queue space instead of failing
// the channel.
type channelOptions struct {
	buffer       int
	pingInterval time.Duration
	blocking     bool
}

// wsChannel serializes all writes to one websocket through a single writer
// goroutine, so messages leave in Send order. Close flushes what is queued,
// sends a close frame and closes the connection.
type wsChannel struct {
	id   string
	conn *websocket.Conn
	opts channelOptions

	queue   chan outFrame
	closing chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func newWSChannel(id string, conn *websocket.Conn, opts channelOptions) *wsChannel {
	if opts.buffer <= 0 {
		opts.buffer = 256
	}
	c := &wsChannel{
		id:      id,
		conn:    conn,
		opts:    opts,
		queue:   make(chan outFrame, opts.buffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsChannel) ID() string { return c.id }

func (c *wsChannel) Send(payload []byte) error {
	return c.enqueue(outFrame{kind: websocket.TextMessage, data: payload})
}

func (c *wsChannel) SendBinary(payload []byte) error {
	return c.enqueue(outFrame{kind: websocket.BinaryMessage, data: payload})
}

func (c *wsChannel) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(b)
}

func (c *wsChannel) enqueue(f outFrame) error {
	if c.opts.blocking {
		if c.isClosed() {
			return ErrChannelClosed
		}
		select {
		case c.queue <- f:
			return nil
		case <-c.closing:
			return ErrChannelClosed
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	select {
	case c.queue <- f:
		return nil
	default:
		c.markClosedLocked()
		_ = c.conn.Close()
		return ErrQueueFull
	}
}

// Close is idempotent and safe from any goroutine.
func (c *wsChannel) Close() error {
	c.mu.Lock()
	c.markClosedLocked()
	c.mu.Unlock()
	return nil
}

// Done is closed once the writer has exited and the connection is closed.
func (c *wsChannel) Done() <-chan struct{} { return c.done }

func (c *wsChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *wsChannel) markClosedLocked() {
	if !c.closed {
		c.closed = true
		close(c.closing)
	}
}

func (c *wsChannel) writeLoop() {
	defer close(c.done)
	defer c.conn.Close()

	var ping <-chan time.Time
	if c.opts.pingInterval > 0 {
		ticker := time.NewTicker(c.opts.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case f := <-c.queue:
			if err := c.write(f); err != nil {
				c.Close()
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.Close()
				return
			}
		case <-c.closing:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (c *wsChannel) flush() {
	for {
		select {
		case f := <-c.queue:
			if err := c.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsChannel) write(f outFrame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(f.kind, f.data)
}

// pingInterval keeps pongs arriving well inside the read deadline.
func pingInterval(readTimeout time.Duration) time.Duration {
	if readTimeout <= 0 {
		return 0
	}
	return readTimeout * 9 / 10
}
