package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/azrael3199/gis-tool-dashboard/errors"
)

// outbound is one queued message. Messages without a view belong to the
// connection and are never discarded.
type outbound struct {
	messageType int
	data        []byte
	view        *sessionView
}

// clientInfo holds the state of one connected socket. The writer goroutine
// is the only code that writes data messages to conn; pings go through
// WriteControl, which gorilla allows concurrently.
type clientInfo struct {
	id          string
	conn        *websocket.Conn
	server      *Server
	connectedAt time.Time
	lastPing    atomic.Value // time.Time
	limiter     *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the queue, the buffered byte count and the drain waiters.
	mu       sync.Mutex
	queue    []outbound
	buffered int
	waiters  []chan struct{}
	wake     chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newClientInfo(s *Server, id string, conn *websocket.Conn) *clientInfo {
	ctx, cancel := context.WithCancel(context.Background())
	limit := rate.Inf
	if s.config.QueryRate > 0 {
		limit = rate.Limit(s.config.QueryRate)
	}
	info := &clientInfo{
		id:          id,
		conn:        conn,
		server:      s,
		connectedAt: time.Now(),
		limiter:     rate.NewLimiter(limit, s.config.QueryBurst),
		ctx:         ctx,
		cancel:      cancel,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	info.lastPing.Store(time.Now())
	return info
}

// enqueue appends a message for the writer. Binary frames are refused with
// ErrOverCapacity while the queue is at or above the buffered ceiling.
func (c *clientInfo) enqueue(msg outbound, enforceCapacity bool) error {
	if c.closed.Load() {
		return errors.ErrPeerClosed
	}
	c.mu.Lock()
	if enforceCapacity && c.buffered >= c.server.config.MaxBuffered {
		c.mu.Unlock()
		return errors.ErrOverCapacity
	}
	c.queue = append(c.queue, msg)
	c.buffered += len(msg.data)
	c.mu.Unlock()
	c.server.metrics.queued(len(msg.data))

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// sendJSON queues a connection-level text message.
func (c *clientInfo) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.enqueue(outbound{messageType: websocket.TextMessage, data: data}, false)
}

func (c *clientInfo) bufferedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *clientInfo) overCapacity() bool {
	if c.closed.Load() {
		// Let the next write fail fast instead of waiting on a dead socket.
		return false
	}
	return c.bufferedBytes() >= c.server.config.MaxBuffered
}

// drained returns a one-shot channel closed once the queue drops below the
// ceiling.
func (c *clientInfo) drained() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	if c.closed.Load() || c.buffered < c.server.config.MaxBuffered {
		close(ch)
		return ch
	}
	c.waiters = append(c.waiters, ch)
	return ch
}

func (c *clientInfo) release(n int) {
	c.mu.Lock()
	c.buffered -= n
	if c.buffered < c.server.config.MaxBuffered && len(c.waiters) > 0 {
		for _, ch := range c.waiters {
			close(ch)
		}
		c.waiters = nil
	}
	c.mu.Unlock()
	c.server.metrics.queued(-n)
}

// writePump drains the queue onto the socket until the client is removed.
func (c *clientInfo) writePump() {
	defer c.server.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			msg := c.queue[0]
			c.queue[0] = outbound{}
			c.queue = c.queue[1:]
			c.mu.Unlock()

			err := c.write(msg)
			c.release(len(msg.data))
			if err != nil {
				c.server.metrics.errored("write")
				c.server.removeClient(c, "write_error")
				return
			}
		}
	}
}

func (c *clientInfo) write(msg outbound) error {
	if msg.view != nil && msg.view.discarded() {
		c.server.metrics.dropped()
		return nil
	}
	if c.closed.Load() {
		return errors.ErrPeerClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
	return c.conn.WriteMessage(msg.messageType, msg.data)
}

func (c *clientInfo) ping() error {
	deadline := time.Now().Add(c.server.config.WriteTimeout)
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// wakeWaiters releases every drain waiter. Used on removal so no sink stays
// parked on a dead connection.
func (c *clientInfo) wakeWaiters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.waiters {
		close(ch)
	}
	c.waiters = nil
	dropped := 0
	for _, msg := range c.queue {
		dropped += len(msg.data)
	}
	c.queue = nil
	c.buffered -= dropped
	c.server.metrics.queued(-dropped)
}
