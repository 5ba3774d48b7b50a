package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnectivityError reports a channel-level problem. It is non-fatal: the
// client keeps retrying at the transport level and an open session is not
// ended because of it.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// Handler consumes one inbound event.
type Handler func(Envelope)

const (
	defaultDialMaxRetries   = 5
	defaultReconnectRetries = 3
	defaultReconnectDelay   = 2 * time.Second
	defaultJoinRetryDelay   = 700 * time.Millisecond
	writeWait               = 10 * time.Second
	pingPeriod              = 30 * time.Second
)

// Options tunes the client; zero values fall back to defaults.
type Options struct {
	DialMaxRetries   uint64
	ReconnectRetries uint64
	ReconnectDelay   time.Duration
	JoinRetryDelay   time.Duration
}

// Client is a websocket client for the session signaling channel. Outbound
// events sent before the socket is writable are queued and flushed in order
// once it opens; inbound events are dispatched to exactly one handler per
// event kind.
type Client struct {
	url    string
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	open     bool
	closed   bool
	queue    [][]byte
	handlers map[Kind]Handler
	onError  func(error)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(url string, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.L()
	}
	if opts.DialMaxRetries == 0 {
		opts.DialMaxRetries = defaultDialMaxRetries
	}
	if opts.ReconnectRetries == 0 {
		opts.ReconnectRetries = defaultReconnectRetries
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.JoinRetryDelay == 0 {
		opts.JoinRetryDelay = defaultJoinRetryDelay
	}
	return &Client{
		url:      url,
		opts:     opts,
		logger:   logger.Named("signaling"),
		handlers: make(map[Kind]Handler),
		done:     make(chan struct{}),
	}
}

// Handle registers fn as the single handler for kind. Events arriving with
// no registered handler are dropped.
func (c *Client) Handle(kind Kind, fn Handler) {
	c.mu.Lock()
	c.handlers[kind] = fn
	c.mu.Unlock()
}

// OnError registers the sink for non-fatal channel errors.
func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Connect dials the signaling server, retrying transient failures with
// bounded exponential backoff. On success the read pump starts and any
// queued outbound events are flushed in order.
func (c *Client) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	var conn *websocket.Conn
	op := func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			c.logger.Warn("dial failed, will retry", zap.String("url", c.url), zap.Error(err))
			return err
		}
		return nil
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 500 * time.Millisecond
	ebo.MaxInterval = 5 * time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(ebo, c.opts.DialMaxRetries), c.ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return &ConnectivityError{Op: "connect", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.open = true
	c.flushLocked()
	c.mu.Unlock()

	go c.readPump(conn)
	go c.pingLoop(conn)

	c.logger.Info("signaling channel open", zap.String("url", c.url))
	return nil
}

// JoinSession requests membership in the named session. It is safe to call
// immediately after Connect: the request queues until the socket opens. One
// delayed retransmission masks the race between channel-open and first send;
// the relay treats duplicate joins from the same client as a no-op.
func (c *Client) JoinSession(sessionID string) {
	c.Send(KindJoinSession, JoinSessionPayload{SessionID: sessionID})

	time.AfterFunc(c.opts.JoinRetryDelay, func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.Send(KindJoinSession, JoinSessionPayload{SessionID: sessionID})
		}
	})
}

// Send transmits one event, fire-and-forget. Ordering among this client's
// events is preserved; events sent before the channel opens are queued.
func (c *Client) Send(kind Kind, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshal payload", zap.String("event", string(kind)), zap.Error(err))
		return
	}
	frame, err := json.Marshal(Envelope{Event: kind, Payload: raw})
	if err != nil {
		c.logger.Error("marshal envelope", zap.String("event", string(kind)), zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !c.open || c.conn == nil {
		c.queue = append(c.queue, frame)
		return
	}
	c.writeLocked(frame)
}

// Disconnect closes the channel. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.open = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	close(c.done)
	c.logger.Info("signaling channel closed")
}

// Done is closed once the client has fully disconnected.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) writeLocked(frame []byte) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Warn("write failed", zap.Error(err))
		c.reportError(&ConnectivityError{Op: "send", Err: err})
	}
}

func (c *Client) flushLocked() {
	for _, frame := range c.queue {
		c.writeLocked(frame)
	}
	c.queue = nil
}

func (c *Client) reportError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read failed", zap.Error(err))
			}
			if !c.reconnect() {
				c.reportError(&ConnectivityError{Op: "read", Err: err})
			}
			return
		}
		c.dispatch(message)
	}
}

func (c *Client) dispatch(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Warn("bad frame", zap.Error(err))
		return
	}

	c.mu.Lock()
	fn := c.handlers[env.Event]
	c.mu.Unlock()

	if fn == nil {
		c.logger.Debug("unhandled event dropped", zap.String("event", string(env.Event)))
		return
	}
	fn(env)
}

// reconnect redials with a fixed delay between bounded attempts. Queued and
// subsequent sends resume once the new socket opens. Returns false when all
// attempts are exhausted.
func (c *Client) reconnect() bool {
	c.mu.Lock()
	c.open = false
	c.conn = nil
	c.mu.Unlock()

	var conn *websocket.Conn
	op := func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(c.ctx, c.url, nil)
		return err
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.ReconnectDelay), c.opts.ReconnectRetries),
		c.ctx)
	if err := backoff.Retry(op, bo); err != nil {
		c.logger.Error("reconnect exhausted", zap.Error(err))
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return true
	}
	c.conn = conn
	c.open = true
	c.flushLocked()
	c.mu.Unlock()

	c.logger.Info("signaling channel reconnected")
	go c.readPump(conn)
	go c.pingLoop(conn)
	return true
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
