// Package connection multiplexes request/response round-trips with the
// learning service over one websocket.
//
// Every request gets a correlation id; responses may arrive in any order and
// are matched back through a table of pending requests. Each request settles
// exactly once: with its response, with its timeout, or with
// ErrConnectionClosed when the socket goes away.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rtloftin/discrete-bam/internal/logger"
	"github.com/rtloftin/discrete-bam/internal/protocol/wire"
)

const (
	// DefaultRequestTimeout applies when Send is called without a timeout.
	DefaultRequestTimeout = 60 * time.Second

	// DefaultConnectTimeout bounds Dial plus the handshake.
	DefaultConnectTimeout = 300 * time.Second

	// maxMessageSize bounds a single inbound frame. Rendered states with
	// large layouts can reach a few hundred KiB.
	maxMessageSize = 8 * 1024 * 1024

	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// expiredWindow is how many timed-out ids are remembered for the late
	// response log.
	expiredWindow = 64
)

type result struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	typ      string
	deadline time.Time
	ch       chan result
}

// Client is an open connection to the learning service.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingRequest
	expired map[int64]*pendingRequest
	closed  bool
	cause   error
	done    chan struct{}
}

// Option configures Dial.
type Option func(*options)

type options struct {
	dialer         *websocket.Dialer
	requestTimeout time.Duration
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithRequestTimeout sets the timeout used by Send when none is given.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// Dial opens the websocket at url and waits for the service handshake.
//
// The handshake must be the first message and must be {"ready": true}. Any
// failure is reported as a *ConnectError.
func Dial(ctx context.Context, url string, timeout time.Duration, opts ...Option) (*Client, error) {
	o := options{dialer: websocket.DefaultDialer, requestTimeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Debugf("connection: dialing %s", url)
	conn, _, err := o.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &ConnectError{Reason: ReasonTimeout, Err: err}
		}
		return nil, &ConnectError{Reason: ReasonTransport, Err: err}
	}

	if err := awaitHandshake(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{
		conn:    conn,
		timeout: o.requestTimeout,
		pending: make(map[int64]*pendingRequest),
		expired: make(map[int64]*pendingRequest),
		done:    make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	go c.readLoop()

	logger.Infof("connection: connected to %s", url)
	return c, nil
}

func awaitHandshake(ctx context.Context, conn *websocket.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblocks ReadMessage if the caller's context is canceled early.
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return &ConnectError{Reason: ReasonTimeout, Err: err}
		}
		return &ConnectError{Reason: ReasonTransport, Err: err}
	}
	_ = conn.SetReadDeadline(time.Time{})

	var hs wire.Handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return &ConnectError{Reason: ReasonProtocol, Err: fmt.Errorf("malformed handshake: %w", err)}
	}
	switch {
	case hs.Ready != nil && *hs.Ready:
		return nil
	case hs.Error != nil:
		return &ConnectError{Reason: ReasonProtocol, Err: fmt.Errorf("service refused connection: %s", *hs.Error)}
	default:
		return &ConnectError{Reason: ReasonProtocol, Err: errors.New("bad handshake")}
	}
}

// Send issues a request and waits for its outcome.
//
// The returned payload is the response's data field. Failures are a
// *RemoteError, a *TimeoutError, a *ProtocolError, ErrConnectionClosed, or the
// context's error. A timeout of zero uses the connection default.
func (c *Client) Send(ctx context.Context, typ string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	data, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}

	ch := make(chan result, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	id := c.nextID
	c.nextID++
	c.pending[id] = &pendingRequest{typ: typ, deadline: time.Now().Add(timeout), ch: ch}
	c.mu.Unlock()

	raw, err := json.Marshal(wire.Request{Type: typ, Data: data, ID: id})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("encode %s request: %w", typ, err)
	}

	logger.Tracef("connection: -> %s #%d", typ, id)
	if err := c.write(raw); err != nil {
		if c.forget(id) {
			return nil, fmt.Errorf("send %s request: %w", typ, err)
		}
		res := <-ch
		return res.data, res.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-timer.C:
		if c.expire(id) {
			return nil, &TimeoutError{Type: typ, ID: id, After: timeout}
		}
	case <-ctx.Done():
		if c.forget(id) {
			return nil, ctx.Err()
		}
	}

	// The response won the race with the timer; it is already buffered.
	res := <-ch
	return res.data, res.err
}

// Log asks the service to record a client-side log line.
func (c *Client) Log(ctx context.Context, message string) error {
	_, err := c.Send(ctx, wire.TypeLog, wire.MessageRequest{Message: message}, 0)
	return err
}

// ReportError reports a client-side failure to the service.
func (c *Client) ReportError(ctx context.Context, message string) error {
	_, err := c.Send(ctx, wire.TypeError, wire.MessageRequest{Message: message}, 0)
	return err
}

// Complete tells the service the participant finished.
func (c *Client) Complete(ctx context.Context) error {
	_, err := c.Send(ctx, wire.TypeComplete, nil, 0)
	return err
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the connection is terminal.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the socket and fails all pending requests. It is idempotent.
func (c *Client) Close() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	c.shutdown(nil)
	return nil
}

func (c *Client) write(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// forget drops a pending entry. It reports false if the entry had already
// been settled by a response or by shutdown.
func (c *Client) forget(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// expire drops a timed-out request like forget but remembers it, so a late
// response can be reported against its deadline.
func (c *Client) expire(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	c.expired[id] = p
	for old := range c.expired {
		if old <= id-expiredWindow {
			delete(c.expired, old)
		}
	}
	return true
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var msg wire.Response
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warnf("connection: dropped malformed message (len=%d): %v", len(data), err)
		return
	}
	if msg.Callback == nil {
		logger.Warnf("connection: dropped message without callback id")
		return
	}
	id := *msg.Callback

	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	late, wasExpired := c.expired[id]
	delete(c.expired, id)
	issued := id < c.nextID
	c.mu.Unlock()

	if !ok {
		switch {
		case wasExpired:
			logger.Debugf("connection: discarded %s #%d, arrived %v after its deadline",
				late.typ, id, time.Since(late.deadline).Round(time.Millisecond))
		case issued:
			logger.Debugf("connection: discarded late response #%d", id)
		default:
			logger.Warnf("connection: discarded response for unknown request #%d", id)
		}
		return
	}

	logger.Tracef("connection: <- %s #%d", p.typ, id)
	switch {
	case msg.Error != nil:
		p.ch <- result{err: &RemoteError{Type: p.typ, ID: id, Message: *msg.Error}}
	case msg.Data != nil:
		p.ch <- result{data: msg.Data}
	default:
		p.ch <- result{err: &ProtocolError{Reason: fmt.Sprintf("response #%d has neither data nor error", id)}}
	}
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cause = cause
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	clear(c.expired)
	c.mu.Unlock()

	switch {
	case cause == nil:
		logger.Debugf("connection: closed (%d pending)", len(pending))
	case websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		logger.Warnf("connection: lost: %v (%d pending)", cause, len(pending))
	default:
		logger.Infof("connection: closed by service: %v (%d pending)", cause, len(pending))
	}

	for _, p := range pending {
		p.ch <- result{err: ErrConnectionClosed}
	}
	close(c.done)
	_ = c.conn.Close()
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 || string(p) == "null" {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return json.RawMessage(`{}`), nil
	}
	return raw, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
