// Package relay implements the network relay client: it multiplexes
// many logical TCP connections over a single bidirectional
// frame-oriented WebSocket channel to a remote proxy that performs the
// actual TCP, per spec.md §4.4.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/wasmkernel/hostruntime/internal/obs"
)

// ErrProtocol marks an unparseable frame; such frames are logged and
// dropped, the channel stays alive (spec.md's error-handling design,
// SPEC_FULL.md §11).
var ErrProtocol = errors.New("relay: unparseable frame")

// ErrChannelClosed is returned by in-flight calls when the channel is
// lost while they are outstanding.
var ErrChannelClosed = errors.New("relay: channel closed")

// ErrOpenTimeout is returned when a pending open does not complete
// within PendingOpenTimeout.
var ErrOpenTimeout = errors.New("relay: open timed out")

// ErrTooManyConnections is returned by Open once the client-side
// connection cap is reached.
var ErrTooManyConnections = errors.New("relay: too many open connections")

// MaxConnectionsPerChannel bounds the client-side connection map
// regardless of whatever cap the remote proxy enforces, since an
// unbounded client-side map is a self-inflicted resource leak (spec.md
// §12 Open Questions decision).
const MaxConnectionsPerChannel = 4096

// DefaultPendingOpenTimeout mirrors the teacher's
// DefaultTransportConfig ConnectionTimeout field.
const DefaultPendingOpenTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	// Token is injected into the channel URL as a query parameter when set.
	Token string
	// PendingOpenTimeout overrides DefaultPendingOpenTimeout.
	PendingOpenTimeout time.Duration
	Logger             *obs.Logger
}

// Client is the network relay client (spec.md §4.4).
type Client struct {
	url     string
	token   string
	timeout time.Duration
	logger  *obs.Logger
	dialer  websocket.Dialer
	group   singleflight.Group

	mu     sync.Mutex
	conn   *websocket.Conn
	writeM sync.Mutex
	conns  map[uint32]*connection
	nextID uint32
}

// New creates a Client bound to the given channel URL. Dialing is
// deferred to the first Open call.
func New(channelURL string, opts Options) *Client {
	timeout := opts.PendingOpenTimeout
	if timeout == 0 {
		timeout = DefaultPendingOpenTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = obs.Default("relay")
	}
	return &Client{
		url:     channelURL,
		token:   opts.Token,
		timeout: timeout,
		logger:  logger,
		conns:   map[uint32]*connection{},
	}
}

func (c *Client) dialURL() (string, error) {
	if c.token == "" {
		return c.url, nil
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("relay: parse channel url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ensureConnected dials the channel if not already connected. Multiple
// concurrent callers share one in-flight dial via singleflight
// (spec.md §4.4 "Reconnection is single-flight").
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_, err, _ := c.group.Do("connect", func() (interface{}, error) {
		c.mu.Lock()
		if c.conn != nil {
			c.mu.Unlock()
			return nil, nil
		}
		c.mu.Unlock()

		dialURL, err := c.dialURL()
		if err != nil {
			return nil, err
		}
		conn, _, err := c.dialer.DialContext(ctx, dialURL, nil)
		if err != nil {
			return nil, fmt.Errorf("relay: dial channel: %w", err)
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		go c.readLoop(conn)
		return nil, nil
	})
	return err
}

// Open requests a new logical connection to host:port, per spec.md
// §4.3/§4.4's network-open call.
func (c *Client) Open(ctx context.Context, host string, port uint16) (uint32, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return 0, err
	}

	c.mu.Lock()
	if len(c.conns) >= MaxConnectionsPerChannel {
		c.mu.Unlock()
		return 0, ErrTooManyConnections
	}
	c.nextID++
	id := c.nextID
	conn := newPendingConnection()
	c.conns[id] = conn
	c.mu.Unlock()

	if err := c.send(frame{T: tagOpen, ID: id, Host: host, Port: port}); err != nil {
		c.removeConn(id)
		return 0, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case err := <-conn.opened:
		if err != nil {
			c.removeConn(id)
			return 0, err
		}
		return id, nil
	case <-timer.C:
		c.removeConn(id)
		return 0, ErrOpenTimeout
	case <-ctx.Done():
		c.removeConn(id)
		return 0, ctx.Err()
	}
}

// Write sends data to the logical connection id.
func (c *Client) Write(id uint32, data []byte) (int, error) {
	conn, ok := c.getConn(id)
	if !ok {
		return 0, fmt.Errorf("relay: unknown connection %d", id)
	}
	if conn.getState() != stateOpen {
		return 0, ErrChannelClosed
	}
	if err := c.send(frame{T: tagWrite, ID: id, B64: base64.StdEncoding.EncodeToString(data)}); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Read drains up to len(dest) bytes of buffered inbound data for id.
func (c *Client) Read(id uint32, dest []byte) (int, error) {
	conn, ok := c.getConn(id)
	if !ok {
		return 0, fmt.Errorf("relay: unknown connection %d", id)
	}
	return conn.drain(dest), nil
}

// Poll reports whether id has buffered data and whether it is closed.
func (c *Client) Poll(id uint32) (readable bool, closed bool, err error) {
	conn, ok := c.getConn(id)
	if !ok {
		return false, false, fmt.Errorf("relay: unknown connection %d", id)
	}
	return conn.pending(), conn.getState() == stateClosed, nil
}

// Close tears down the logical connection id.
func (c *Client) Close(id uint32) error {
	conn, ok := c.getConn(id)
	if !ok {
		return nil
	}
	conn.setState(stateClosed)
	return c.send(frame{T: tagClose, ID: id})
}

// OnData registers a push handler for inbound data on id, flushing any
// already-buffered rope immediately (spec.md §4.4 "State per id").
func (c *Client) OnData(id uint32, handler func([]byte)) {
	if conn, ok := c.getConn(id); ok {
		conn.setOnData(handler)
	}
}

// OnClose registers a handler invoked exactly once when id closes.
func (c *Client) OnClose(id uint32, handler func()) {
	if conn, ok := c.getConn(id); ok {
		conn.mu.Lock()
		conn.onClose = handler
		conn.mu.Unlock()
	}
}

// OnError registers a handler invoked when id errors.
func (c *Client) OnError(id uint32, handler func(error)) {
	if conn, ok := c.getConn(id); ok {
		conn.mu.Lock()
		conn.onError = handler
		conn.mu.Unlock()
	}
}

func (c *Client) getConn(id uint32) (*connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[id]
	return conn, ok
}

func (c *Client) removeConn(id uint32) {
	c.mu.Lock()
	delete(c.conns, id)
	c.mu.Unlock()
}

func (c *Client) send(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("relay: marshal frame: %w", err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrChannelClosed
	}
	c.writeM.Lock()
	defer c.writeM.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop processes inbound frames until the channel closes, then
// performs channel-loss handling (spec.md §4.4 "Channel loss").
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleChannelLoss()
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("dropping unparseable relay frame", obs.Err(ErrProtocol))
		return
	}

	conn, ok := c.getConn(f.ID)
	if !ok {
		return
	}

	switch f.T {
	case tagOpened:
		conn.setState(stateOpen)
		select {
		case conn.opened <- nil:
		default:
		}
	case tagError:
		if conn.getState() == statePendingOpen {
			select {
			case conn.opened <- errors.New(f.Msg):
			default:
			}
			c.removeConn(f.ID)
			return
		}
		conn.setState(stateErrored)
		conn.fireError(errors.New(f.Msg))
	case tagData:
		payload, err := base64.StdEncoding.DecodeString(f.B64)
		if err != nil {
			c.logger.Warn("dropping relay data frame with invalid base64", obs.Err(ErrProtocol))
			return
		}
		conn.appendData(payload)
	case tagClosed:
		conn.setState(stateClosed)
		conn.fireClose()
	default:
		c.logger.Warn("dropping relay frame with unknown tag", obs.String("tag", f.T))
	}
}

// handleChannelLoss rejects every pending open and closes every open
// connection exactly once, then clears the channel so the next Open
// call reconnects.
func (c *Client) handleChannelLoss() {
	c.mu.Lock()
	conns := c.conns
	c.conns = map[uint32]*connection{}
	c.conn = nil
	c.mu.Unlock()

	for _, conn := range conns {
		switch conn.getState() {
		case statePendingOpen:
			select {
			case conn.opened <- ErrChannelClosed:
			default:
			}
		default:
			conn.setState(stateClosed)
			conn.fireClose()
		}
	}
}

// Shutdown closes the underlying channel connection, if any.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
