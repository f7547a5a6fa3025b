package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/thrillee/aegisroute/pkg/codes"
)

var (
	// ErrNotConnected is returned by Call when the client has no live channel.
	ErrNotConnected = errors.New("rpc: not connected")
	// ErrConnectionLost fails calls pending when the channel dropped.
	ErrConnectionLost = errors.New("rpc: connection lost")
)

// Client is one persistent, authenticated RPC channel. It is safe for
// concurrent use; responses are matched to calls by request id.
type Client struct {
	url      string
	username string
	password string
	dialer   *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan *Response

	writeMu   sync.Mutex
	nextID    atomic.Uint64
	connected atomic.Bool
}

// NewClient creates a client; it does not connect. An empty username means
// anonymous access.
func NewClient(url, username, password string) *Client {
	return &Client{
		url:      url,
		username: username,
		password: password,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		pending: make(map[uint64]chan *Response),
	}
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, url, username, password string) (*Client, error) {
	c := NewClient(url, username, password)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) URL() string { return c.url }

// Connected reports whether the channel is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Connect opens the channel, presenting the credentials at the handshake.
// Rejected credentials yield an AuthenticationError.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	header := http.Header{}
	if c.username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
		header.Set("Authorization", "Basic "+token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return codes.New(codes.KindAuthentication, "%s rejected the credentials of %q", c.url, c.username)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(maxFrameSize)

	c.conn = conn
	c.connected.Store(true)
	go c.readLoop(conn)
	slog.InfoContext(ctx, "RPC client connected", slog.String("url", c.url))
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			c.teardown(conn, err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			slog.Warn("RPC response for unknown request", slog.Uint64("id", resp.ID))
			continue
		}
		ch <- &resp
	}
}

// teardown marks the channel down and fails the pending calls.
func (c *Client) teardown(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	c.connected.Store(false)
	_ = conn.Close()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) && !errors.Is(cause, net.ErrClosed) {
		slog.Warn("RPC client disconnected", slog.String("url", c.url), slog.Any("error", cause))
	}
}

// Call invokes method with params and decodes the result into result (which
// may be nil). Remote failures are returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		raw = b
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(&Request{ID: id, Method: method, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		c.teardown(conn, err)
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrConnectionLost
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close shuts the channel down gracefully.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.teardown(conn, nil)
	return nil
}
