// Package ws is the client side of the relay connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/krew/jam/internal/protocol"
)

const writeWait = 10 * time.Second

var ErrNotConnected = errors.New("not connected")

type Config struct {
	URL string
	// Header is sent with the upgrade request.
	Header http.Header
}

// Client keeps at most one connection to the relay. Inbound messages are
// dispatched one at a time in arrival order. Reconnecting is left to the
// caller.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	handlers     map[string]func(json.RawMessage)
	onConnect    []func()
	onDisconnect []func(error)

	writeMu sync.Mutex
}

func New(cfg *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		url:    cfg.URL,
		header: cfg.Header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger:   logger,
		handlers: make(map[string]func(json.RawMessage)),
	}
}

// On sets the handler for event, replacing any previous one.
func (c *Client) On(event string, handler func(payload json.RawMessage)) {
	c.mu.Lock()
	c.handlers[event] = handler
	c.mu.Unlock()
}

// OnConnect handlers run inside Connect once the connection is up and before
// any inbound message is dispatched.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

// OnDisconnect handlers run when the connection fails. Close does not
// trigger them.
func (c *Client) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil
}

// Connect dials the relay. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	onConnect := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.url)
	for _, fn := range onConnect {
		fn()
	}
	go c.readLoop(conn)

	return nil
}

// Close drops the connection without running disconnect handlers.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return conn.Close()
}

// Send writes one event. Sending while disconnected does nothing.
func (c *Client) Send(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.logger.Debug("send skipped, not connected", "type", event)
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(protocol.Output{Type: event, Payload: payload}); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}

	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Warn("malformed message", "error", err)
				continue
			}
			c.disconnected(conn, err)
			return
		}

		c.mu.Lock()
		handler := c.handlers[msg.Type]
		c.mu.Unlock()

		if handler == nil {
			c.logger.Debug("unhandled message", "type", msg.Type)
			continue
		}
		handler(msg.Payload)
	}
}

func (c *Client) disconnected(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	onDisconnect := append([]func(error){}, c.onDisconnect...)
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn("disconnected", "error", err)
	for _, fn := range onDisconnect {
		fn(err)
	}
}
