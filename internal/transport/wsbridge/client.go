package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guildworks/guildrelay/internal/domain"
)

// ErrDisconnected fails every pending correlation the moment the
// connection drops, instead of leaving callers to ride out their timeouts.
var ErrDisconnected = errors.New("bridge connection lost")

const (
	pingInterval = 20 * time.Second
	pongWait     = 45 * time.Second
	writeWait    = 10 * time.Second
)

// Client is the API-process half of the bridge and the WebSocket transport
// implementation. It lazily dials on first use and redials after a drop;
// in-flight correlations never survive a reconnect.
type Client struct {
	url    string
	token  string
	logger *slog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Reply
	closed  bool

	writeMu sync.Mutex
}

// NewClient creates a bridge client for the given ws:// or wss:// URL.
func NewClient(url, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:     url,
		token:   token,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending: make(map[string]chan Reply),
	}
}

func (c *Client) Name() domain.Protocol { return domain.ProtocolWebSocket }

// Execute pushes the request envelope and parks until the correlated reply
// arrives, the context deadline fires, or the connection drops.
func (c *Client) Execute(ctx context.Context, req *domain.NormalizedRequest) (*domain.UnifiedResponse, error) {
	start := time.Now()

	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, fmt.Errorf("bridge dial: %w", err)
	}

	ch := make(chan Reply, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	env := Envelope{
		RequestID: req.ID,
		Type:      req.Type,
		Data:      req.Data,
		GuildID:   req.GuildID,
		UserID:    req.UserID,
	}
	if err := c.writeJSON(conn, env); err != nil {
		return nil, fmt.Errorf("bridge send: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("bridge reply for %s: %w", req.ID, ctx.Err())
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		if !reply.Success {
			return nil, fmt.Errorf("bot rejected %s: %s", req.Type, reply.Error)
		}
		return &domain.UnifiedResponse{
			Success:         true,
			RequestID:       req.ID,
			Data:            reply.Data,
			ExecutionTimeMS: time.Since(start).Milliseconds(),
			Method:          domain.ProtocolWebSocket,
			Timestamp:       time.Now().UTC(),
		}, nil
	}
}

// Close shuts the client down and fails all pending correlations.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.failPendingLocked()
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) ensureConnected(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New("bridge client closed")
	}
	if c.conn != nil {
		return c.conn, nil
	}

	header := http.Header{}
	if c.token != "" {
		header.Set(AuthHeader, c.token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.conn = conn
	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.logger.Info("bridge connected", slog.String("url", c.url))
	return conn, nil
}

// readLoop correlates replies to waiting callers until the connection
// errors, at which point every pending correlation fails immediately.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var reply Reply
		if err := conn.ReadJSON(&reply); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.failPendingLocked()
			closed := c.closed
			c.mu.Unlock()

			conn.Close()
			if !closed {
				c.logger.Warn("bridge connection lost", slog.String("error", err.Error()))
			}
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[reply.RequestID]
		if ok {
			// Claiming the correlation under the lock leaves this loop as
			// the channel's sole owner; failPendingLocked can no longer
			// close it mid-send.
			delete(c.pending, reply.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- reply
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		current := c.conn == conn
		c.mu.Unlock()
		if !current {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return
		}
	}
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// failPendingLocked closes every waiting correlation channel. Caller holds
// the mutex.
func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
