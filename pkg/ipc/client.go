package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harun/solo/internal/tracing"
	"github.com/rs/zerolog"
)

// ErrConnectionClosed is returned by Call once the connection is gone
var ErrConnectionClosed = errors.New("ipc connection closed")

// Connection is a live channel to the worker, owned by whoever obtained it.
type Connection interface {
	// Call sends method with params and decodes the result into result,
	// which may be nil.
	Call(ctx context.Context, method string, params map[string]interface{}, result interface{}) error
	Close() error
}

// Transport opens a connection to an endpoint
type Transport interface {
	Connect(ctx context.Context, endpoint string) (Connection, error)
}

// WebSocketTransport dials the worker's websocket over its unix socket.
type WebSocketTransport struct {
	HandshakeTimeout time.Duration

	// OnEvent receives events pushed by the worker. It runs on the read loop
	// and must not block.
	OnEvent func(EventMessage)

	Logger zerolog.Logger
}

// NewWebSocketTransport returns the default transport
func NewWebSocketTransport(logger zerolog.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		HandshakeTimeout: 2 * time.Second,
		Logger:           logger,
	}
}

// Connect checks the socket file afresh on every call, then dials it.
func (t *WebSocketTransport) Connect(ctx context.Context, endpoint string) (Connection, error) {
	if _, err := os.Stat(endpoint); err != nil {
		return nil, fmt.Errorf("stat endpoint: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.HandshakeTimeout,
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", endpoint)
		},
	}

	conn, resp, err := dialer.DialContext(ctx, "ws://solo/ws", nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return nil, fmt.Errorf("dial %s: worker is shutting down", endpoint)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &wsConnection{
		conn:    conn,
		pending: make(map[string]chan *rawResponse),
		closed:  make(chan struct{}),
		onEvent: t.OnEvent,
		logger:  t.Logger,
	}
	go c.readLoop()
	return c, nil
}

// Dial makes a single connection attempt with the default transport.
func Dial(ctx context.Context, endpoint string, logger zerolog.Logger) (Connection, error) {
	return NewWebSocketTransport(logger).Connect(ctx, endpoint)
}

type rawResponse struct {
	ID     string          `json:"id"`
	Type   string          `json:"type,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type wsConnection struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *rawResponse
	err     error

	closed    chan struct{}
	closeOnce sync.Once
	onEvent   func(EventMessage)
	logger    zerolog.Logger
}

func (c *wsConnection) Call(ctx context.Context, method string, params map[string]interface{}, result interface{}) error {
	id := uuid.NewString()
	ch := make(chan *rawResponse, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := Request{
		ID:      id,
		Method:  method,
		Params:  params,
		JSONRPC: "2.0",
		TraceID: tracing.GetTraceID(ctx),
	}

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-c.closed:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConnection) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return
		}

		var resp rawResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed message from worker")
			continue
		}

		if resp.Type == "event" {
			if c.onEvent != nil {
				var ev EventMessage
				if err := json.Unmarshal(data, &ev); err == nil {
					c.onEvent(ev)
				}
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (c *wsConnection) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *wsConnection) Close() error {
	c.fail(ErrConnectionClosed)

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.conn.Close()
}
