// Package ipc is the channel between a worker and its clients: JSON-RPC 2.0
// over a websocket on the session's unix socket, plus a bounded-retry connector.
package ipc

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Request is a JSON-RPC 2.0 request sent over the worker channel
type Request struct {
	ID      string                 `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
	JSONRPC string                 `json:"jsonrpc"`
	TraceID string                 `json:"trace_id,omitempty"`
}

// Response is a JSON-RPC 2.0 response
type Response struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError is a JSON-RPC 2.0 error object
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// ShuttingDown is returned for requests that arrive while the worker stops.
	ShuttingDown = -32000
)

// EventMessage is pushed from the worker to every connected client
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Seq       int64       `json:"seq"`
}

// Client is one connection accepted by the worker channel
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// WriteJSON serializes writes; gorilla connections allow one concurrent writer.
func (c *Client) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(v)
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the last message received from the client
func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}
