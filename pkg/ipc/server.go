package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/solo/internal/observability"
	"github.com/harun/solo/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrEndpointInUse is returned by Start when another live server already
// answers on the endpoint.
var ErrEndpointInUse = errors.New("ipc endpoint already in use")

// Server is the worker side of the channel: JSON-RPC over a websocket served
// on a unix socket.
type Server struct {
	endpoint        string
	shutdownTimeout time.Duration
	router          *Router
	clients         *ClientRegistry
	upgrader        websocket.Upgrader
	server          *http.Server
	listener        net.Listener
	logger          zerolog.Logger
	seq             atomic.Int64

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Endpoint        string
	Router          *Router
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

// NewServer creates a channel server. Methods are registered on the router
// before or after Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Router == nil {
		cfg.Router = NewRouter()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	return &Server{
		endpoint:        cfg.Endpoint,
		shutdownTimeout: cfg.ShutdownTimeout,
		router:          cfg.Router,
		clients:         NewClientRegistry(),
		logger:          cfg.Logger.With().Str("component", "ipc").Logger(),
		upgrader: websocket.Upgrader{
			// Only local processes can reach the socket.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Router returns the method router
func (s *Server) Router() *Router {
	return s.router
}

// Endpoint returns the unix socket path
func (s *Server) Endpoint() string {
	return s.endpoint
}

// Clients returns the number of connected clients
func (s *Server) Clients() int {
	return s.clients.Count()
}

// Start listens on the endpoint and serves in the background. A stale socket
// file left by a dead worker is removed first.
func (s *Server) Start() error {
	if err := s.clearStaleSocket(); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.endpoint)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.endpoint, err)
	}
	if err := os.Chmod(s.endpoint, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","clients":%d}`, s.clients.Count())
	})

	s.listener = ln
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info().Str("endpoint", s.endpoint).Msg("Starting worker channel")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Worker channel server error")
		}
	}()

	return nil
}

func (s *Server) clearStaleSocket() error {
	if _, err := os.Stat(s.endpoint); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat endpoint: %w", err)
	}

	conn, err := net.DialTimeout("unix", s.endpoint, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return ErrEndpointInUse
	}

	s.logger.Debug().Str("endpoint", s.endpoint).Msg("Removing stale socket")
	if err := os.Remove(s.endpoint); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// Stop refuses new work, waits for in-flight requests, tells clients the
// worker is going away and closes the socket.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	if s.server == nil {
		return nil
	}

	s.logger.Info().Msg("Shutting down worker channel")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.Broadcast("worker.shutdown", map[string]interface{}{
		"message": "Worker is shutting down",
	})

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	if rmErr := os.Remove(s.endpoint); rmErr != nil && !os.IsNotExist(rmErr) {
		s.logger.Warn().Err(rmErr).Msg("Failed to remove socket file")
	}
	if err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Worker channel stopped")
	return nil
}

// Broadcast sends an event to every connected client
func (s *Server) Broadcast(event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       s.seq.Add(1),
	}

	for _, client := range s.clients.GetAll() {
		if err := client.WriteJSON(msg); err != nil {
			s.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", event).
				Msg("Failed to broadcast to client")
		}
	}
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Worker is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		lastActivity: time.Now(),
	}
	s.clients.Add(client)

	s.logger.Debug().Str("clientId", clientID).Msg("Client connected")

	go s.handleClient(client)
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Debug().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		client.touch()
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		s.send(client, &Response{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	if s.shuttingDown() {
		s.send(client, &Response{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   &RPCError{Code: ShuttingDown, Message: "worker is shutting down"},
		})
		return
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()

		ctx := tracing.WithRequestID(context.Background(), req.ID)
		if req.TraceID != "" {
			ctx = tracing.WithTraceID(ctx, req.TraceID)
		}
		ctx, span := tracing.StartSpan(ctx, "ipc."+req.Method,
			attribute.String("client_id", client.ID),
		)

		response := s.router.Route(ctx, req)

		var spanErr error
		if response.Error != nil {
			spanErr = response.Error
		}
		tracing.EndSpan(span, spanErr)
		observability.RecordIPCRequest(req.Method, response.Error == nil)

		s.send(client, response)
	}()
}

func (s *Server) send(client *Client, response *Response) {
	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Str("requestId", response.ID).
			Msg("Failed to send response")
	}
}
