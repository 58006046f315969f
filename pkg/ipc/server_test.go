package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/solo/pkg/oneshot"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// socketPath returns a short path; unix socket paths are limited to ~104 bytes.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "w.sock")
}

func startServer(t *testing.T) *Server {
	t.Helper()

	router := NewRouter()
	require.NoError(t, router.RegisterMethod("session.ping", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"pong": true}, nil
	}))
	require.NoError(t, router.RegisterMethod("echo", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return StringParam(params, "text")
	}))

	srv, err := NewServer(ServerConfig{
		Endpoint:        socketPath(t),
		Router:          router,
		ShutdownTimeout: time.Second,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func TestNewServer_RequiresEndpoint(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestServer_CallRoundTrip(t *testing.T) {
	srv := startServer(t)

	conn, err := Dial(context.Background(), srv.Endpoint(), zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()

	var pong struct {
		Pong bool `json:"pong"`
	}
	require.NoError(t, conn.Call(context.Background(), "session.ping", nil, &pong))
	assert.True(t, pong.Pong)

	var text string
	require.NoError(t, conn.Call(context.Background(), "echo", map[string]interface{}{"text": "hello"}, &text))
	assert.Equal(t, "hello", text)
}

func TestServer_CallErrors(t *testing.T) {
	srv := startServer(t)

	conn, err := Dial(context.Background(), srv.Endpoint(), zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Call(context.Background(), "missing.method", nil, nil)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, MethodNotFound, rpcErr.Code)

	err = conn.Call(context.Background(), "echo", map[string]interface{}{"text": 42}, nil)
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, InvalidParams, rpcErr.Code)
}

func TestServer_ConcurrentCalls(t *testing.T) {
	srv := startServer(t)

	conn, err := Dial(context.Background(), srv.Endpoint(), zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var text string
			assert.NoError(t, conn.Call(context.Background(), "echo", map[string]interface{}{"text": "x"}, &text))
			assert.Equal(t, "x", text)
		}()
	}
	wg.Wait()
}

func TestServer_BroadcastReachesClients(t *testing.T) {
	srv := startServer(t)

	events := make(chan EventMessage, 4)
	transport := NewWebSocketTransport(zerolog.Nop())
	transport.OnEvent = func(ev EventMessage) { events <- ev }

	conn, err := transport.Connect(context.Background(), srv.Endpoint())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.Clients() == 1 }, time.Second, 5*time.Millisecond)

	srv.Broadcast("session.saved", map[string]interface{}{"name": "default"})

	select {
	case ev := <-events:
		assert.Equal(t, "session.saved", ev.Event)
		assert.Equal(t, int64(1), ev.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestServer_StopClosesConnections(t *testing.T) {
	srv := startServer(t)

	conn, err := Dial(context.Background(), srv.Endpoint(), zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop(), "second stop is a no-op")

	err = conn.Call(context.Background(), "session.ping", nil, nil)
	assert.Error(t, err)

	_, statErr := os.Stat(srv.Endpoint())
	assert.True(t, os.IsNotExist(statErr), "socket file should be removed")
}

func TestServer_StartRemovesStaleSocket(t *testing.T) {
	path := socketPath(t)

	// Leave a socket file behind with nobody listening.
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())
	_, err = os.Stat(path)
	require.NoError(t, err)

	srv, err := NewServer(ServerConfig{Endpoint: path, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	conn, err := Dial(context.Background(), path, zerolog.Nop())
	require.NoError(t, err)
	_ = conn.Close()
}

func TestServer_StartRefusesLiveEndpoint(t *testing.T) {
	srv := startServer(t)

	other, err := NewServer(ServerConfig{Endpoint: srv.Endpoint(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.ErrorIs(t, other.Start(), ErrEndpointInUse)
}

func TestWebSocketTransport_MissingEndpoint(t *testing.T) {
	_, err := Dial(context.Background(), filepath.Join(t.TempDir(), "none.sock"), zerolog.Nop())
	assert.Error(t, err)
}

func TestConnector_ReachesLateWorker(t *testing.T) {
	path := socketPath(t)

	c := NewConnector(NewWebSocketTransport(zerolog.Nop()), zerolog.Nop())
	c.RetryInterval = 20 * time.Millisecond

	type result struct {
		conn Connection
		err  error
	}
	onSuccess := oneshot.New[bool]()
	done := make(chan result, 1)
	go func() {
		conn, err := c.Connect(context.Background(), path, nil, onSuccess)
		done <- result{conn, err}
	}()

	time.Sleep(50 * time.Millisecond)
	srv, err := NewServer(ServerConfig{Endpoint: path, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		defer r.conn.Close()
		assert.True(t, onSuccess.IsResolved())
	case <-time.After(5 * time.Second):
		t.Fatal("connector never reached the worker")
	}
}
