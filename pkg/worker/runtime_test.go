package worker

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/harun/solo/pkg/coordinator"
	"github.com/harun/solo/pkg/eventhandler"
	"github.com/harun/solo/pkg/flock"
	"github.com/harun/solo/pkg/ipc"
	"github.com/harun/solo/pkg/legacy"
	"github.com/harun/solo/pkg/session"
	"github.com/harun/solo/pkg/shutdown"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noBootstrap struct{}

func (noBootstrap) Bootstrap(ctx context.Context, paths session.Paths) error {
	return nil
}

type runtimeFixture struct {
	t        *testing.T
	paths    session.Paths
	store    *session.Store
	shutdown *shutdown.Registry
	handlers *eventhandler.Registry
}

func newRuntimeFixture(t *testing.T) *runtimeFixture {
	t.Helper()

	root, err := os.MkdirTemp("", "worker")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	paths, err := session.NewPaths(root, "bot")
	require.NoError(t, err)

	nop := zerolog.Nop()
	return &runtimeFixture{
		t:        t,
		paths:    paths,
		store:    session.NewStore(paths, session.StoreOptions{Logger: &nop}),
		shutdown: shutdown.New(nop),
		handlers: eventhandler.NewRegistry(nop),
	}
}

func (f *runtimeFixture) runtime(mutate ...func(*RuntimeConfig)) *Runtime {
	f.t.Helper()
	nop := zerolog.Nop()

	coord, err := coordinator.New(coordinator.Config{
		Store:        f.store,
		Connector:    ipc.NewConnector(ipc.NewWebSocketTransport(nop), nop),
		Bootstrapper: noBootstrap{},
		Migrator:     legacy.NewMigrator(&nop),
		Shutdown:     f.shutdown,
		PollInterval: 5 * time.Millisecond,
		Logger:       nop,
	})
	require.NoError(f.t, err)

	cfg := RuntimeConfig{
		Coordinator:     coord,
		Store:           f.store,
		Handlers:        f.handlers,
		Shutdown:        f.shutdown,
		ShutdownTimeout: time.Second,
		Logger:          nop,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	rt, err := NewRuntime(cfg)
	require.NoError(f.t, err)
	return rt
}

// serve runs rt in the background and returns a connection to it
func (f *runtimeFixture) serve(rt *Runtime) (ipc.Connection, context.CancelFunc, <-chan error) {
	f.t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(ctx) }()
	f.t.Cleanup(func() {
		cancel()
		<-rt.Done()
	})

	var conn ipc.Connection
	require.Eventually(f.t, func() bool {
		c, err := ipc.Dial(context.Background(), rt.Endpoint(), zerolog.Nop())
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 10*time.Millisecond)
	f.t.Cleanup(func() { conn.Close() })

	select {
	case <-rt.Ready():
	case <-time.After(5 * time.Second):
		f.t.Fatal("worker did not finish starting")
	}

	return conn, cancel, errCh
}

func call(t *testing.T, conn ipc.Connection, method string, params map[string]interface{}) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	require.NoError(t, conn.Call(context.Background(), method, params, &result))
	return result
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func TestRuntime_FreshSessionServedAndSaved(t *testing.T) {
	f := newRuntimeFixture(t)
	rt := f.runtime()
	conn, cancel, errCh := f.serve(rt)

	ping := call(t, conn, MethodPing, nil)
	assert.Equal(t, "bot", ping["name"])
	assert.EqualValues(t, os.Getpid(), ping["pid"])

	running := NewPIDFile(f.paths.PIDPath())
	assert.True(t, running.IsRunning())

	call(t, conn, MethodSet, map[string]interface{}{"key": "greeting", "value": "hello"})
	got := call(t, conn, MethodGet, map[string]interface{}{"key": "greeting"})
	assert.Equal(t, "hello", got["value"])
	assert.Equal(t, true, got["found"])

	info := call(t, conn, MethodInfo, nil)
	assert.Equal(t, true, info["dirty"])
	assert.EqualValues(t, 1, info["keys"])

	cancel()
	require.NoError(t, waitErr(t, errCh))

	st, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", st.Data["greeting"])

	_, err = os.Stat(f.paths.PIDPath())
	assert.True(t, os.IsNotExist(err))

	h, err := flock.TryAcquire(f.paths.LockPath())
	require.NoError(t, err)
	require.NotNil(t, h, "lock must be released")
	require.NoError(t, h.Release())
}

func TestRuntime_LoadsExistingSession(t *testing.T) {
	f := newRuntimeFixture(t)

	st := session.NewState("bot")
	st.Data["k"] = "v"
	require.NoError(t, f.store.Save(context.Background(), st))

	conn, _, _ := f.serve(f.runtime())

	got := call(t, conn, MethodGet, map[string]interface{}{"key": "k"})
	assert.Equal(t, "v", got["value"])

	deleted := call(t, conn, MethodDelete, map[string]interface{}{"key": "k"})
	assert.Equal(t, true, deleted["deleted"])

	missing := call(t, conn, MethodGet, map[string]interface{}{"key": "k"})
	assert.Equal(t, false, missing["found"])
}

func TestRuntime_RefusesBusySession(t *testing.T) {
	f := newRuntimeFixture(t)
	require.NoError(t, f.paths.EnsureDir())

	h, err := flock.TryAcquire(f.paths.LockPath())
	require.NoError(t, err)
	require.NotNil(t, h)
	defer h.Release()

	err = f.runtime().Run(context.Background())
	assert.ErrorIs(t, err, coordinator.ErrSessionBusy)
}

func TestRuntime_ShutdownMethod(t *testing.T) {
	f := newRuntimeFixture(t)
	rt := f.runtime()
	conn, _, errCh := f.serve(rt)

	call(t, conn, MethodSet, map[string]interface{}{"key": "a", "value": "1"})
	res := call(t, conn, MethodShutdown, nil)
	assert.Equal(t, true, res["stopping"])

	require.NoError(t, waitErr(t, errCh))

	st, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", st.Data["a"])
}

func TestRuntime_SaveMethodClearsDirty(t *testing.T) {
	f := newRuntimeFixture(t)
	rt := f.runtime()
	conn, _, _ := f.serve(rt)

	call(t, conn, MethodSet, map[string]interface{}{"key": "a", "value": "1"})
	assert.True(t, rt.Dirty())

	call(t, conn, MethodSave, nil)
	assert.False(t, rt.Dirty())

	st, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", st.Data["a"])
}

func TestRuntime_InvalidParams(t *testing.T) {
	f := newRuntimeFixture(t)
	conn, _, _ := f.serve(f.runtime())

	var result map[string]interface{}
	err := conn.Call(context.Background(), MethodSet, map[string]interface{}{"key": "a"}, &result)
	require.Error(t, err)

	var rpcErr *ipc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ipc.InvalidParams, rpcErr.Code)
}

func TestRuntime_ShutdownHookSaves(t *testing.T) {
	f := newRuntimeFixture(t)
	rt := f.runtime()
	conn, _, errCh := f.serve(rt)

	call(t, conn, MethodSet, map[string]interface{}{"key": "b", "value": "2"})
	assert.Equal(t, 1, f.shutdown.Len())

	f.shutdown.RunAll()
	require.NoError(t, waitErr(t, errCh))

	st, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2", st.Data["b"])
	assert.Equal(t, 0, f.shutdown.Len())
}

func TestRuntime_BlobRemovedStopsWithoutSaving(t *testing.T) {
	f := newRuntimeFixture(t)
	rt := f.runtime()
	conn, _, errCh := f.serve(rt)

	call(t, conn, MethodSet, map[string]interface{}{"key": "c", "value": "3"})
	require.NoError(t, os.Remove(f.paths.SessionPath()))

	require.NoError(t, waitErr(t, errCh))

	_, err := os.Stat(f.paths.SessionPath())
	assert.True(t, os.IsNotExist(err), "removed session must not be written back")
}

func TestRuntime_ScheduledSave(t *testing.T) {
	f := newRuntimeFixture(t)
	rt := f.runtime()
	conn, _, _ := f.serve(rt)

	call(t, conn, MethodSet, map[string]interface{}{"key": "d", "value": "4"})
	rt.scheduledSave()
	assert.False(t, rt.Dirty())

	st, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4", st.Data["d"])
}

func TestRuntime_ReloadSchedule(t *testing.T) {
	f := newRuntimeFixture(t)
	spec := "@every 1h"
	rt := f.runtime(func(cfg *RuntimeConfig) {
		cfg.SaveSchedule = "@every 30m"
		cfg.ScheduleLoader = func() (string, error) { return spec, nil }
	})
	f.serve(rt)

	assert.Equal(t, "@every 30m", rt.scheduler.Spec())
	rt.reloadSchedule()
	assert.Equal(t, "@every 1h", rt.scheduler.Spec())

	spec = "not a schedule"
	rt.reloadSchedule()
	assert.Equal(t, "@every 1h", rt.scheduler.Spec())
}

func TestRuntime_DispatchesEvents(t *testing.T) {
	f := newRuntimeFixture(t)

	var mu sync.Mutex
	var seen []string
	require.NoError(t, f.handlers.Register(eventhandler.Func("rec", func(ctx context.Context, event eventhandler.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.Name)
		return nil
	})))

	rt := f.runtime(func(cfg *RuntimeConfig) { cfg.EventHandler = "rec" })
	conn, _, _ := f.serve(rt)

	res := call(t, conn, MethodDispatch, map[string]interface{}{"event": "custom", "data": map[string]interface{}{"x": 1}})
	assert.Equal(t, "custom", res["dispatched"])

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.ElementsMatch(t, []string{"session.loaded", "custom"}, seen)
	mu.Unlock()
	assert.Equal(t, "rec", rt.State().EventHandler)
}

func TestRuntime_InvalidScheduleRejected(t *testing.T) {
	_, err := NewRuntime(RuntimeConfig{
		Store:        session.NewStore(session.Paths{}, session.StoreOptions{}),
		SaveSchedule: "every now and then",
	})
	assert.Error(t, err)
}

func TestRuntime_StopBeforeStart(t *testing.T) {
	f := newRuntimeFixture(t)
	rt := f.runtime()

	require.NoError(t, rt.Stop())
	assert.ErrorIs(t, rt.Start(context.Background(), session.NewState("bot"), nil), ErrStopped)
}

func TestRuntime_StopDuringStartReleasesEverything(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newRuntimeFixture(t)
		rt := f.runtime()
		require.NoError(t, f.paths.EnsureDir())

		h, err := flock.TryAcquire(f.paths.LockPath())
		require.NoError(t, err)
		require.NotNil(t, h)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i%5) * time.Millisecond)
			f.shutdown.RunAll()
		}()

		startErr := rt.Start(context.Background(), session.NewState("bot"), h.Release)
		if startErr != nil {
			assert.ErrorIs(t, startErr, ErrStopped)
		}
		wg.Wait()
		_ = rt.Stop()
		<-rt.Done()

		conn, err := ipc.Dial(context.Background(), rt.Endpoint(), zerolog.Nop())
		if err == nil {
			conn.Close()
		}
		assert.Error(t, err, "iteration %d: channel still served after stop", i)

		free, err := flock.TryAcquire(f.paths.LockPath())
		require.NoError(t, err)
		require.NotNil(t, free, "iteration %d: lock still held after stop", i)
		require.NoError(t, free.Release())
	}
}
