// Package worker runs the process that owns a session: it starts detached
// workers, and inside one it serves the loaded session over the channel,
// saves it periodically and on shutdown, then gives up the lock.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/solo/internal/observability"
	"github.com/harun/solo/internal/tracing"
	"github.com/harun/solo/pkg/coordinator"
	"github.com/harun/solo/pkg/eventhandler"
	"github.com/harun/solo/pkg/ipc"
	"github.com/harun/solo/pkg/session"
	"github.com/harun/solo/pkg/shutdown"
	"github.com/rs/zerolog"
)

// ErrStopped is returned by Start on a runtime that already stopped
var ErrStopped = errors.New("worker stopped")

// RuntimeConfig wires a Runtime
type RuntimeConfig struct {
	Coordinator *coordinator.Coordinator
	Store       *session.Store
	Handlers    *eventhandler.Registry

	// EventHandler is recorded in sessions this worker creates
	EventHandler string

	// SaveSchedule is a cron expression; empty disables periodic saves
	SaveSchedule string

	// ConfigPath is watched for schedule changes, re-read with ScheduleLoader
	ConfigPath     string
	ScheduleLoader func() (string, error)

	// Shutdown receives the final-save hook. Defaults to shutdown.Default.
	Shutdown *shutdown.Registry

	ShutdownTimeout time.Duration

	Logger zerolog.Logger
}

// Runtime serves one loaded session until stopped
type Runtime struct {
	cfg      RuntimeConfig
	paths    session.Paths
	shutdown *shutdown.Registry
	logger   zerolog.Logger

	mu     sync.RWMutex
	state  *session.State
	dirty  bool
	saveMu sync.Mutex

	// startMu covers startup and the fields it publishes. Stop takes it, so
	// a stop requested mid-startup waits for startup to finish.
	startMu   sync.Mutex
	stopping  bool
	release   func() error
	server    *ipc.Server
	scheduler *SaveScheduler
	watcher   *Watcher
	hookID    int
	startedAt time.Time

	pid *PIDFile

	started  atomic.Bool
	discard  atomic.Bool
	stopOnce sync.Once
	stopErr  error
	ready    chan struct{}
	done     chan struct{}
}

// NewRuntime creates a runtime
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if err := ParseSchedule(cfg.SaveSchedule); err != nil {
		return nil, err
	}
	if cfg.Handlers == nil {
		cfg.Handlers = eventhandler.NewRegistry(cfg.Logger)
	}
	reg := cfg.Shutdown
	if reg == nil {
		reg = shutdown.Default
	}

	paths := cfg.Store.Paths()
	return &Runtime{
		cfg:      cfg,
		paths:    paths,
		shutdown: reg,
		logger:   cfg.Logger.With().Str("component", "worker").Str("session", paths.Name()).Logger(),
		pid:      NewPIDFile(paths.PIDPath()),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Run takes ownership of the session and serves it until ctx is cancelled or
// the worker is asked to stop. A busy session is refused rather than waited on.
func (r *Runtime) Run(ctx context.Context) error {
	if r.cfg.Coordinator == nil {
		return fmt.Errorf("coordinator is required")
	}

	res, err := r.cfg.Coordinator.Coordinate(ctx, coordinator.Options{ForceFull: true, NoWait: true})
	if err != nil {
		if errors.Is(err, coordinator.ErrSessionBusy) {
			r.logger.Warn().Msg("Session already has a worker, exiting")
		}
		return err
	}

	if err := r.Adopt(ctx, res); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return r.Stop()
	case <-r.done:
		return r.stopErr
	}
}

// Adopt starts serving the session a coordination handed to this process. A
// fresh result gets a new session bound to the configured event handler.
func (r *Runtime) Adopt(ctx context.Context, res *coordinator.Result) error {
	var st *session.State
	switch res.Outcome() {
	case coordinator.OutcomeFresh:
		st = session.NewState(r.paths.Name())
		st.EventHandler = r.cfg.EventHandler
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
	case coordinator.OutcomeWorker:
		st = res.State
	default:
		_ = res.Conn.Close()
		return fmt.Errorf("unexpected coordination outcome %s", res.Outcome())
	}
	return r.Start(ctx, st, res.Release)
}

// Start serves st. release gives up the session lock and is called by Stop,
// or right away when the runtime already stopped.
func (r *Runtime) Start(ctx context.Context, st *session.State, release func() error) error {
	if st == nil {
		return fmt.Errorf("session state is required")
	}

	r.startMu.Lock()
	if r.stopping {
		r.startMu.Unlock()
		if release != nil {
			_ = release()
		}
		return ErrStopped
	}
	if !r.started.CompareAndSwap(false, true) {
		r.startMu.Unlock()
		return fmt.Errorf("worker already started")
	}

	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
	r.release = release
	r.startedAt = time.Now()

	// Registered first so a signal during startup still saves and unlocks.
	r.hookID = r.shutdown.Add(func() { _ = r.Stop() })

	err := r.start(ctx)
	if err == nil {
		observability.SetWorkerActive(true)
	}
	r.startMu.Unlock()
	if err != nil {
		r.logger.Error().Err(err).Msg("Worker failed to start")
		_ = r.Stop()
		return err
	}

	r.logger.Info().
		Str("endpoint", r.server.Endpoint()).
		Str("schedule", r.scheduler.Spec()).
		Msg("Worker serving session")

	r.dispatch(ctx, "session.loaded", map[string]interface{}{"name": r.paths.Name()})
	close(r.ready)
	return nil
}

func (r *Runtime) start(ctx context.Context) error {
	if err := r.pid.Write(); err != nil {
		return err
	}

	if err := r.Save(ctx); err != nil {
		return fmt.Errorf("initial save: %w", err)
	}

	router := ipc.NewRouter()
	if err := r.registerMethods(router); err != nil {
		return err
	}

	server, err := ipc.NewServer(ipc.ServerConfig{
		Endpoint:        r.paths.IPCPath(),
		Router:          router,
		ShutdownTimeout: r.cfg.ShutdownTimeout,
		Logger:          r.cfg.Logger,
	})
	if err != nil {
		return err
	}
	r.server = server
	if err := server.Start(); err != nil {
		return err
	}

	scheduler, err := NewSaveScheduler(r.cfg.SaveSchedule, r.scheduledSave, r.logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	r.scheduler = scheduler

	watcher, err := NewWatcher(WatcherConfig{
		SessionPath:      r.paths.SessionPath(),
		ConfigPath:       r.cfg.ConfigPath,
		OnSessionRemoved: func() { go r.abandon() },
		OnConfigChanged:  r.reloadSchedule,
		Logger:           r.logger,
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	r.watcher = watcher
	return nil
}

// Ready is closed once Start has brought the worker up. It stays open when
// startup fails or the runtime stopped first.
func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

// Done is closed once the runtime has stopped
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Endpoint returns the channel endpoint
func (r *Runtime) Endpoint() string {
	return r.paths.IPCPath()
}

// State returns a copy of the served session, nil before Start
func (r *Runtime) State() *session.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == nil {
		return nil
	}
	return cloneState(r.state)
}

// Dirty reports whether the session changed since the last save
func (r *Runtime) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

// Save writes the session now
func (r *Runtime) Save(ctx context.Context) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	if r.discard.Load() {
		return nil
	}

	r.mu.Lock()
	if r.state == nil {
		r.mu.Unlock()
		return nil
	}
	snapshot := cloneState(r.state)
	r.dirty = false
	r.mu.Unlock()

	if err := r.cfg.Store.Save(ctx, snapshot); err != nil {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.state.UpdatedAt = snapshot.UpdatedAt
	r.mu.Unlock()
	return nil
}

func (r *Runtime) scheduledSave() {
	if !r.Dirty() {
		return
	}
	ctx := tracing.WithSessionKey(context.Background(), r.paths.Name())
	if err := r.Save(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Scheduled save failed")
		return
	}
	r.logger.Debug().Msg("Scheduled save complete")
	if r.server != nil {
		r.server.Broadcast("session.saved", map[string]interface{}{"name": r.paths.Name()})
	}
}

func (r *Runtime) reloadSchedule() {
	if r.cfg.ScheduleLoader == nil || r.scheduler == nil {
		return
	}
	spec, err := r.cfg.ScheduleLoader()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to reload save schedule, keeping current one")
		return
	}
	if err := r.scheduler.Reschedule(spec); err != nil {
		r.logger.Warn().Err(err).Msg("Ignoring invalid save schedule")
	}
}

// abandon stops without saving; the blob was removed from under the worker.
func (r *Runtime) abandon() {
	r.discard.Store(true)
	if err := r.Stop(); err != nil {
		r.logger.Error().Err(err).Msg("Worker stop failed")
	}
}

// Stop shuts the worker down: it stops accepting requests, saves the session
// one last time and releases the lock. Safe to call more than once.
func (r *Runtime) Stop() error {
	r.stopOnce.Do(func() {
		r.startMu.Lock()
		r.stopping = true
		hookID, release, startedAt := r.hookID, r.release, r.startedAt
		server, scheduler, watcher := r.server, r.scheduler, r.watcher
		r.startMu.Unlock()

		if hookID != 0 {
			r.shutdown.Remove(hookID)
		}

		var errs []error
		if scheduler != nil {
			scheduler.Stop()
		}
		if watcher != nil {
			if err := watcher.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if server != nil {
			if err := server.Stop(); err != nil {
				errs = append(errs, err)
			}
		}

		if r.Dirty() {
			ctx := tracing.WithSessionKey(context.Background(), r.paths.Name())
			if err := r.Save(ctx); err != nil {
				errs = append(errs, fmt.Errorf("final save: %w", err))
			}
		}

		if err := r.pid.Remove(); err != nil {
			errs = append(errs, err)
		}
		if release != nil {
			if err := release(); err != nil {
				errs = append(errs, fmt.Errorf("release lock: %w", err))
			}
		}

		observability.SetWorkerActive(false)
		r.stopErr = errors.Join(errs...)

		if !startedAt.IsZero() {
			outcome := "saved"
			if r.discard.Load() {
				outcome = "discarded"
			}
			observability.Audit().Ownership(context.Background(), observability.OwnershipRecord{
				Session: r.paths.Name(),
				Action:  observability.ActionRelease,
				Outcome: outcome,
				Held:    time.Since(startedAt),
				Err:     r.stopErr,
			})
		}
		if r.stopErr != nil {
			r.logger.Error().Err(r.stopErr).Msg("Worker stopped with errors")
		} else {
			r.logger.Info().Bool("discarded", r.discard.Load()).Msg("Worker stopped")
		}
		close(r.done)
	})
	return r.stopErr
}

func (r *Runtime) dispatch(ctx context.Context, name string, data map[string]interface{}) {
	if err := r.dispatchEvent(ctx, name, data); err != nil {
		r.logger.Warn().Err(err).Str("event", name).Msg("Event handler failed")
	}
}

// dispatchEvent hands an event to the session's handler. Sessions without a
// handler ignore events.
func (r *Runtime) dispatchEvent(ctx context.Context, name string, data map[string]interface{}) error {
	r.mu.RLock()
	handler := ""
	if r.state != nil {
		handler = r.state.EventHandler
	}
	r.mu.RUnlock()

	if handler == "" {
		return nil
	}
	event := eventhandler.Event{Name: name, Session: r.paths.Name(), Data: data, At: time.Now().UTC()}
	return r.cfg.Handlers.Dispatch(ctx, handler, event)
}

func cloneState(st *session.State) *session.State {
	c := *st
	if st.AuthKeys != nil {
		c.AuthKeys = make(map[string]*session.BigInt, len(st.AuthKeys))
		for k, v := range st.AuthKeys {
			c.AuthKeys[k] = v
		}
	}
	if st.Buttons != nil {
		c.Buttons = append([]session.Button(nil), st.Buttons...)
	}
	if st.Data != nil {
		c.Data = make(map[string]string, len(st.Data))
		for k, v := range st.Data {
			c.Data[k] = v
		}
	}
	return &c
}
