// Package coordinator decides, for one process, how it gets at a session:
// by creating it, by loading it and becoming its worker, or by connecting to
// the worker that already owns it.
//
// Lock acquisition races a speculative channel connect. Whichever finishes
// usefully first wins and the other is called off through a oneshot signal,
// so two processes starting together never both load the session.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/solo/internal/observability"
	"github.com/harun/solo/internal/tracing"
	"github.com/harun/solo/pkg/flock"
	"github.com/harun/solo/pkg/ipc"
	"github.com/harun/solo/pkg/oneshot"
	"github.com/harun/solo/pkg/session"
	"github.com/harun/solo/pkg/shutdown"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrMisconfiguredEventHandler means the session names an event handler
	// this process cannot run and no worker is reachable.
	ErrMisconfiguredEventHandler = errors.New("event handler configured but not running; cannot auto-start without its implementation")

	// ErrSessionBusy is returned with Options.NoWait when another process holds the lock.
	ErrSessionBusy = errors.New("session is busy")
)

// maxRestarts bounds how often a fresh-session claim restarts because a blob
// appeared while it waited for the lock.
const maxRestarts = 3

// Bootstrapper starts a detached worker for a session
type Bootstrapper interface {
	Bootstrap(ctx context.Context, paths session.Paths) error
}

// Migrator decodes legacy blobs
type Migrator interface {
	Migrate(ctx context.Context, raw []byte) (*session.State, error)
}

// Config wires a Coordinator to its collaborators
type Config struct {
	Store        *session.Store
	LightState   session.LightStateLoader
	Connector    *ipc.Connector
	Bootstrapper Bootstrapper
	Migrator     Migrator

	// HandlerAvailable reports whether an event handler can run in this process
	HandlerAvailable func(name string) bool

	// Shutdown receives the lock safety hook while a session is being loaded.
	// Defaults to shutdown.Default.
	Shutdown *shutdown.Registry

	PollInterval time.Duration
	BusyWarning  time.Duration
	BusyRepeat   time.Duration

	Logger zerolog.Logger
}

// Options tunes a single Coordinate call
type Options struct {
	// ForceFull loads the session in this process whenever the lock is won,
	// and skips the speculative connect.
	ForceFull bool

	// NoWait fails with ErrSessionBusy instead of waiting for a held lock.
	NoWait bool
}

// Coordinator runs the ownership state machine for one session
type Coordinator struct {
	cfg      Config
	paths    session.Paths
	shutdown *shutdown.Registry
	logger   zerolog.Logger
}

// New validates cfg and creates a Coordinator
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Connector == nil {
		return nil, fmt.Errorf("connector is required")
	}
	if cfg.Bootstrapper == nil {
		return nil, fmt.Errorf("bootstrapper is required")
	}
	if cfg.Migrator == nil {
		return nil, fmt.Errorf("migrator is required")
	}
	if cfg.LightState == nil {
		cfg.LightState = cfg.Store.LightStateLoader(cfg.HandlerAvailable)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = flock.DefaultPollInterval
	}

	reg := cfg.Shutdown
	if reg == nil {
		reg = shutdown.Default
	}

	paths := cfg.Store.Paths()
	return &Coordinator{
		cfg:      cfg,
		paths:    paths,
		shutdown: reg,
		logger:   cfg.Logger.With().Str("component", "coordinator").Str("session", paths.Name()).Logger(),
	}, nil
}

// Paths returns the coordinated session's paths
func (c *Coordinator) Paths() session.Paths {
	return c.paths
}

// Coordinate obtains the session. See Result.Outcome for the three shapes a
// successful result can take.
func (c *Coordinator) Coordinate(ctx context.Context, opts Options) (result *Result, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, c.paths.Name())
	ctx, span := tracing.StartSpan(ctx, "coordinator.coordinate",
		attribute.Bool("force_full", opts.ForceFull),
		attribute.Bool("no_wait", opts.NoWait),
	)

	r := &run{c: c, opts: opts, result: &Result{}}
	r.logger = tracing.LoggerFromContext(ctx, c.logger)

	defer func() {
		tracing.EndSpan(span, err)
		outcome := "error"
		if err == nil {
			outcome = string(result.Outcome())
		}
		observability.RecordOutcome(outcome)
		phases := make([]string, len(r.result.Phases))
		for i, p := range r.result.Phases {
			phases[i] = string(p)
		}
		observability.Audit().Ownership(ctx, observability.OwnershipRecord{
			Session: c.paths.Name(),
			Action:  observability.ActionCoordinate,
			Outcome: outcome,
			Format:  r.result.Format,
			Phases:  phases,
			Err:     err,
		})
	}()

	if err := c.paths.EnsureDir(); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		res, restart, err := r.once(ctx)
		if err != nil {
			return nil, err
		}
		if !restart {
			return res, nil
		}
		if attempt+1 >= maxRestarts {
			return nil, fmt.Errorf("session %s kept changing while waiting for its lock", c.paths.Name())
		}
	}
}

// run holds the state of one Coordinate call
type run struct {
	c      *Coordinator
	opts   Options
	result *Result
	logger zerolog.Logger
}

func (r *run) enter(phase Phase) {
	r.result.Phase = phase
	r.result.Phases = append(r.result.Phases, phase)
	observability.RecordPhase(string(phase))
	r.logger.Debug().Str("phase", string(phase)).Msg("Coordinator phase")
}

func (r *run) once(ctx context.Context) (*Result, bool, error) {
	r.enter(PhaseStart)

	store := r.c.cfg.Store
	hasCurrent, err := store.HasCurrent()
	if err != nil {
		return nil, false, fmt.Errorf("probe session blob: %w", err)
	}
	hasLegacy := false
	if !hasCurrent {
		if hasLegacy, err = store.HasLegacy(); err != nil {
			return nil, false, fmt.Errorf("probe legacy blob: %w", err)
		}
	}

	switch {
	case hasCurrent:
		r.result.Format = FormatCurrent
		r.enter(PhaseHaveCurrentFormat)
	case hasLegacy:
		r.result.Format = FormatLegacy
		r.enter(PhaseHaveLegacyFormat)
	default:
		r.result.Format = FormatNone
		r.enter(PhaseNoSessionYet)
		return r.claimFresh(ctx)
	}

	res, err := r.compete(ctx)
	return res, false, err
}

// claimFresh takes the lock without racing anything. If a blob shows up
// while waiting, the lock is dropped and coordination restarts.
func (r *run) claimFresh(ctx context.Context) (*Result, bool, error) {
	lockPath := r.c.paths.LockPath()

	var h *flock.Handle
	var err error
	if r.opts.NoWait {
		h, err = flock.TryAcquire(lockPath)
		if err == nil && h == nil {
			err = ErrSessionBusy
		}
	} else {
		stopWarn := make(chan struct{})
		var wg conc.WaitGroup
		h, err = flock.Acquire(ctx, lockPath, flock.Options{
			PollInterval: r.c.cfg.PollInterval,
			OnWaitStart: func() {
				wg.Go(func() { r.warnWhileBusy(stopWarn) })
			},
		})
		close(stopWarn)
		wg.Wait()
	}
	if err != nil {
		return nil, false, err
	}

	current, _ := r.c.cfg.Store.HasCurrent()
	legacy, _ := r.c.cfg.Store.HasLegacy()
	if current || legacy {
		r.logger.Debug().Msg("Session appeared while waiting for the lock, starting over")
		if err := h.Release(); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	r.result.Release = h.Release
	r.enter(PhaseDone)
	return r.result, false, nil
}

// race is the speculative work started when the lock turns out to be held
type race struct {
	started  bool
	connDone chan struct{}
	conn     ipc.Connection
	connErr  error

	mu    sync.Mutex
	light *session.LightState

	useless bool
}

func (rc *race) lightState() *session.LightState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.light
}

func (rc *race) setLight(ls session.LightState, useless bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.light = &ls
	rc.useless = useless
}

func (rc *race) handlerName() string {
	if ls := rc.lightState(); ls != nil {
		return ls.EventHandler
	}
	return ""
}

func (rc *race) isUseless() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.useless
}

// await returns whatever the speculative connect produced, waiting for it to
// finish. It returns nil when no connect was started.
func (rc *race) await() (ipc.Connection, error) {
	if !rc.started {
		return nil, nil
	}
	<-rc.connDone
	return rc.conn, rc.connErr
}

func (r *run) compete(ctx context.Context) (*Result, error) {
	c := r.c
	endpoint := c.paths.IPCPath()

	lockCancel := oneshot.New[bool]()
	ipcCancel := oneshot.New[error]()
	ipcWon := oneshot.New[bool]()
	ipcWon.Subscribe(func(bool) { lockCancel.Resolve(true) })

	raceCtx, stopRace := context.WithCancel(ctx)
	rc := &race{connDone: make(chan struct{})}
	stopWarn := make(chan struct{})

	var wg conc.WaitGroup
	defer func() {
		stopRace()
		wg.Wait()
	}()

	onWaitStart := func() {
		if r.opts.NoWait {
			lockCancel.Resolve(true)
			return
		}

		wg.Go(func() { r.warnWhileBusy(stopWarn) })

		if r.opts.ForceFull {
			return
		}

		rc.started = true
		wg.Go(func() {
			defer close(rc.connDone)
			rc.conn, rc.connErr = c.cfg.Connector.Connect(raceCtx, endpoint, ipcCancel, ipcWon)
		})
		wg.Go(func() {
			ls, err := c.cfg.LightState.LoadLightState(raceCtx)
			if err != nil {
				r.logger.Debug().Err(err).Msg("Light state unavailable during lock wait")
				return
			}
			rc.setLight(ls, !ls.CanStartIPC)
			if !ls.CanStartIPC {
				lockCancel.Resolve(true)
			}
		})
	}

	r.enter(PhaseAwaitingLock)
	h, err := flock.Acquire(ctx, c.paths.LockPath(), flock.Options{
		OnWaitStart:  onWaitStart,
		Cancel:       lockCancel,
		PollInterval: c.cfg.PollInterval,
	})
	close(stopWarn)

	if errors.Is(err, flock.ErrCancelled) {
		r.enter(PhaseLockCancelled)
		if r.opts.NoWait {
			return nil, ErrSessionBusy
		}
		conn, connErr := rc.await()
		if conn == nil {
			if rc.isUseless() {
				return nil, r.misconfigured(rc.handlerName(), connErr)
			}
			return nil, fmt.Errorf("lock wait called off but no worker answered: %w", connErr)
		}
		r.result.Conn = conn
		r.enter(PhaseDone)
		return r.result, nil
	}
	if err != nil {
		return nil, err
	}

	if rc.isUseless() {
		r.enter(PhaseLockHeldUseless)
		if err := h.Release(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to release useless lock")
		}
		return r.clientOrMisconfigured(ctx, rc, rc.handlerName())
	}

	r.enter(PhaseLockHeldUsable)

	light := rc.lightState()
	if light == nil {
		ls, err := c.cfg.LightState.LoadLightState(ctx)
		if err != nil {
			r.logger.Debug().Err(err).Msg("Light state unavailable, loading the session in process")
		} else {
			light = &ls
		}
	}

	if light != nil && !r.opts.ForceFull {
		switch {
		case !light.HasEventHandler() && light.CanStartIPC:
			if err := h.Release(); err != nil {
				return nil, fmt.Errorf("release lock before bootstrap: %w", err)
			}
			return r.bootstrapAndConnect(ctx, rc, ipcCancel)

		case light.HasEventHandler() && !r.handlerAvailable(light.EventHandler):
			if err := h.Release(); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to release lock")
			}
			return r.clientOrMisconfigured(ctx, rc, light.EventHandler)
		}
	}

	// This process becomes the worker; the speculative connect is no longer wanted.
	stopRace()
	if conn, _ := rc.await(); conn != nil {
		_ = conn.Close()
	}

	return r.deserialize(ctx, h)
}

func (r *run) handlerAvailable(name string) bool {
	return r.c.cfg.HandlerAvailable != nil && r.c.cfg.HandlerAvailable(name)
}

// bootstrapAndConnect starts a detached worker and returns a channel to it.
// The bootstrap result is fed to the connector: an error stops it, success
// makes it retry at once.
func (r *run) bootstrapAndConnect(ctx context.Context, rc *race, ipcCancel *oneshot.Signal[error]) (*Result, error) {
	c := r.c

	bootErr := c.cfg.Bootstrapper.Bootstrap(ctx, c.paths)
	observability.RecordWorkerBootstrap(bootErr == nil)
	if bootErr != nil {
		r.logger.Error().Err(bootErr).Msg("Failed to start worker")
		ipcCancel.Resolve(fmt.Errorf("worker bootstrap failed: %w", bootErr))
	} else {
		r.logger.Info().Msg("Started detached worker")
		ipcCancel.Resolve(nil)
	}

	var conn ipc.Connection
	var err error
	if rc.started {
		conn, err = rc.await()
	} else {
		conn, err = c.cfg.Connector.Connect(ctx, c.paths.IPCPath(), ipcCancel, nil)
	}
	if err != nil {
		return nil, err
	}

	r.result.Conn = conn
	r.enter(PhaseDone)
	return r.result, nil
}

// clientOrMisconfigured returns the speculative connection if one exists.
// Without one, a single direct attempt is made before giving up.
func (r *run) clientOrMisconfigured(ctx context.Context, rc *race, handler string) (*Result, error) {
	var conn ipc.Connection
	var err error
	if rc.started {
		conn, err = rc.await()
	} else {
		conn, err = r.c.cfg.Connector.Transport.Connect(ctx, r.c.paths.IPCPath())
	}
	if conn == nil {
		return nil, r.misconfigured(handler, err)
	}

	r.logger.Warn().Msg("Session event handler is not available here; using the running worker")
	r.result.Conn = conn
	r.enter(PhaseDone)
	return r.result, nil
}

func (r *run) misconfigured(handler string, connErr error) error {
	r.logger.Error().
		Str("event_handler", handler).
		Msg("Event handler configured but not running; cannot auto-start without its implementation")
	if connErr != nil {
		return fmt.Errorf("%w (handler %q): %v", ErrMisconfiguredEventHandler, handler, connErr)
	}
	return fmt.Errorf("%w (handler %q)", ErrMisconfiguredEventHandler, handler)
}

// deserialize loads the session while holding h. A safety hook releases the
// lock if the process exits or the load fails or panics; on success the hook
// is dropped and the release moves to the result.
func (r *run) deserialize(ctx context.Context, h *flock.Handle) (*Result, error) {
	c := r.c
	r.enter(PhaseDeserializing)

	hookID := c.shutdown.Add(func() {
		if err := h.Release(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to release session lock from safety hook")
		}
	})

	st, err := r.load(ctx, hookID)
	if err == nil && st == nil {
		err = fmt.Errorf("%w: decoder returned no session", session.ErrCorruptSession)
	}
	if err != nil {
		r.enter(PhaseDeserializeFailed)
		c.shutdown.Fire(hookID)
		return nil, err
	}

	r.enter(PhaseDeserialized)
	c.shutdown.Remove(hookID)

	r.result.State = st
	r.result.Release = h.Release
	r.enter(PhaseDone)
	return r.result, nil
}

func (r *run) load(ctx context.Context, hookID int) (st *session.State, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.enter(PhaseDeserializeFailed)
			r.c.shutdown.Fire(hookID)
			panic(p)
		}
	}()

	ctx, span := tracing.StartSpan(ctx, "coordinator.deserialize", attribute.String("format", r.result.Format))
	defer func() { tracing.EndSpan(span, err) }()

	store := r.c.cfg.Store
	switch r.result.Format {
	case FormatCurrent:
		start := time.Now()
		st, err = store.Load(ctx)
		if err == nil {
			observability.RecordSessionLoad(FormatCurrent, time.Since(start))
		}
		return st, err
	case FormatLegacy:
		var raw []byte
		if raw, err = store.ReadLegacy(); err != nil {
			return nil, fmt.Errorf("failed to read legacy blob: %w", err)
		}
		return r.c.cfg.Migrator.Migrate(ctx, raw)
	default:
		return nil, fmt.Errorf("no session blob to load")
	}
}

// warnWhileBusy logs once after BusyWarning and then every BusyRepeat until stop closes.
func (r *run) warnWhileBusy(stop <-chan struct{}) {
	first := r.c.cfg.BusyWarning
	if first <= 0 {
		return
	}

	start := time.Now()
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			r.logger.Warn().
				Dur("waited", time.Since(start)).
				Str("lock", r.c.paths.LockPath()).
				Msg("Session is busy, still waiting for its lock")
			if r.c.cfg.BusyRepeat <= 0 {
				return
			}
			timer.Reset(r.c.cfg.BusyRepeat)
		}
	}
}
