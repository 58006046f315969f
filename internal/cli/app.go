package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/solo/internal/config"
	"github.com/harun/solo/internal/logger"
	"github.com/harun/solo/internal/observability"
	"github.com/harun/solo/internal/tracing"
	"github.com/harun/solo/pkg/blobstore"
	"github.com/harun/solo/pkg/coordinator"
	"github.com/harun/solo/pkg/eventhandler"
	"github.com/harun/solo/pkg/ipc"
	"github.com/harun/solo/pkg/legacy"
	"github.com/harun/solo/pkg/session"
	"github.com/harun/solo/pkg/shutdown"
	"github.com/harun/solo/pkg/worker"
	"github.com/rs/zerolog"
)

// app is everything a command needs to reach one session
type app struct {
	cfg        *config.Config
	configPath string
	log        *logger.Logger
	logger     zerolog.Logger
	paths      session.Paths
	payloads   *blobstore.Store
	store      *session.Store
	handlers   *eventhandler.Registry
	transport  *ipc.WebSocketTransport
	connector  *ipc.Connector
}

// newApp loads config, applies the global flag overrides and wires the
// session stack. role tags every log entry.
func newApp(ctx context.Context, role string, console bool) (*app, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	if rootDir != "" {
		relocate(cfg, rootDir)
	}
	if sessionName != "" {
		cfg.Session.Name = sessionName
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    cfg.Logging.Pretty && role != "worker",
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Role:      role,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{
		cfg:        cfg,
		configPath: loader.GetConfigPath(),
		log:        log,
		logger:     log.GetZerolog(),
	}
	shutdown.Default.SetLogger(log.Component("shutdown"))

	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// relocate moves the data directory, carrying along the paths the loader
// derived from it.
func relocate(cfg *config.Config, dir string) {
	old := cfg.DataDir
	cfg.DataDir = dir
	if cfg.Storage.DSN == filepath.Join(old, "payloads.db") {
		cfg.Storage.DSN = filepath.Join(dir, "payloads.db")
	}
	if cfg.Logging.File == filepath.Join(old, "solo.log") {
		cfg.Logging.File = filepath.Join(dir, "solo.log")
	}
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to initialize tracing")
		}
	}
	if err := observability.OpenAuditLog(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to open audit log")
	}

	paths, err := session.NewPaths(cfg.DataDir, cfg.Session.Name)
	if err != nil {
		return err
	}
	a.paths = paths

	if err := a.openPayloads(); err != nil {
		return err
	}

	storeLogger := a.log.Component("session")
	opts := session.StoreOptions{Mode: cfg.Storage.Mode, Logger: &storeLogger}
	if a.payloads != nil {
		opts.Payloads = a.payloads
	}
	a.store = session.NewStore(paths, opts)

	a.handlers = eventhandler.NewRegistry(a.log.Component("events"))
	if err := a.handlers.Register(eventhandler.LogHandler(a.log.Component("events"))); err != nil {
		return err
	}
	for _, h := range cfg.Handlers {
		err := a.handlers.Register(&eventhandler.ScriptHandler{
			ID:      h.Name,
			Script:  h.Script,
			Timeout: h.Timeout(),
			Logger:  a.log.Component("events"),
		})
		if err != nil {
			return err
		}
	}

	a.transport = ipc.NewWebSocketTransport(a.log.Component("ipc"))
	a.connector = ipc.NewConnector(a.transport, a.log.Component("ipc"))
	a.connector.Attempts = cfg.IPC.ConnectAttempts
	a.connector.RetryInterval = cfg.IPC.RetryInterval()

	a.logger = tracing.LoggerFromContext(ctx, a.logger.With().Str("session", paths.Name()).Logger())
	return nil
}

// openPayloads opens the key/value table when the session stores its payload
// there, or when an earlier external save left the database behind.
func (a *app) openPayloads() error {
	storage := a.cfg.Storage
	if storage.Mode != session.ModeExternal {
		if _, err := os.Stat(storage.DSN); err != nil {
			return nil
		}
	}

	l := a.log.Component("blobstore")
	store, err := blobstore.Open(blobstore.Config{DSN: storage.DSN, Table: storage.Table, Logger: &l})
	if err != nil {
		return err
	}
	a.payloads = store
	return nil
}

func (a *app) coordinator() (*coordinator.Coordinator, error) {
	return coordinator.New(coordinator.Config{
		Store:            a.store,
		Connector:        a.connector,
		Bootstrapper:     worker.NewBootstrapper(a.cfg.Worker.Binary, a.configPath, a.log.Component("bootstrap")),
		Migrator:         a.migrator(),
		HandlerAvailable: a.handlers.Has,
		Shutdown:         shutdown.Default,
		PollInterval:     a.cfg.Lock.PollInterval(),
		BusyWarning:      a.cfg.Lock.BusyWarning(),
		BusyRepeat:       a.cfg.Lock.BusyRepeat(),
		Logger:           a.logger,
	})
}

func (a *app) migrator() *legacy.Migrator {
	l := a.log.Component("legacy")
	return legacy.NewMigrator(&l)
}

// runtime builds the worker runtime for this session. The coordinator may be
// nil when the caller already holds the session.
func (a *app) runtime(coord *coordinator.Coordinator) (*worker.Runtime, error) {
	return worker.NewRuntime(worker.RuntimeConfig{
		Coordinator:  coord,
		Store:        a.store,
		Handlers:     a.handlers,
		EventHandler: a.cfg.EventHandler,
		SaveSchedule: a.cfg.Worker.SaveSchedule,
		ConfigPath:   a.configPath,
		ScheduleLoader: func() (string, error) {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return "", err
			}
			return cfg.Worker.SaveSchedule, nil
		},
		Shutdown: shutdown.Default,
		Logger:   a.log.Component("worker"),
	})
}

// dial makes a single connection attempt to the session's worker
func (a *app) dial(ctx context.Context) (ipc.Connection, error) {
	return a.transport.Connect(ctx, a.paths.IPCPath())
}

func (a *app) Close() error {
	var errs []error
	if a.payloads != nil {
		errs = append(errs, a.payloads.Close())
	}
	errs = append(errs, observability.Audit().Close())
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}
