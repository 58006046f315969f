package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/harun/solo/internal/tracing"
	"github.com/harun/solo/pkg/session"
	"github.com/rs/zerolog"
)

// EnvWorker is set in the environment of detached workers
const EnvWorker = "SOLO_WORKER"

// Bootstrapper starts a detached worker process for a session by re-running
// the solo binary as "solo worker --root R --name N".
type Bootstrapper struct {
	// Binary defaults to the running executable
	Binary string

	// ConfigPath is forwarded as --config when set
	ConfigPath string

	Logger zerolog.Logger
}

// NewBootstrapper creates a bootstrapper for binary
func NewBootstrapper(binary, configPath string, logger zerolog.Logger) *Bootstrapper {
	return &Bootstrapper{
		Binary:     binary,
		ConfigPath: configPath,
		Logger:     logger.With().Str("component", "bootstrap").Logger(),
	}
}

// Args returns the command line passed to the worker
func (b *Bootstrapper) Args(paths session.Paths) []string {
	args := []string{"worker", "--root", paths.Root(), "--name", paths.Name()}
	if b.ConfigPath != "" {
		args = append(args, "--config", b.ConfigPath)
	}
	return args
}

// Bootstrap launches the worker in its own session so it outlives the caller.
// It returns once the process has started; readiness is the connector's job.
func (b *Bootstrapper) Bootstrap(ctx context.Context, paths session.Paths) error {
	binary := b.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve worker executable: %w", err)
		}
		binary = exe
	}

	if err := paths.EnsureDir(); err != nil {
		return err
	}

	logFile, err := os.OpenFile(paths.WorkerLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open worker log: %w", err)
	}
	defer logFile.Close()

	// Not CommandContext: the worker must survive the caller's context.
	cmd := exec.Command(binary, b.Args(paths)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Dir = paths.Root()
	cmd.Env = append(os.Environ(), EnvWorker+"=1")
	cmd.Env = append(cmd.Env, tracing.EnvForChild(ctx)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	b.Logger.Info().
		Int("pid", cmd.Process.Pid).
		Str("session", paths.Name()).
		Str("log", paths.WorkerLogPath()).
		Msg("Worker process started")

	// Reap the child if it exits while we are still alive.
	go func() { _ = cmd.Wait() }()
	return nil
}
