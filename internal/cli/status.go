package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/harun/solo/internal/tracing"
	"github.com/harun/solo/pkg/coordinator"
	"github.com/harun/solo/pkg/worker"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session and worker status",
	Long:  `Show the stored format of the session and whether a worker is serving it.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type sessionStatus struct {
	Session  string         `yaml:"session"`
	Root     string         `yaml:"root"`
	Format   string         `yaml:"format"`
	Worker   workerStatus   `yaml:"worker"`
	Payloads *payloadStatus `yaml:"payloads,omitempty"`
}

type payloadStatus struct {
	Table  string `yaml:"table"`
	Rows   int    `yaml:"rows"`
	Stored bool   `yaml:"stored"`
}

type workerStatus struct {
	Running   bool                   `yaml:"running"`
	PID       int                    `yaml:"pid,omitempty"`
	Uptime    string                 `yaml:"uptime,omitempty"`
	Reachable bool                   `yaml:"reachable"`
	Info      map[string]interface{} `yaml:"info,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := tracing.FromEnvironment(cmd.Context())
	a, err := newApp(ctx, "client", false)
	if err != nil {
		return err
	}
	defer a.Close()

	status, err := a.status(ctx)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(status); err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	return enc.Close()
}

func (a *app) status(ctx context.Context) (*sessionStatus, error) {
	status := &sessionStatus{
		Session: a.paths.Name(),
		Root:    a.paths.Root(),
		Format:  "none",
	}

	current, err := a.store.HasCurrent()
	if err != nil {
		return nil, err
	}
	legacy, err := a.store.HasLegacy()
	if err != nil {
		return nil, err
	}
	switch {
	case current:
		status.Format = coordinator.FormatCurrent
	case legacy:
		status.Format = coordinator.FormatLegacy
	}

	if a.payloads != nil {
		rows, err := a.payloads.Count(ctx)
		if err != nil {
			return nil, err
		}
		stored, err := a.payloads.Has(ctx, a.paths.Name())
		if err != nil {
			return nil, err
		}
		status.Payloads = &payloadStatus{Table: a.payloads.Table(), Rows: rows, Stored: stored}
	}

	pidFile := worker.NewPIDFile(a.paths.PIDPath())
	if pidFile.IsRunning() {
		status.Worker.Running = true
		status.Worker.PID, _ = pidFile.Read()
		if info, err := os.Stat(pidFile.Path()); err == nil {
			status.Worker.Uptime = formatDuration(time.Since(info.ModTime()))
		}
	}

	conn, err := a.dial(ctx)
	if err != nil {
		return status, nil
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.IPC.CallTimeout())
	defer cancel()

	var info map[string]interface{}
	if err := conn.Call(callCtx, worker.MethodInfo, nil, &info); err == nil {
		status.Worker.Reachable = true
		status.Worker.Info = info
	}
	return status, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
