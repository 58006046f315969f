package cli

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/harun/solo/internal/tracing"
	"github.com/harun/solo/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the session's worker",
	Long: `Ask the worker serving the session to save and shut down, and wait for it
to exit. If it does not answer or exit within the timeout it is sent SIGTERM.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for the worker to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx := tracing.FromEnvironment(cmd.Context())
	a, err := newApp(ctx, "client", false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	pidFile := worker.NewPIDFile(a.paths.PIDPath())

	asked := a.requestShutdown(ctx)
	if !asked && !pidFile.IsRunning() {
		fmt.Fprintln(out, "Worker not running")
		return nil
	}

	// Wait for process to stop with timeout
	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !pidFile.IsRunning() {
			fmt.Fprintln(out, "Worker stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	pid, err := pidFile.Read()
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(out, "Worker stopped")
			return nil
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGTERM...")
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}
	return nil
}

// requestShutdown asks the worker to stop over the channel
func (a *app) requestShutdown(ctx context.Context) bool {
	conn, err := a.dial(ctx)
	if err != nil {
		return false
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.IPC.CallTimeout())
	defer cancel()

	var result map[string]interface{}
	if err := conn.Call(callCtx, worker.MethodShutdown, nil, &result); err != nil {
		a.logger.Warn().Err(err).Msg("Worker did not accept shutdown request")
		return false
	}
	return true
}
