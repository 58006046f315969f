package cli

import (
	"os/signal"
	"syscall"

	"github.com/harun/solo/internal/tracing"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve a session as its detached worker",
	Long: `Load the session and serve it over the local socket until stopped.
This is what "solo run" starts in the background; it exits at once if another
process already owns the session.`,
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = tracing.FromEnvironment(ctx)

	a, err := newApp(ctx, "worker", true)
	if err != nil {
		return err
	}
	defer a.Close()

	coord, err := a.coordinator()
	if err != nil {
		return err
	}
	rt, err := a.runtime(coord)
	if err != nil {
		return err
	}

	a.logger.Info().Str("endpoint", rt.Endpoint()).Msg("Worker starting")
	return rt.Run(ctx)
}
