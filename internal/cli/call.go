package cli

import (
	"fmt"

	"github.com/harun/solo/internal/tracing"
	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call <method> [key=value...]",
	Short: "Send a request to the running worker",
	Long: `Send one request to the worker serving the session. Unlike "run" this
never loads the session or starts a worker.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	method, params, err := parseCall(args, "")
	if err != nil {
		return err
	}

	ctx := tracing.FromEnvironment(cmd.Context())
	a, err := newApp(ctx, "client", false)
	if err != nil {
		return err
	}
	defer a.Close()

	conn, err := a.dial(ctx)
	if err != nil {
		return fmt.Errorf("no worker is serving session %s: %w", a.paths.Name(), err)
	}
	defer conn.Close()

	return callAndPrint(ctx, cmd.OutOrStdout(), conn, method, params, a.cfg.IPC.CallTimeout())
}
