package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/harun/solo/internal/tracing"
	"github.com/harun/solo/pkg/coordinator"
	"github.com/harun/solo/pkg/ipc"
	"github.com/harun/solo/pkg/shutdown"
	"github.com/harun/solo/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	runServe     bool
	runForceFull bool
	runNoWait    bool
)

var runCmd = &cobra.Command{
	Use:   "run [method] [key=value...]",
	Short: "Send a request to the session, owning it if nobody else does",
	Long: `Coordinate access to the session and send one request to it.
If a worker already serves the session the request goes to it. Otherwise this
process loads the session, answers the request itself and saves on exit, or
hands the session to a detached worker when the session allows it.

The method defaults to session.info.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runServe, "serve", false, "keep serving the session in the foreground when this process owns it")
	runCmd.Flags().BoolVar(&runForceFull, "force-full", false, "load the session in this process whenever its lock is free")
	runCmd.Flags().BoolVar(&runNoWait, "no-wait", false, "fail instead of waiting when the session is busy")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	method, params, err := parseCall(args, worker.MethodInfo)
	if err != nil {
		return err
	}

	ctx := tracing.FromEnvironment(cmd.Context())
	a, err := newApp(ctx, "client", true)
	if err != nil {
		return err
	}
	defer a.Close()

	stop := shutdown.Default.Notify()
	defer stop()

	coord, err := a.coordinator()
	if err != nil {
		return err
	}

	res, err := coord.Coordinate(ctx, coordinator.Options{ForceFull: runForceFull, NoWait: runNoWait})
	if err != nil {
		return err
	}

	if res.Outcome() == coordinator.OutcomeClient {
		defer res.Conn.Close()
		return callAndPrint(ctx, cmd.OutOrStdout(), res.Conn, method, params, a.cfg.IPC.CallTimeout())
	}

	rt, err := a.runtime(nil)
	if err != nil {
		_ = res.Release()
		return err
	}
	if err := rt.Adopt(ctx, res); err != nil {
		return err
	}

	if runServe {
		fmt.Fprintf(cmd.ErrOrStderr(), "Serving session %s on %s\n", a.paths.Name(), rt.Endpoint())
		select {
		case <-ctx.Done():
		case <-rt.Done():
		}
		return rt.Stop()
	}

	conn, err := a.dial(ctx)
	if err != nil {
		_ = rt.Stop()
		return err
	}
	callErr := callAndPrint(ctx, cmd.OutOrStdout(), conn, method, params, a.cfg.IPC.CallTimeout())
	conn.Close()

	if err := rt.Stop(); err != nil && callErr == nil {
		return err
	}
	return callErr
}

// parseCall splits "method key=value..." arguments
func parseCall(args []string, defaultMethod string) (string, map[string]interface{}, error) {
	method := defaultMethod
	if len(args) > 0 {
		method = args[0]
		args = args[1:]
	}

	params := make(map[string]interface{}, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return "", nil, fmt.Errorf("invalid parameter %q, expected key=value", arg)
		}
		params[key] = value
	}
	return method, params, nil
}

func callAndPrint(ctx context.Context, out io.Writer, conn ipc.Connection, method string, params map[string]interface{}, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var result interface{}
	if err := conn.Call(ctx, method, params, &result); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
