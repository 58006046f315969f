package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/harun/solo/internal/tracing"
	"github.com/harun/solo/pkg/blobstore"
	"github.com/harun/solo/pkg/session"
	"github.com/spf13/cobra"
)

var (
	payloadsPrune  bool
	payloadsOffset int
)

var payloadsCmd = &cobra.Command{
	Use:   "payloads",
	Short: "List externally stored session payloads",
	Long: `List the rows of the payload table in key order with their size.
With --prune, rows whose session has no current blob under the data
directory are deleted.`,
	RunE: runPayloads,
}

func init() {
	payloadsCmd.Flags().BoolVar(&payloadsPrune, "prune", false, "delete rows of sessions that no longer exist")
	payloadsCmd.Flags().IntVar(&payloadsOffset, "offset", 0, "skip this many rows")
	rootCmd.AddCommand(payloadsCmd)
}

func runPayloads(cmd *cobra.Command, args []string) error {
	ctx := tracing.FromEnvironment(cmd.Context())
	a, err := newApp(ctx, "client", false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if a.payloads == nil {
		fmt.Fprintln(out, "No payload table")
		return nil
	}

	pruned := 0
	err = walkPayloads(ctx, a.payloads, payloadsOffset, func(key string, size int) error {
		if payloadsPrune && orphaned(a.paths.Root(), key) {
			if err := a.payloads.Delete(ctx, key); err != nil {
				return err
			}
			pruned++
			a.logger.Info().Str("key", key).Msg("Pruned orphaned payload")
			fmt.Fprintf(out, "%s\t%d\tpruned\n", key, size)
			return nil
		}
		fmt.Fprintf(out, "%s\t%d\n", key, size)
		return nil
	})
	if err != nil {
		return err
	}

	total, err := a.payloads.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d rows in %s", total, a.payloads.Table())
	if payloadsPrune {
		fmt.Fprintf(out, ", %d pruned", pruned)
	}
	fmt.Fprintln(out)
	return nil
}

// walkPayloads calls fn for every row from offset on, in key order
func walkPayloads(ctx context.Context, store *blobstore.Store, offset int, fn func(key string, size int) error) error {
	it := store.Iterate()
	if offset > 0 {
		if err := it.Seek(ctx, offset); err != nil {
			return err
		}
	}
	for it.Next(ctx) {
		if err := fn(it.Key(), len(it.Value())); err != nil {
			return err
		}
	}
	return it.Err()
}

// orphaned reports whether key names no session with a current blob under root
func orphaned(root, key string) bool {
	paths, err := session.NewPaths(root, key)
	if err != nil {
		return true
	}
	_, err = os.Stat(paths.SessionPath())
	return os.IsNotExist(err)
}
