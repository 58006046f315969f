package cli

import (
	"fmt"

	"github.com/harun/solo/internal/observability"
	"github.com/harun/solo/internal/tracing"
	"github.com/harun/solo/pkg/flock"
	"github.com/harun/solo/pkg/session"
	"github.com/spf13/cobra"
)

var (
	migrateKeepLegacy bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Rewrite a legacy session in the current format",
	Long: `Take the session lock, decode the legacy blob and save it in the current
format. The legacy blob is removed afterwards unless --keep-legacy is set.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateKeepLegacy, "keep-legacy", false, "keep the legacy blob after migrating")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) (err error) {
	ctx := tracing.FromEnvironment(cmd.Context())
	a, err := newApp(ctx, "client", true)
	if err != nil {
		return err
	}
	defer a.Close()

	name := a.paths.Name()
	ctx, span := tracing.StartSpan(tracing.WithSessionKey(ctx, name), "cli.migrate")
	defer func() { tracing.EndSpan(span, err) }()

	if err := a.paths.EnsureDir(); err != nil {
		return err
	}
	lock, err := flock.Acquire(ctx, a.paths.LockPath(), flock.Options{
		PollInterval: a.cfg.Lock.PollInterval(),
		OnWaitStart: func() {
			fmt.Fprintln(cmd.ErrOrStderr(), "Session is busy, waiting for its lock...")
		},
	})
	if err != nil {
		return err
	}
	defer lock.Release()

	current, err := a.store.HasCurrent()
	if err != nil {
		return err
	}
	if current {
		return fmt.Errorf("session %s is already in the current format", name)
	}
	legacy, err := a.store.HasLegacy()
	if err != nil {
		return err
	}
	if !legacy {
		return fmt.Errorf("session %s: %w", name, session.ErrNoSession)
	}

	raw, err := a.store.ReadLegacy()
	if err != nil {
		return err
	}
	rec := observability.MigrationRecord{Session: name, LegacyBytes: len(raw), KeptLegacy: migrateKeepLegacy}
	st, err := a.migrator().Migrate(ctx, raw)
	if err != nil {
		rec.Err = err
		observability.Audit().Migration(ctx, rec)
		return err
	}
	if st.Name == "" {
		st.Name = name
	}

	if err := a.store.Save(ctx, st); err != nil {
		rec.Err = err
		observability.Audit().Migration(ctx, rec)
		return err
	}
	if !migrateKeepLegacy {
		if err := a.store.RemoveLegacy(); err != nil {
			return err
		}
	}

	observability.Audit().Migration(ctx, rec)
	fmt.Fprintf(cmd.OutOrStdout(), "Migrated session %s to the current format\n", name)
	return nil
}
