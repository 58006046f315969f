package cli

import (
	"fmt"

	"github.com/harun/solo/internal/config"
	"github.com/spf13/cobra"
)

var (
	configureEventHandler string
	configureStorageMode  string
	configureSaveSchedule string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write the configuration file",
	Long: `Write the configuration file, creating it with defaults if needed.
Values given with --root, --name and the flags below replace the stored ones.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureEventHandler, "event-handler", "", "event handler bound to new sessions")
	configureCmd.Flags().StringVar(&configureStorageMode, "storage-mode", "", "payload storage mode (inline, external)")
	configureCmd.Flags().StringVar(&configureSaveSchedule, "save-schedule", "", "cron schedule for periodic saves")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
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

	flags := cmd.Flags()
	if flags.Changed("event-handler") {
		cfg.EventHandler = configureEventHandler
	}
	if flags.Changed("storage-mode") {
		cfg.Storage.Mode = configureStorageMode
	}
	if flags.Changed("save-schedule") {
		cfg.Worker.SaveSchedule = configureSaveSchedule
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Save configuration
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", loader.GetConfigPath())
	return nil
}
