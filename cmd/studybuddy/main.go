package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"studybuddy/internal/app"
	"studybuddy/internal/config"
	"studybuddy/internal/database"
	"studybuddy/internal/directory"
	"studybuddy/internal/logging"
	"studybuddy/pkg/types"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd runs the server when invoked without a subcommand.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "studybuddy",
		Short:        "Study Buddy matching service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, json or toml)")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(migrateCmd(&configPath))
	root.AddCommand(sweepCmd(&configPath))
	root.AddCommand(learnersCmd(&configPath))
	return root
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, *configPath)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and validate the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, manager, err := openStore(cmd, *configPath)
			if err != nil {
				return err
			}
			defer manager.Close()

			applied, err := manager.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied migration %s\n", version)
			}
			return nil
		},
	}
}

func sweepCmd(configPath *string) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete stored match requests older than a cutoff",
		Long: "Delete stored match requests older than --older-than. Intended for " +
			"deployments that run the sweep from cron while the service is stopped; " +
			"a running service sweeps its own queue.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			_, manager, err := openStore(cmd, *configPath)
			if err != nil {
				return err
			}
			defer manager.Close()

			if _, err := manager.Migrate(cmd.Context()); err != nil {
				return err
			}
			removed, err := manager.DeleteRequestsOlderThan(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stale match requests\n", removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "age after which a pending request is stale")
	return cmd
}

func learnersCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learners",
		Short: "Manage the learner directory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE.json",
		Short: "Bulk upsert learner profiles from a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := readProfiles(args[0])
			if err != nil {
				return err
			}

			cfg, manager, err := openStore(cmd, *configPath)
			if err != nil {
				return err
			}
			defer manager.Close()

			if _, err := manager.Migrate(cmd.Context()); err != nil {
				return err
			}
			dir, err := directory.New(manager, cfg.Directory.CacheSize, slog.Default())
			if err != nil {
				return err
			}
			n, err := dir.Import(cmd.Context(), profiles)
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d learners\n", n, len(profiles))
			return err
		},
	})
	return cmd
}

func readProfiles(path string) ([]*types.LearnerProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var profiles []*types.LearnerProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return profiles, nil
}

// loadConfig reads configuration and installs the configured logger.
func loadConfig(cmd *cobra.Command, configPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.Setup(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openStore(cmd *cobra.Command, configPath string) (*config.Config, *database.Manager, error) {
	cfg, logger, err := loadConfig(cmd, configPath)
	if err != nil {
		return nil, nil, err
	}
	manager, err := database.NewManager(cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return cfg, manager, nil
}

// serve runs the service until SIGINT or SIGTERM.
func serve(cmd *cobra.Command, configPath string) error {
	cfg, logger, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	return application.Run(ctx)
}
