// Package cmd defines the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/logging"
	"github.com/JakeFAU/harvester/internal/queue"
	"github.com/JakeFAU/harvester/internal/server"
	"github.com/JakeFAU/harvester/internal/store"
)

// Runner is what the long-running commands need from the application.
type Runner interface {
	Run(ctx context.Context, roles server.Roles) error
}

// factories are swapped out in tests.
var (
	buildRunner = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
		return server.Build(ctx, cfg, logger)
	}
	openRepository = server.OpenRepository
	openQueue      = server.OpenQueue
)

type rootOptions struct {
	configPath string
	cfg        config.Config
	logger     *zap.Logger
}

type ctxKey struct{}

func optionsFrom(ctx context.Context) (*rootOptions, error) {
	opts, ok := ctx.Value(ctxKey{}).(*rootOptions)
	if !ok || opts == nil || opts.logger == nil {
		return nil, errors.New("configuration not loaded")
	}
	return opts, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Scheduled content harvesting from media-sharing sources.",
		Long: `harvester sweeps configured sources for new media, stores the media in a
blob store and records each item as a block. It runs as an HTTP control
plane, a queue worker, a scheduler, or all three in one process.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.configPath
			if path == "" {
				path = config.Discover()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			opts.cfg = cfg
			opts.logger = logger
			cmd.SetContext(context.WithValue(cmd.Context(), ctxKey{}, opts))
			return nil
		},

		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: discovered config.yaml)")

	cmd.AddCommand(
		newRoleCmd("serve", "Run the HTTP control plane", server.Roles{API: true}),
		newRoleCmd("worker", "Consume sweeps from the job queue", server.Roles{Worker: true}),
		newRoleCmd("scheduler", "Enqueue tail and backfill sweeps on an interval", server.Roles{Scheduler: true}),
		newRoleCmd("all", "Run the control plane, worker and scheduler in one process",
			server.Roles{API: true, Worker: true, Scheduler: true}),
		newMigrateCmd(),
		newSourcesCmd(),
		newEnqueueCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx := context.Background()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		os.Exit(1)
	}
}

// closeRepository is shared by one-shot commands.
func closeRepository(repo store.Repository) {
	if repo != nil {
		repo.Close()
	}
}

func closeQueue(q queue.Queue, logger *zap.Logger) {
	if q == nil {
		return
	}
	if err := q.Close(); err != nil {
		logger.Warn("queue close failed", zap.Error(err))
	}
}
