package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/server"
)

// newRoleCmd builds a long-running command that starts roles and stops on
// SIGINT or SIGTERM.
func newRoleCmd(use, short string, roles server.Roles) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := optionsFrom(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner, err := buildRunner(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			opts.logger.Info("starting",
				zap.String("command", use),
				zap.Bool("api", roles.API),
				zap.Bool("worker", roles.Worker),
				zap.Bool("scheduler", roles.Scheduler),
			)
			if err := runner.Run(ctx, roles); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			opts.logger.Info("stopped", zap.String("command", use))
			return nil
		},
	}
}
