package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvester/internal/database"
)

// migrate is swapped out in tests.
var migrate = database.Migrate

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the Postgres schema",
	}
	cmd.AddCommand(
		newMigrateDirectionCmd("up", "Apply all pending migrations", database.Up),
		newMigrateDirectionCmd("down", "Roll back all migrations", database.Down),
		&cobra.Command{
			Use:   "list",
			Short: "List embedded migration files",
			Args:  cobra.NoArgs,
			// Listing needs no config.
			PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
			RunE: func(cmd *cobra.Command, _ []string) error {
				names, err := database.Migrations()
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			},
		},
	)
	return cmd
}

func newMigrateDirectionCmd(use, short string, dir database.Direction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := optionsFrom(cmd.Context())
			if err != nil {
				return err
			}
			if opts.cfg.DB.DSN == "" {
				return errors.New("db.dsn is required")
			}
			if err := migrate(opts.cfg.DB.DSN, dir, opts.logger); err != nil {
				return fmt.Errorf("migrate %s: %w", use, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations %s complete\n", use)
			return nil
		},
	}
}
