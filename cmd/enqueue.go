package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvester/internal/clock/system"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/id/uuid"
	"github.com/JakeFAU/harvester/internal/logging"
)

func newEnqueueCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "enqueue SOURCE_ID",
		Short: "Publish one sweep for a source to the shared job queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := optionsFrom(cmd.Context())
			if err != nil {
				return err
			}
			sweepKind := harvest.SweepKind(strings.ToLower(kind))
			if !sweepKind.Valid() {
				return fmt.Errorf("invalid kind %q", kind)
			}
			id, err := uuid.New().NewID()
			if err != nil {
				return fmt.Errorf("generate delivery id: %w", err)
			}
			req := harvest.SweepRequest{
				ID:          id,
				SourceID:    args[0],
				Kind:        sweepKind,
				RequestedAt: system.New().Now(),
			}

			q, err := openQueue(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer closeQueue(q, opts.logger)

			if err := q.Enqueue(cmd.Context(), req); err != nil {
				return fmt.Errorf("enqueue sweep: %w", err)
			}
			opts.logger.Info("sweep enqueued", logging.RequestFields(req)...)
			fmt.Fprintln(cmd.OutOrStdout(), req.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(harvest.SweepKindManual), "sweep kind: tail, backfill or manual")
	return cmd
}
