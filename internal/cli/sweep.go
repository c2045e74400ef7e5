package cli

import (
	"encoding/json"

	"barberloyalty/internal/loyalty"
	"barberloyalty/internal/repository"
	"barberloyalty/pkg/db"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewSweepCommand runs one auto-crediting pass and prints the counts.
// Notifications for credited bookings go out through the outbox once serve runs.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Credit every eligible booking once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := rootOpts.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			pool, err := db.NewConnection(ctx, cfg.DB, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			lc := cfg.Loyalty
			if batchSize > 0 {
				lc.SweepBatchSize = batchSize
			}
			engine := loyalty.NewEngine(
				repository.NewBookingRepository(pool, cfg.Store.Timeout),
				repository.NewLoyaltyRepository(pool, cfg.Store.Timeout, log),
				repository.NewCustomerRepository(pool, cfg.Store.Timeout),
				nil,
				lc,
				log,
			)

			result, err := engine.Sweep(ctx)
			if err != nil {
				return err
			}
			log.Info("Sweep finished",
				zap.Int("examined", result.Examined),
				zap.Int("credited", result.Credited),
				zap.Int("failed", result.Failed),
			)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "override loyalty.sweep_batch_size")
	return cmd
}
