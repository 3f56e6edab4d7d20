package command

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/adamavenir/tally/internal/daemon"
	"github.com/spf13/cobra"
)

// NewDaemonCmd creates the daemon command.
func NewDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the settlement dispatch daemon",
		Long: `Start the daemon that delivers queued settlement requests.

The daemon:
- Dispatches due outbox entries every TALLY_DISPATCH_INTERVAL
- Wakes early when a journal changes
- Applies receipts from NATS (settlement.receipts) when TALLY_NATS_URL is set

Only one daemon can run per data directory (enforced via lock file).
Use Ctrl+C or SIGTERM to shut down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			interval, _ := cmd.Flags().GetDuration("interval")
			if interval <= 0 {
				interval = ctx.Config.DispatchInterval
			}

			dispatcher, err := ctx.Dispatcher()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			applier, err := ctx.ReceiptApplier()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			nc, err := ctx.NATS()
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if nc != nil && len(ctx.Config.TrustedProcessors) == 0 {
				ctx.Logger.Warn("accepting bus receipts from any signer; set TALLY_TRUSTED_PROCESSORS to restrict")
			}
			d := daemon.New(daemon.Config{
				DataDir:           ctx.DataDir,
				Interval:          interval,
				TrustedProcessors: ctx.Config.TrustedProcessors,
			}, dispatcher, applier, nc, ctx.Logger)

			runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if ctx.JSONMode {
				_ = json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"status":   "started",
					"interval": interval.String(),
					"receipts": nc != nil,
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon started (interval: %s)\n", interval)
				fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")
			}

			if err := d.Run(runCtx); err != nil {
				return writeCommandError(cmd, err)
			}
			if !ctx.JSONMode {
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")
			}
			return nil
		},
	}

	cmd.Flags().Duration("interval", 0, "dispatch interval (default $TALLY_DISPATCH_INTERVAL)")
	return cmd
}
