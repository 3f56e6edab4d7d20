package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adamavenir/tally/internal/db"
	"github.com/adamavenir/tally/internal/types"
	"github.com/spf13/cobra"
)

// NewOutboxCmd creates the outbox command.
func NewOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List queued settlement requests by delivery state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			status, _ := cmd.Flags().GetString("status")
			outbox, err := ctx.Outbox()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			entries, err := db.ListSettlements(outbox, types.OutboxStatus(status))
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if ctx.JSONMode {
				if entries == nil {
					entries = []types.OutboxEntry{}
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(entries)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintf(out, "No %s settlement requests\n", status)
				return nil
			}
			fmt.Fprintf(out, "OUTBOX %s (%d):\n", status, len(entries))
			for _, entry := range entries {
				line := fmt.Sprintf("  %s  op %s  %s  attempts %d", shortEventID(entry.EventID), entry.OperationID,
					styleOutboxStatus(entry.Status), entry.Attempts)
				if entry.Status == types.OutboxStatusPending && entry.Attempts > 0 {
					line += mutedStyle.Render(" next " + formatRelative(time.UnixMilli(entry.NextAttemptAt)))
				}
				if entry.LastError != nil {
					line += failedStyle.Render(" " + *entry.LastError)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().String("status", string(types.OutboxStatusPending), "delivery state (pending, published, failed)")
	return cmd
}
