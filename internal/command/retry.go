package command

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewRetryCmd creates the retry command.
func NewRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <account> <operation>",
		Short: "Re-drive a failed settlement",
		Long: `Retry a settlement that failed or whose request delivery was abandoned.

A failed operation returns to queued and gets a freshly signed request.
An operation whose relay delivery gave up is requeued in the outbox.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			emitter, err := ctx.Emitter()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			outcome, err := emitter.Retry(cmd.Context(), args[0], args[1])
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if ctx.JSONMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(outcome)
			}
			out := cmd.OutOrStdout()
			if outcome.Requeued {
				fmt.Fprintf(out, "Requeued delivery for %s\n", outcome.Operation.ID)
				return nil
			}
			fmt.Fprintf(out, "Retrying %s with request %s\n", outcome.Operation.ID, shortEventID(outcome.EventID))
			return nil
		},
	}
	return cmd
}
