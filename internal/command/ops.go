package command

import (
	"encoding/json"
	"fmt"

	"github.com/adamavenir/tally/internal/types"
	"github.com/spf13/cobra"
)

// NewOpsCmd creates the ops command.
func NewOpsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops <account>",
		Short: "List an account's operations",
		Long: `List the operations in an account's journal, latest state per operation.

Use --all to print every journal record, including superseded status updates.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			all, _ := cmd.Flags().GetBool("all")
			status, _ := cmd.Flags().GetString("status")

			accountID := args[0]
			var ops []types.Operation
			if all {
				ops, err = ctx.Journal.Load(accountID)
			} else {
				ops, err = ctx.Journal.LoadDeduplicated(accountID)
			}
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if status != "" {
				filtered := make([]types.Operation, 0, len(ops))
				for _, op := range ops {
					if string(op.Status) == status {
						filtered = append(filtered, op)
					}
				}
				ops = filtered
			}

			if ctx.JSONMode {
				if ops == nil {
					ops = []types.Operation{}
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(ops)
			}

			out := cmd.OutOrStdout()
			if len(ops) == 0 {
				fmt.Fprintf(out, "No operations for %s\n", accountID)
				return nil
			}
			fmt.Fprintf(out, "OPERATIONS %s (%d):\n", accountID, len(ops))
			for _, op := range ops {
				fmt.Fprintf(out, "%s %s\n", formatOperation(op, accountID), mutedStyle.Render(formatRelative(op.CreatedAt)))
			}
			return nil
		},
	}

	cmd.Flags().Bool("all", false, "show every journal record")
	cmd.Flags().String("status", "", "filter by status (queued, processing, confirmed, failed)")
	return cmd
}
