package command

import (
	"encoding/json"
	"fmt"

	"github.com/adamavenir/tally/internal/settlement"
	"github.com/adamavenir/tally/internal/types"
	"github.com/gobwas/glob"
	"github.com/spf13/cobra"
)

// NewPendingCmd creates the pending command.
func NewPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List operations still waiting on settlement",
		Long: `List queued and processing operations across all journals, oldest first.

Transfers are listed once, under the receiving account. Narrow the
accounts with a glob, e.g. --accounts 'user-*'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			pattern, _ := cmd.Flags().GetString("accounts")
			var match func(string) bool
			if pattern != "" {
				g, err := glob.Compile(pattern)
				if err != nil {
					return writeCommandError(cmd, fmt.Errorf("invalid --accounts pattern: %w", err))
				}
				match = g.Match
			}

			ops, err := settlement.PendingOperations(ctx.Journal, match)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if ctx.JSONMode {
				if ops == nil {
					ops = []types.Operation{}
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(ops)
			}
			out := cmd.OutOrStdout()
			if len(ops) == 0 {
				fmt.Fprintln(out, "No pending operations")
				return nil
			}
			fmt.Fprintf(out, "PENDING (%d):\n", len(ops))
			for _, op := range ops {
				fmt.Fprintf(out, "%s %s\n", formatOperation(op, op.To), mutedStyle.Render("@"+op.To+" "+formatRelative(op.CreatedAt)))
			}
			return nil
		},
	}

	cmd.Flags().String("accounts", "", "glob pattern selecting accounts")
	return cmd
}
