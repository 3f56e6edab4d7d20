package command

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewBalanceCmd creates the balance command.
func NewBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance <account>",
		Short: "Show an account's confirmed and pending balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			balance, err := ctx.Journal.Balance(args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if ctx.JSONMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(balance)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", headerStyle.Render(balance.AccountID))
			fmt.Fprintf(out, "  confirmed: %s\n", confirmedStyle.Render(fmt.Sprintf("%d", balance.Confirmed)))
			fmt.Fprintf(out, "  pending:   %s\n", pendingStyle.Render(fmt.Sprintf("%+d", balance.Pending)))
			fmt.Fprintf(out, "  total:     %d\n", balance.Total)
			return nil
		},
	}
	return cmd
}
