package command

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewAddressCmd creates the address command.
func NewAddressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "address <account> [address]",
		Short: "Show or set an account's settlement address",
		Long: `Show or set the external address settlement requests carry for an account.

Pass an empty address ("") to remove the mapping.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			accountID := args[0]
			if len(args) == 2 {
				if err := ctx.Addresses.Set(accountID, args[1]); err != nil {
					return writeCommandError(cmd, err)
				}
			}
			address, err := ctx.Addresses.Resolve(accountID)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if ctx.JSONMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"account_id": accountID,
					"address":    address,
				})
			}
			if address == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "No address for %s\n", accountID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", accountID, address)
			return nil
		},
	}
	return cmd
}
