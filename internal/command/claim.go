package command

import (
	"encoding/json"
	"fmt"

	"github.com/adamavenir/tally/internal/settlement"
	"github.com/adamavenir/tally/internal/types"
	"github.com/spf13/cobra"
)

type emissionResult struct {
	Operation types.Operation `json:"operation"`
	EventID   string          `json:"event_id"`
}

// NewClaimCmd creates the claim command.
func NewClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <account>",
		Short: "Mint a badge claim to an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			amount, _ := cmd.Flags().GetInt64("amount")
			description, _ := cmd.Flags().GetString("description")

			emitter, err := ctx.Emitter()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			emission, err := emitter.Emit(cmd.Context(), settlement.Request{
				Method:      types.SettlementMethodMint,
				Context:     types.ContextBadgeClaim,
				Recipient:   args[0],
				Amount:      amount,
				Description: description,
				OpType:      types.OperationTypeClaim,
			})
			if err != nil {
				return writeCommandError(cmd, err)
			}

			result := emissionResult{Operation: emission.Operation, EventID: emission.Event.ID}
			if ctx.JSONMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued claim %s: %d to %s (request %s)\n",
				emission.Operation.ID, amount, args[0], shortEventID(emission.Event.ID))
			return nil
		},
	}

	cmd.Flags().Int64("amount", 0, "tokens to mint")
	cmd.Flags().String("description", "", "request description")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func shortEventID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
