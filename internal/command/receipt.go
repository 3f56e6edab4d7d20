package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/adamavenir/tally/internal/settlement"
	"github.com/adamavenir/tally/internal/sign"
	"github.com/adamavenir/tally/internal/types"
	"github.com/spf13/cobra"
)

// NewReceiptCmd creates the receipt command.
func NewReceiptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipt [request-event-id]",
		Short: "Apply a settlement receipt",
		Long: `Apply a processor's receipt for a settlement request.

Either name the request event and pass --status (success, failure,
processing), or pass --event with a signed receipt event file. Event
signers are checked against TALLY_TRUSTED_PROCESSORS when it is set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			eventPath, _ := cmd.Flags().GetString("event")
			var receipt types.Receipt
			if eventPath != "" {
				receipt, err = readReceiptEvent(eventPath, ctx.Config.TrustedProcessors)
			} else {
				receipt, err = receiptFromFlags(cmd, args)
			}
			if err != nil {
				return writeCommandError(cmd, err)
			}

			applier, err := ctx.ReceiptApplier()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			op, err := applier.Apply(receipt)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if ctx.JSONMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(op)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Operation %s is %s\n", op.ID, styleOperationStatus(op.Status))
			return nil
		},
	}

	cmd.Flags().String("status", "", "receipt status (success, failure, processing)")
	cmd.Flags().String("ref", "", "settlement reference, e.g. a transaction hash")
	cmd.Flags().String("error", "", "failure reason")
	cmd.Flags().String("event", "", "path to a signed receipt event (JSON)")
	return cmd
}

func receiptFromFlags(cmd *cobra.Command, args []string) (types.Receipt, error) {
	if len(args) == 0 {
		return types.Receipt{}, errors.New("request event id or --event is required")
	}
	status, _ := cmd.Flags().GetString("status")
	ref, _ := cmd.Flags().GetString("ref")
	reason, _ := cmd.Flags().GetString("error")
	if status == "" {
		return types.Receipt{}, errors.New("--status is required")
	}
	return types.Receipt{
		RequestID:     args[0],
		SettlementRef: ref,
		Status:        types.ReceiptStatus(status),
		Error:         reason,
	}, nil
}

func readReceiptEvent(path string, trusted []string) (types.Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Receipt{}, err
	}
	var ev sign.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return types.Receipt{}, fmt.Errorf("parse receipt event: %w", err)
	}
	return settlement.ParseReceiptEvent(ev, trusted...)
}
