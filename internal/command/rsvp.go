package command

import (
	"encoding/json"
	"fmt"

	"github.com/adamavenir/tally/internal/offers"
	"github.com/spf13/cobra"
)

// NewRSVPCmd creates the rsvp command group.
func NewRSVPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rsvp",
		Short: "Register or withdraw attendance on an offer",
	}

	create := &cobra.Command{
		Use:   "create <offer> <account>",
		Short: "RSVP to an offer, paying the RSVP cost to its author",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRSVP(cmd, args, false)
		},
	}
	cancel := &cobra.Command{
		Use:   "cancel <offer> <account>",
		Short: "Withdraw an RSVP and refund its cost",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRSVP(cmd, args, true)
		},
	}

	cmd.AddCommand(create, cancel)
	return cmd
}

func runRSVP(cmd *cobra.Command, args []string, cancel bool) error {
	ctx, err := GetContext(cmd)
	if err != nil {
		return writeCommandError(cmd, err)
	}
	defer ctx.Close()

	service, err := ctx.OfferService()
	if err != nil {
		return writeCommandError(cmd, err)
	}

	var result offers.RSVPResult
	if cancel {
		result, err = service.CancelRSVP(cmd.Context(), args[0], args[1])
	} else {
		result, err = service.RSVP(cmd.Context(), args[0], args[1])
	}
	if err != nil {
		return writeCommandError(cmd, err)
	}

	if ctx.JSONMode {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
	}
	out := cmd.OutOrStdout()
	verb := "RSVP'd to"
	if cancel {
		verb = "Withdrew from"
	}
	fmt.Fprintf(out, "%s %s %s (%d/%d, %s)\n", args[1], verb, result.Offer.ID,
		result.Offer.RSVPCount, result.Offer.MinRSVPs, styleOfferStatus(result.Offer.Status))
	if result.Confirmed {
		fmt.Fprintln(out, confirmedStyle.Render("Offer confirmed"))
	}
	return nil
}
