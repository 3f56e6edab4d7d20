package command

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adamavenir/tally/internal/core"
	"github.com/adamavenir/tally/internal/offers"
	"github.com/adamavenir/tally/internal/types"
	"github.com/spf13/cobra"
)

// NewOfferCmd creates the offer command group.
func NewOfferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Create and manage offers",
	}

	cmd.AddCommand(
		newOfferCreateCmd(),
		newOfferShowCmd(),
		newOfferListCmd(),
		newOfferCancelCmd(),
		newOfferRewardCmd(),
	)
	return cmd
}

func newOfferCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish an offer, charging its cost to the primary author",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			offerType, _ := cmd.Flags().GetString("type")
			title, _ := cmd.Flags().GetString("title")
			authors, _ := cmd.Flags().GetString("authors")
			minRSVPs, _ := cmd.Flags().GetInt("min-rsvps")
			cost, _ := cmd.Flags().GetInt64("cost")
			reward, _ := cmd.Flags().GetInt64("reward")
			startValue, _ := cmd.Flags().GetString("start")

			start, err := core.ParseTimeExpression(startValue, time.Now())
			if err != nil {
				return writeCommandError(cmd, err)
			}

			service, err := ctx.OfferService()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			offer, err := service.CreateOffer(cmd.Context(), offers.NewOffer{
				Type:              offerType,
				Title:             title,
				Authors:           splitCommaList(authors),
				MinRSVPs:          minRSVPs,
				PublicationCost:   cost,
				RewardPerAttendee: reward,
				StartTime:         start,
			})
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if ctx.JSONMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(offer)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created offer %s (%s), charged %d to %s\n",
				offer.ID, styleOfferStatus(offer.Status), offer.PublicationCost, offer.PrimaryAuthor())
			return nil
		},
	}

	cmd.Flags().String("type", offers.DefaultType, "offer type (public, private)")
	cmd.Flags().String("title", "", "offer title")
	cmd.Flags().String("authors", "", "comma-separated author accounts; the first pays and is paid")
	cmd.Flags().Int("min-rsvps", 1, "RSVPs needed to confirm the offer")
	cmd.Flags().Int64("cost", 0, "publication cost in tokens")
	cmd.Flags().Int64("reward", 0, "tokens minted to each attendee after the start")
	cmd.Flags().String("start", "", "start time (RFC3339, YYYY-MM-DD, or an offset such as 48h or 3d)")
	_ = cmd.MarkFlagRequired("authors")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

type offerDetail struct {
	Offer     types.Offer  `json:"offer"`
	Attendees []types.RSVP `json:"attendees"`
}

func newOfferShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <offer>",
		Short: "Show an offer and its attendees",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			service := ctx.OfferReader()
			offer, err := service.Get(args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			attendees, err := service.Attendees(offer.ID)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if attendees == nil {
				attendees = []types.RSVP{}
			}

			if ctx.JSONMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(offerDetail{Offer: offer, Attendees: attendees})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\n", headerStyle.Render(offer.ID), styleOfferStatus(offer.Status))
			if offer.Title != "" {
				fmt.Fprintf(out, "  title:    %s\n", offer.Title)
			}
			fmt.Fprintf(out, "  type:     %s\n", offer.Type)
			fmt.Fprintf(out, "  authors:  %s\n", strings.Join(offer.Authors, ", "))
			fmt.Fprintf(out, "  start:    %s (%s)\n", offer.StartTime.Format(time.RFC3339), formatRelative(offer.StartTime))
			fmt.Fprintf(out, "  rsvps:    %d/%d\n", offer.RSVPCount, offer.MinRSVPs)
			fmt.Fprintf(out, "  cost:     %d\n", offer.PublicationCost)
			fmt.Fprintf(out, "  reward:   %d per attendee\n", offer.RewardPerAttendee)
			if offer.RewardedAt != nil {
				fmt.Fprintf(out, "  rewarded: %s\n", offer.RewardedAt.Format(time.RFC3339))
			}
			if len(attendees) > 0 {
				fmt.Fprintf(out, "\n  ATTENDEES (%d):\n", len(attendees))
				for _, rsvp := range attendees {
					fmt.Fprintf(out, "    %s %s\n", rsvp.AccountID, mutedStyle.Render(formatRelative(rsvp.CreatedAt)))
				}
			}
			return nil
		},
	}
	return cmd
}

func newOfferListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			statusValue, _ := cmd.Flags().GetString("status")
			var statuses []types.OfferStatus
			for _, status := range splitCommaList(statusValue) {
				statuses = append(statuses, types.OfferStatus(status))
			}

			list, err := ctx.OfferReader().List(statuses...)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if ctx.JSONMode {
				if list == nil {
					list = []types.Offer{}
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(list)
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No offers")
				return nil
			}
			fmt.Fprintf(out, "OFFERS (%d):\n", len(list))
			for _, offer := range list {
				label := offer.ID
				if offer.Title != "" {
					label += " " + offer.Title
				}
				fmt.Fprintf(out, "  %s  %s  %d/%d  %s\n", label, styleOfferStatus(offer.Status),
					offer.RSVPCount, offer.MinRSVPs, mutedStyle.Render(formatRelative(offer.StartTime)))
			}
			return nil
		},
	}

	cmd.Flags().String("status", "", "comma-separated statuses to include")
	return cmd
}

func newOfferCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <offer>",
		Short: "Cancel an offer and refund where eligible",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			service, err := ctx.OfferService()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			result, err := service.CancelOffer(cmd.Context(), args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if ctx.JSONMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Cancelled offer %s\n", result.Offer.ID)
			if !result.Refundable {
				fmt.Fprintln(out, "  no refunds: cancelled inside the refund window")
				return nil
			}
			fmt.Fprintf(out, "  refunds queued: %d\n", len(result.Refunds))
			if result.RefundErrors > 0 {
				fmt.Fprintln(out, failedStyle.Render(fmt.Sprintf("  refunds failed: %d", result.RefundErrors)))
			}
			return nil
		},
	}
	return cmd
}

func newOfferRewardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reward <offer>",
		Short: "Mint attendance rewards for a started offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			service, err := ctx.OfferService()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			result, err := service.RewardAttendees(cmd.Context(), args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if ctx.JSONMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Rewarded offer %s: %d reward(s) queued\n", result.Offer.ID, len(result.Rewards))
			if result.RewardErrors > 0 {
				fmt.Fprintln(out, failedStyle.Render(fmt.Sprintf("  rewards failed: %d", result.RewardErrors)))
			}
			return nil
		},
	}
	return cmd
}
