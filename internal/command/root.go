package command

import (
	"os"

	"github.com/spf13/cobra"
)

const AppName = "tally"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Tally - token ledger and settlement CLI",
		Long:          "Tally keeps per-account token journals and queues signed settlement requests for relay delivery.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("data-dir", "", "data directory (default $TALLY_DATA_DIR or .tally)")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewInitCmd(),
		NewKeygenCmd(),
		NewAddressCmd(),
		NewBalanceCmd(),
		NewOpsCmd(),
		NewPendingCmd(),
		NewClaimCmd(),
		NewRetryCmd(),
		NewCompactCmd(),
		NewOfferCmd(),
		NewRSVPCmd(),
		NewOutboxCmd(),
		NewPublishCmd(),
		NewReceiptCmd(),
		NewDaemonCmd(),
	)

	return cmd
}

func Execute() error {
	return NewRootCmd(Version).Execute()
}
