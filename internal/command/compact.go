package command

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

type compactResult struct {
	AccountID string `json:"account_id"`
	Removed   int    `json:"removed"`
}

// NewCompactCmd creates the compact command.
func NewCompactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact [account]",
		Short: "Drop old confirmed operations from journals",
		Long: `Rewrite journals without confirmed operations older than the retention window.

Without an account every journal is compacted. Unsettled operations keep
their full history.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			days := ctx.Config.RetentionDays
			if cmd.Flags().Changed("days") {
				days, _ = cmd.Flags().GetInt("days")
			}

			accounts := args
			if len(accounts) == 0 {
				accounts, err = ctx.Journal.Accounts()
				if err != nil {
					return writeCommandError(cmd, err)
				}
			}

			results := make([]compactResult, 0, len(accounts))
			for _, accountID := range accounts {
				removed, err := ctx.Journal.Compact(accountID, days)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				results = append(results, compactResult{AccountID: accountID, Removed: removed})
			}

			if ctx.JSONMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(results)
			}
			out := cmd.OutOrStdout()
			total := 0
			for _, result := range results {
				total += result.Removed
				if result.Removed > 0 {
					fmt.Fprintf(out, "  %s: removed %d\n", result.AccountID, result.Removed)
				}
			}
			fmt.Fprintf(out, "Compacted %d journal(s), removed %d record(s) older than %d days\n", len(results), total, days)
			return nil
		},
	}

	cmd.Flags().Int("days", 0, "retention window in days (default $TALLY_RETENTION_DAYS)")
	return cmd
}
