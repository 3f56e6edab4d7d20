package command

import (
	"encoding/json"
	"fmt"

	"github.com/adamavenir/tally/internal/daemon"
	"github.com/spf13/cobra"
)

// NewPublishCmd creates the publish command.
func NewPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Deliver due settlement requests to the relays once",
		Long: `Run one dispatch cycle: publish due outbox entries to TALLY_RELAYS and
schedule retries for those no relay accepted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			if daemon.IsLocked(ctx.DataDir) && !ctx.JSONMode {
				fmt.Fprintln(cmd.ErrOrStderr(), "Note: a daemon is running and dispatches on its own")
			}

			dispatcher, err := ctx.Dispatcher()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			result, err := dispatcher.DispatchOnce(cmd.Context())
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if ctx.JSONMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %d, retrying %d, failed %d\n",
				result.Published, result.Retrying, result.Failed)
			return nil
		},
	}
	return cmd
}
