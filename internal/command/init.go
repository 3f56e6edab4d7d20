package command

import (
	"encoding/json"
	"fmt"

	"github.com/adamavenir/tally/internal/core"
	"github.com/spf13/cobra"
)

type initResult struct {
	Initialized bool   `json:"initialized"`
	Path        string `json:"path"`
}

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the data directory layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonMode, _ := cmd.Flags().GetBool("json")

			_, dataDir, err := loadConfig(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if err := core.InitDataDir(dataDir); err != nil {
				return writeCommandError(cmd, err)
			}

			if jsonMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(initResult{Initialized: true, Path: dataDir})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized tally data directory at %s\n", dataDir)
			return nil
		},
	}
	return cmd
}
