package command

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func writeCommandError(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())

	if errors.Is(err, errKeyMissing) {
		fmt.Fprintln(cmd.ErrOrStderr(), "Hint: create a signing key with: tally keygen")
	}
	if errors.Is(err, errNotInitialized) {
		fmt.Fprintln(cmd.ErrOrStderr(), "Hint: run: tally init")
	}

	return err
}

var (
	errKeyMissing     = errors.New("signing key not found")
	errNotInitialized = errors.New("data directory not initialized")
)

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
