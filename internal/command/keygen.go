package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adamavenir/tally/internal/sign"
	"github.com/spf13/cobra"
)

// kdfParams are the Argon2id settings for new key files.
var kdfParams = sign.DefaultKDFParams()

// NewKeygenCmd creates the keygen command.
func NewKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the settlement signing key",
		Long: `Generate an ed25519 signing key and store it encrypted with
TALLY_KEY_PASSPHRASE (Argon2id + XChaCha20-Poly1305).

The key signs settlement requests and answers relay auth challenges.
An existing key file is never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			if ctx.Config.KeyPassphrase == "" {
				return writeCommandError(cmd, errors.New("TALLY_KEY_PASSPHRASE is not set"))
			}
			key, err := sign.GenerateKey()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			path := ctx.Config.KeyPath(ctx.DataDir)
			if err := sign.SaveKeyFile(path, key, []byte(ctx.Config.KeyPassphrase), kdfParams); err != nil {
				return writeCommandError(cmd, err)
			}

			pubkey := sign.PublicKeyHex(key)
			if ctx.JSONMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"pubkey": pubkey,
					"path":   path,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote signing key to %s\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "Public key: %s\n", pubkey)
			return nil
		},
	}
	return cmd
}
