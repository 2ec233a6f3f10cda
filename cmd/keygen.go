package cmd

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luma/lumen/encryption"
)

var KeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 key pair",
	Long: `Generate an Ed25519 key pair and print it in the format expected by
LUMEN_PUBLIC_KEY and LUMEN_SECRET_KEY.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := encryption.GenerateKeyPair()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "LUMEN_PUBLIC_KEY=%s\n", base64.StdEncoding.EncodeToString(keys.Public))
		fmt.Fprintf(out, "LUMEN_SECRET_KEY=%s\n", base64.StdEncoding.EncodeToString(keys.Secret))

		return nil
	},
}
