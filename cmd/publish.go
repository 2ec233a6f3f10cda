package cmd

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/luma/lumen/client"
	"github.com/luma/lumen/encryption"
)

var (
	// Base64 public keys of the recipients
	recipients []string

	// Unencrypted metadata sent with the message
	metadata map[string]string
)

func init() {
	flags := PublishCmd.Flags()

	flags.StringSliceVarP(&recipients, "recipient", "r", nil, "Base64 public key of a recipient, may be repeated. Defaults to LUMEN_PUBLIC_KEY")
	flags.StringToStringVarP(&metadata, "metadata", "m", nil, "Metadata as key=value pairs")
}

var PublishCmd = &cobra.Command{
	Use:   "publish <topic> <json>",
	Short: "Publish an encrypted JSON message",
	Long: `Publish an encrypted JSON message

Usage
	lumen publish orders/created '{"orderId":"123"}' -r <public key>

`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, payload := args[0], args[1]

		if !gjson.Valid(payload) {
			return errors.New("The payload must be valid JSON")
		}

		c, conf, log, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		keys := make([]ed25519.PublicKey, 0, len(recipients))
		for _, r := range recipients {
			key, err := encryption.ParsePublicKey(r)
			if err != nil {
				return fmt.Errorf("Failed to parse recipient '%s': %w", r, err)
			}
			keys = append(keys, key)
		}

		if len(keys) == 0 && conf.PublicKey != "" {
			key, err := encryption.ParsePublicKey(conf.PublicKey)
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}

		result, err := c.Publish(cmd.Context(), topic, json.RawMessage(payload), client.PublishOptions{
			Recipients: keys,
			Metadata:   metadata,
		})
		if err != nil {
			return err
		}

		log.Info("Published",
			zap.String("topic", topic),
			zap.String("idem", result.Idem),
			zap.String("block", result.Block),
			zap.Int("recipients", len(keys)))

		fmt.Fprintln(cmd.OutOrStdout(), result.Idem)
		return nil
	},
}
