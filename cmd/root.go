package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/lumen/client"
	"github.com/luma/lumen/cmd/gen"
	"github.com/luma/lumen/internal/env"
)

var RootCmd = &cobra.Command{
	Use:   "lumen",
	Short: "Publish and subscribe to encrypted messages on a Lumen engine",
	Long: `Publish and subscribe to encrypted messages on a Lumen engine.

Connection settings are read from LUMEN_* environment variables, and from
.env.local when it exists.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(
		KeygenCmd,
		PublishCmd,
		SubscribeCmd,
		VersionCmd,
		gen.RootCmd,
	)
}

func Execute() {
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect loads the configuration and returns a connected client.
func connect(ctx context.Context) (*client.Client, *env.Config, *zap.Logger, error) {
	conf, err := env.LoadConfig(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	log, err := env.MakeLogger(conf.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}

	options, err := conf.ClientOptions(log)
	if err != nil {
		return nil, nil, nil, err
	}

	c, err := client.New(options)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, nil, nil, fmt.Errorf("Failed to connect to %s: %w", conf.Address, err)
	}

	log.Info("Connected",
		zap.String("transport", conf.Transport),
		zap.String("address", conf.Address),
		zap.String("clientId", c.Session().ClientID))

	return c, conf, log, nil
}
