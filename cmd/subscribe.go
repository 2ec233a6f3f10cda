package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/lumen/client"
)

var (
	// The host to serve the status endpoints on
	host string

	// The port to listen for http requests on, empty disables the status server
	httpPort string

	// Ack every message once it has been logged
	autoAck bool
)

func init() {
	flags := SubscribeCmd.Flags()

	flags.StringVar(&httpPort, "http-port", "", "The port to serve /ping and /status on")
	flags.StringVarP(&host, "host", "a", "127.0.0.1", "The host to serve /ping and /status on")
	flags.BoolVar(&autoAck, "auto-ack", false, "Acknowledge messages after they are logged")
}

var SubscribeCmd = &cobra.Command{
	Use:   "subscribe <topic>...",
	Short: "Subscribe to topics and log every message received",
	Long: `Subscribe to topics and log every message received

Usage
	lumen subscribe orders/created invoices --auto-ack

`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		c, conf, log, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Debug("Set file limit", zap.Uint64("fileLimit", fileLimit))

		handler := func(ctx context.Context, msg *client.Message) error {
			log.Info("Message",
				zap.String("topic", msg.Topic),
				zap.String("idem", msg.Idem),
				zap.String("block", msg.Block),
				zap.String("sender", msg.Sender),
				zap.Time("timestamp", msg.Timestamp),
				zap.Any("metadata", msg.Metadata),
				zap.ByteString("payload", msg.Payload))
			return nil
		}

		for _, topic := range args {
			if _, _, err := c.Subscribe(ctx, topic, handler, client.SubscribeOptions{AutoAck: autoAck}); err != nil {
				return err
			}
		}

		var s *http.Server
		if httpPort != "" {
			router := setupRouter(conf.DebugHTTP, log)

			// Ping test
			router.GET("/ping", func(c *gin.Context) {
				c.String(http.StatusOK, "pong")
			})

			router.GET("/status", statusHandler(c))

			s = &http.Server{
				Addr:    net.JoinHostPort(host, httpPort),
				Handler: router,
			}

			// Initializing the server in a goroutine so that
			// it won't block the graceful shutdown handling below
			go func() {
				if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Http server errored", zap.Error(err))
				}
			}()
		}

		log.Info("Subscribed",
			zap.Strings("topics", args),
			zap.Bool("autoAck", autoAck),
			zap.String("httpPort", httpPort))

		select {
		case <-ctx.Done():
		case err = <-c.Errors():
			log.Error("Connection gave up", zap.Error(err))
		}

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		if s != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			s.SetKeepAlivesEnabled(false)

			if err := s.Shutdown(ctx); err != nil {
				log.Error("Http server forced to shutdown", zap.Error(err))
			}
		}

		log.Info("Exiting")
		return err
	},
}

func statusHandler(c *client.Client) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		session := c.Session()
		topics := c.Topics()
		sort.Strings(topics)

		code := http.StatusOK
		if c.State() != client.StateActive {
			code = http.StatusServiceUnavailable
		}

		ctx.JSON(code, gin.H{
			"state":             c.State().String(),
			"clientId":          session.ClientID,
			"reconnectAttempts": session.ReconnectAttempts,
			"topics":            topics,
		})
	}
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
