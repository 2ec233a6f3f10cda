package env

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap"

	"github.com/luma/lumen/client"
	"github.com/luma/lumen/encryption"
	"github.com/luma/lumen/transport"
)

const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
	TransportGRPC      = "grpc"
)

type Config struct {
	AppKey    string `env:"LUMEN_APP_KEY"`
	PublicKey string `env:"LUMEN_PUBLIC_KEY"`
	SecretKey string `env:"LUMEN_SECRET_KEY"`

	// Transport is one of tcp, websocket or grpc
	Transport string `env:"LUMEN_TRANSPORT,default=tcp"`
	Address   string `env:"LUMEN_ADDRESS,default=127.0.0.1:7363"`

	RenewInterval        time.Duration `env:"LUMEN_RENEW_INTERVAL,default=5m"`
	RequestTimeout       time.Duration `env:"LUMEN_REQUEST_TIMEOUT,default=30s"`
	ReconnectInterval    time.Duration `env:"LUMEN_RECONNECT_INTERVAL,default=1s"`
	ReconnectGrowth      float64       `env:"LUMEN_RECONNECT_GROWTH,default=2"`
	ReconnectMaxInterval time.Duration `env:"LUMEN_RECONNECT_MAX_INTERVAL,default=30s"`
	MaxReconnectAttempts int           `env:"LUMEN_MAX_RECONNECT_ATTEMPTS,default=10"`

	LogLevel  string `env:"LUMEN_LOG_LEVEL,default=info"`
	Trace     bool   `env:"LUMEN_TRACE"`
	DebugHTTP bool   `env:"LUMEN_DEBUG_HTTP"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("Failed to load .env.local: %w", err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Dialer builds the transport named by Transport.
func (c *Config) Dialer(log *zap.Logger) (transport.Dialer, error) {
	options := transport.Options{
		Trace: c.Trace,
		Log:   log.Named("transport"),
	}

	switch c.Transport {
	case TransportTCP, "":
		return transport.NewTCP(c.Address, options), nil

	case TransportWebSocket:
		return transport.NewWebSocket(c.Address, http.Header{}, options), nil

	case TransportGRPC:
		return transport.NewGRPC(c.Address, options), nil

	default:
		return nil, fmt.Errorf("Unknown transport '%s', expected tcp, websocket or grpc", c.Transport)
	}
}

// ClientOptions maps the configuration onto client.Options. Keys are
// optional; without a secret key the client can only publish.
func (c *Config) ClientOptions(log *zap.Logger) (client.Options, error) {
	dialer, err := c.Dialer(log)
	if err != nil {
		return client.Options{}, err
	}

	options := client.Options{
		AppKey:               c.AppKey,
		Dialer:               dialer,
		RenewInterval:        c.RenewInterval,
		RequestTimeout:       c.RequestTimeout,
		ReconnectInterval:    c.ReconnectInterval,
		ReconnectGrowth:      c.ReconnectGrowth,
		ReconnectMaxInterval: c.ReconnectMaxInterval,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		Log:                  log.Named("client"),
	}

	if c.SecretKey != "" {
		if options.SecretKey, err = encryption.ParseSecretKey(c.SecretKey); err != nil {
			return client.Options{}, fmt.Errorf("Failed to parse LUMEN_SECRET_KEY: %w", err)
		}

		if options.PublicKey, err = encryption.PublicKeyOf(options.SecretKey); err != nil {
			return client.Options{}, err
		}
	}

	if c.PublicKey != "" {
		if options.PublicKey, err = encryption.ParsePublicKey(c.PublicKey); err != nil {
			return client.Options{}, fmt.Errorf("Failed to parse LUMEN_PUBLIC_KEY: %w", err)
		}
	}

	return options, nil
}
