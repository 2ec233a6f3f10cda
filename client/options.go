package client

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/luma/lumen/transport"
)

const (
	DefaultRenewInterval        = 5 * time.Minute
	DefaultRequestTimeout       = 30 * time.Second
	DefaultReconnectInterval    = time.Second
	DefaultReconnectGrowth      = 2.0
	DefaultReconnectMaxInterval = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
)

type Options struct {
	// AppKey is sent with CONN to authenticate the application.
	AppKey string

	// PublicKey and SecretKey are the client's own Ed25519 identity. SecretKey
	// is the default decryption key for every subscription.
	PublicKey ed25519.PublicKey
	SecretKey ed25519.PrivateKey

	Dialer transport.Dialer

	// RenewInterval is the time between RENEW commands. A negative value
	// disables renewal.
	RenewInterval time.Duration

	// RequestTimeout bounds every request that expects a reply.
	RequestTimeout time.Duration

	// The delay before reconnect attempt n is
	// ReconnectInterval * ReconnectGrowth^(n-1), capped at ReconnectMaxInterval.
	ReconnectInterval    time.Duration
	ReconnectGrowth      float64
	ReconnectMaxInterval time.Duration

	// MaxReconnectAttempts is the number of consecutive failed reconnects
	// before the client gives up.
	MaxReconnectAttempts int

	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.RenewInterval == 0 {
		o.RenewInterval = DefaultRenewInterval
	}

	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}

	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}

	if o.ReconnectGrowth < 1 {
		o.ReconnectGrowth = DefaultReconnectGrowth
	}

	if o.ReconnectMaxInterval <= 0 {
		o.ReconnectMaxInterval = DefaultReconnectMaxInterval
	}

	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	return o
}

func (o Options) validate() error {
	if o.Dialer == nil {
		return fmt.Errorf("%w: a dialer is required", ErrValidation)
	}

	if o.AppKey == "" {
		return fmt.Errorf("%w: an app key is required", ErrValidation)
	}

	if o.SecretKey != nil && len(o.SecretKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: secret key must be %d bytes", ErrValidation, ed25519.PrivateKeySize)
	}

	return nil
}
