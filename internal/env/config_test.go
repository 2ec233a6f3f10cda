package env_test

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/lumen/encryption"
	"github.com/luma/lumen/internal/env"
	"github.com/luma/lumen/transport"
)

var _ = Describe("env", func() {
	var set []string

	setenv := func(vars map[string]string) {
		for k, v := range vars {
			Expect(os.Setenv(k, v)).To(Succeed())
			set = append(set, k)
		}
	}

	AfterEach(func() {
		for _, k := range set {
			os.Unsetenv(k)
		}
		set = nil
	})

	Describe("LoadConfig()", func() {
		It("fills in defaults", func() {
			conf, err := env.LoadConfig(context.Background())
			Expect(err).To(Succeed())

			Expect(conf.Transport).To(Equal(env.TransportTCP))
			Expect(conf.Address).To(Equal("127.0.0.1:7363"))
			Expect(conf.RequestTimeout).To(Equal(30 * time.Second))
			Expect(conf.ReconnectGrowth).To(Equal(2.0))
			Expect(conf.MaxReconnectAttempts).To(Equal(10))
			Expect(conf.LogLevel).To(Equal("info"))
		})

		It("reads LUMEN_ variables", func() {
			setenv(map[string]string{
				"LUMEN_APP_KEY":                "app",
				"LUMEN_TRANSPORT":              "grpc",
				"LUMEN_RENEW_INTERVAL":         "1m",
				"LUMEN_MAX_RECONNECT_ATTEMPTS": "3",
			})

			conf, err := env.LoadConfig(context.Background())
			Expect(err).To(Succeed())
			Expect(conf.AppKey).To(Equal("app"))
			Expect(conf.Transport).To(Equal(env.TransportGRPC))
			Expect(conf.RenewInterval).To(Equal(time.Minute))
			Expect(conf.MaxReconnectAttempts).To(Equal(3))
		})
	})

	Describe("Config.ClientOptions()", func() {
		It("parses the keys", func() {
			keys, err := encryption.GenerateKeyPair()
			Expect(err).To(Succeed())

			conf := &env.Config{
				AppKey:    "app",
				SecretKey: base64.StdEncoding.EncodeToString(keys.Secret.Seed()),
				Transport: env.TransportWebSocket,
				Address:   "ws://localhost:7364/",
			}

			options, err := conf.ClientOptions(zap.NewNop())
			Expect(err).To(Succeed())
			Expect(options.AppKey).To(Equal("app"))
			Expect(options.SecretKey).To(Equal(keys.Secret))
			Expect(options.PublicKey).To(Equal(keys.Public))
			Expect(options.Dialer).To(BeAssignableToTypeOf(&transport.WebSocket{}))
		})

		It("rejects a malformed key", func() {
			conf := &env.Config{AppKey: "app", SecretKey: "not base64!"}

			_, err := conf.ClientOptions(zap.NewNop())
			Expect(errors.Is(err, encryption.ErrKeyFormat)).To(BeTrue())
		})

		It("rejects an unknown transport", func() {
			conf := &env.Config{Transport: "carrier-pigeon"}

			_, err := conf.Dialer(zap.NewNop())
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("MakeLogger()", func() {
		It("accepts zap level names", func() {
			log, err := env.MakeLogger("debug")
			Expect(err).To(Succeed())
			Expect(log.Core().Enabled(zap.DebugLevel)).To(BeTrue())
		})

		It("rejects unknown levels", func() {
			_, err := env.MakeLogger("loud")
			Expect(err).To(HaveOccurred())
		})
	})
})
