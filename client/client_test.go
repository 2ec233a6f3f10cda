package client_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/lumen/client"
	"github.com/luma/lumen/encryption"
	"github.com/luma/lumen/internal/enginetest"
	"github.com/luma/lumen/protocol"
)

var _ = Describe("client / Client", func() {
	var (
		ctx     context.Context
		engine  *enginetest.Engine
		clients []*client.Client
	)

	newClient := func(keys *encryption.KeyPair, configure ...func(*client.Options)) *client.Client {
		options := client.Options{
			AppKey:            "app",
			PublicKey:         keys.Public,
			SecretKey:         keys.Secret,
			Dialer:            engine.Dialer(),
			RenewInterval:     -1,
			ReconnectInterval: 10 * time.Millisecond,
		}

		for _, fn := range configure {
			fn(&options)
		}

		c, err := client.New(options)
		Expect(err).To(Succeed())
		Expect(c.Connect(ctx)).To(Succeed())

		clients = append(clients, c)
		return c
	}

	collect := func() (client.Handler, <-chan *client.Message) {
		received := make(chan *client.Message, 16)

		return func(ctx context.Context, msg *client.Message) error {
			received <- msg
			return nil
		}, received
	}

	BeforeEach(func() {
		ctx = context.Background()
		clients = nil
		engine = enginetest.New(enginetest.Options{AppKeys: []string{"app"}})
	})

	AfterEach(func() {
		for _, c := range clients {
			c.Close()
		}

		engine.Close()
	})

	It("requires a dialer and an app key", func() {
		_, err := client.New(client.Options{AppKey: "app"})
		Expect(errors.Is(err, client.ErrValidation)).To(BeTrue())

		_, err = client.New(client.Options{Dialer: engine.Dialer()})
		Expect(errors.Is(err, client.ErrValidation)).To(BeTrue())
	})

	It("refuses an unknown app key", func() {
		c, err := client.New(client.Options{AppKey: "nope", Dialer: engine.Dialer()})
		Expect(err).To(Succeed())
		defer c.Close()

		err = c.Connect(ctx)
		Expect(errors.Is(err, client.ErrAuthentication)).To(BeTrue())
		Expect(c.State()).To(Equal(client.StateDisconnected))
	})

	It("delivers a published message to its recipient", func() {
		recipient := mustKeyPair()

		subscriber := newClient(recipient)
		handler, received := collect()
		_, _, err := subscriber.Subscribe(ctx, "orders/created", handler, client.SubscribeOptions{})
		Expect(err).To(Succeed())

		publisher := newClient(mustKeyPair())
		result, err := publisher.Publish(ctx, "orders/created", map[string]string{"orderId": "123"}, client.PublishOptions{
			Recipients: []ed25519.PublicKey{recipient.Public},
			Metadata:   map[string]string{"trace": "abc"},
		})
		Expect(err).To(Succeed())
		Expect(result.Idem).NotTo(BeEmpty())

		var msg *client.Message
		Eventually(received).Should(Receive(&msg))
		Expect(msg.Idem).To(Equal(result.Idem))
		Expect(msg.Topic).To(Equal("orders/created"))
		Expect(msg.Metadata).To(Equal(map[string]string{"trace": "abc"}))
		Expect(msg.Sender).To(Equal(publisher.Session().ClientID))

		var payload map[string]interface{}
		Expect(msg.Decode(&payload)).To(Succeed())
		Expect(payload).To(Equal(map[string]interface{}{"orderId": "123"}))
	})

	It("delivers a hybrid message to every recipient and nobody else", func() {
		alice, bob, eve := mustKeyPair(), mustKeyPair(), mustKeyPair()

		var subscribers []<-chan *client.Message
		for _, keys := range []*encryption.KeyPair{alice, bob, eve} {
			handler, received := collect()
			_, _, err := newClient(keys).Subscribe(ctx, "news", handler, client.SubscribeOptions{})
			Expect(err).To(Succeed())
			subscribers = append(subscribers, received)
		}

		publisher := newClient(mustKeyPair())
		_, err := publisher.Publish(ctx, "news", "hello", client.PublishOptions{
			Recipients: []ed25519.PublicKey{alice.Public, bob.Public},
		})
		Expect(err).To(Succeed())

		for _, received := range subscribers[:2] {
			var msg *client.Message
			Eventually(received).Should(Receive(&msg))
			Expect(string(msg.Payload)).To(Equal(`"hello"`))
		}

		Consistently(subscribers[2], 100*time.Millisecond).ShouldNot(Receive())
	})

	It("acks automatically once the handler succeeds", func() {
		keys := mustKeyPair()
		subscriber := newClient(keys)

		handler, received := collect()
		_, _, err := subscriber.Subscribe(ctx, "orders", handler, client.SubscribeOptions{AutoAck: true})
		Expect(err).To(Succeed())

		result, err := newClient(mustKeyPair()).Publish(ctx, "orders", 1, client.PublishOptions{
			Recipients: []ed25519.PublicKey{keys.Public},
		})
		Expect(err).To(Succeed())

		Eventually(received).Should(Receive())
		Eventually(func() []string {
			var idems []string
			for _, cmd := range engine.CommandsWithVerb(protocol.ACK) {
				idems = append(idems, cmd.Get(protocol.KeyIdem))
			}
			return idems
		}).Should(Equal([]string{result.Idem}))
	})

	It("redelivers a deferred message", func() {
		keys := mustKeyPair()
		subscriber := newClient(keys)

		var (
			deliveries int32
			sub        *client.Subscription
		)

		// The first delivery happens after Subscribe has returned
		sub, _, err := subscriber.Subscribe(ctx, "orders", func(ctx context.Context, msg *client.Message) error {
			if atomic.AddInt32(&deliveries, 1) == 1 {
				return sub.Defer(ctx, msg.Idem, 0, "try again")
			}
			return nil
		}, client.SubscribeOptions{})
		Expect(err).To(Succeed())

		_, err = newClient(mustKeyPair()).Publish(ctx, "orders", "x", client.PublishOptions{
			Recipients: []ed25519.PublicKey{keys.Public},
		})
		Expect(err).To(Succeed())

		Eventually(func() int32 { return atomic.LoadInt32(&deliveries) }).Should(Equal(int32(2)))
	})

	It("replays and discards messages", func() {
		keys := mustKeyPair()
		subscriber := newClient(keys)

		handler, received := collect()
		sub, _, err := subscriber.Subscribe(ctx, "orders", handler, client.SubscribeOptions{})
		Expect(err).To(Succeed())

		result, err := newClient(mustKeyPair()).Publish(ctx, "orders", map[string]int{"n": 1}, client.PublishOptions{
			Recipients: []ed25519.PublicKey{keys.Public},
		})
		Expect(err).To(Succeed())
		Eventually(received).Should(Receive())

		msg, err := sub.Replay(ctx, result.Idem)
		Expect(err).To(Succeed())
		Expect(string(msg.Payload)).To(MatchJSON(`{"n":1}`))
		Consistently(received, 50*time.Millisecond).ShouldNot(Receive())

		status, err := sub.Discard(ctx, result.Idem, "done")
		Expect(err).To(Succeed())
		Expect(status.Status).To(Equal("discarded"))

		_, err = sub.Replay(ctx, result.Idem)
		Expect(errors.Is(err, client.ErrReplay)).To(BeTrue())
	})

	It("stops delivery while paused", func() {
		keys := mustKeyPair()
		subscriber := newClient(keys)
		publisher := newClient(mustKeyPair())

		handler, received := collect()
		sub, _, err := subscriber.Subscribe(ctx, "orders", handler, client.SubscribeOptions{})
		Expect(err).To(Succeed())

		Expect(sub.Pause(ctx, "busy")).To(Succeed())

		publish := func() {
			_, err := publisher.Publish(ctx, "orders", "x", client.PublishOptions{
				Recipients: []ed25519.PublicKey{keys.Public},
			})
			Expect(err).To(Succeed())
		}

		publish()
		Consistently(received, 100*time.Millisecond).ShouldNot(Receive())

		Expect(sub.Resume(ctx)).To(Succeed())

		publish()
		Eventually(received).Should(Receive())
	})

	It("resubscribes after reconnecting and keeps every handler", func() {
		keys := mustKeyPair()
		subscriber := newClient(keys)

		ordersHandler, orders := collect()
		invoicesFirst, invoicesA := collect()
		invoicesSecond, invoicesB := collect()

		_, _, err := subscriber.Subscribe(ctx, "orders", ordersHandler, client.SubscribeOptions{})
		Expect(err).To(Succeed())

		invoices, _, err := subscriber.Subscribe(ctx, "invoices", invoicesFirst, client.SubscribeOptions{})
		Expect(err).To(Succeed())
		invoices.On(invoicesSecond)

		before := subscriber.Session().ClientID
		engine.DropConnections()

		Eventually(func() string { return subscriber.Session().ClientID }).ShouldNot(Equal(before))
		Eventually(subscriber.State).Should(Equal(client.StateActive))
		Eventually(func() int { return engine.Subscribers("orders") }).Should(Equal(1))
		Eventually(func() int { return engine.Subscribers("invoices") }).Should(Equal(1))

		publisher := newClient(mustKeyPair())
		for _, topic := range []string{"orders", "invoices"} {
			_, err := publisher.Publish(ctx, topic, topic, client.PublishOptions{
				Recipients: []ed25519.PublicKey{keys.Public},
			})
			Expect(err).To(Succeed())
		}

		for _, received := range []<-chan *client.Message{orders, invoicesA, invoicesB} {
			Eventually(received).Should(Receive())
		}
	})

	It("gives up after the maximum number of reconnect attempts", func() {
		c := newClient(mustKeyPair(), func(o *client.Options) {
			o.MaxReconnectAttempts = 3
			o.ReconnectInterval = 5 * time.Millisecond
		})

		engine.RefuseDials(true)
		engine.DropConnections()

		var err error
		Eventually(c.Errors(), 2*time.Second).Should(Receive(&err))
		Expect(errors.Is(err, client.ErrGivenUp)).To(BeTrue())
		Expect(c.State()).To(Equal(client.StateGivenUp))

		Expect(engine.Dials()).To(Equal(4))
		Consistently(engine.Dials, 200*time.Millisecond).Should(Equal(4))
	})

	It("resubscribes when connected again after giving up", func() {
		keys := mustKeyPair()
		c := newClient(keys, func(o *client.Options) {
			o.MaxReconnectAttempts = 2
			o.ReconnectInterval = 5 * time.Millisecond
		})

		handler, received := collect()
		_, _, err := c.Subscribe(ctx, "orders", handler, client.SubscribeOptions{})
		Expect(err).To(Succeed())

		engine.RefuseDials(true)
		engine.DropConnections()
		Eventually(c.Errors(), 2*time.Second).Should(Receive())
		Eventually(func() int { return engine.Subscribers("orders") }).Should(Equal(0))

		engine.RefuseDials(false)
		Expect(c.Connect(ctx)).To(Succeed())
		Expect(engine.Subscribers("orders")).To(Equal(1))

		_, err = newClient(mustKeyPair()).Publish(ctx, "orders", "back", client.PublishOptions{
			Recipients: []ed25519.PublicKey{keys.Public},
		})
		Expect(err).To(Succeed())
		Eventually(received).Should(Receive())
	})

	It("keeps working across renewals", func() {
		keys := mustKeyPair()
		c := newClient(keys, func(o *client.Options) {
			o.RenewInterval = 20 * time.Millisecond
		})

		first := c.Session().ClientID
		Eventually(func() string { return c.Session().ClientID }).ShouldNot(Equal(first))

		handler, received := collect()
		_, _, err := c.Subscribe(ctx, "orders", handler, client.SubscribeOptions{})
		Expect(err).To(Succeed())

		_, err = c.Publish(ctx, "orders", "to myself", client.PublishOptions{
			Recipients: []ed25519.PublicKey{keys.Public},
		})
		Expect(err).To(Succeed())
		Eventually(received).Should(Receive())
	})
})
