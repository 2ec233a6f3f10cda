package client

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/lumen/protocol"
)

// Handler processes one message. Returning an error leaves the message
// unacknowledged.
type Handler func(ctx context.Context, msg *Message) error

type HandlerID uint64

type SubscribeOptions struct {
	// AutoAck sends ACK after each handler that returns without error.
	AutoAck bool

	// DecryptionKey is tried before the client's own secret key.
	DecryptionKey ed25519.PrivateKey
}

// Dispatcher routes pushed records to the handlers of their topic. Records
// are queued without bound and handled one at a time on a single goroutine,
// so a handler waiting on an ACK never holds up the transport.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn       *Conn
	defaultKey ed25519.PrivateKey

	mu            sync.Mutex
	subs          map[string]*Subscription
	nextHandlerID HandlerID

	queueMu sync.Mutex
	queue   []*protocol.Response
	notify  chan struct{}

	stopWaiter sync.WaitGroup

	log *zap.Logger
}

func newDispatcher(conn *Conn, defaultKey ed25519.PrivateKey, log *zap.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		defaultKey: defaultKey,
		subs:       make(map[string]*Subscription),
		notify:     make(chan struct{}, 1),
		log:        log.Named("dispatcher"),
	}
}

func (d *Dispatcher) start() {
	d.stopWaiter.Add(1)
	go func() {
		defer d.stopWaiter.Done()
		d.run()
	}()
}

// stop drops queued records and waits for the running handler to return.
func (d *Dispatcher) stop() {
	d.cancel()
	d.stopWaiter.Wait()
}

// Enqueue hands a +RECORD: frame to the dispatch goroutine. It never blocks.
func (d *Dispatcher) Enqueue(resp *protocol.Response) {
	d.queueMu.Lock()
	d.queue = append(d.queue, resp)
	d.queueMu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.ctx.Done():
			return

		case <-d.notify:
			for {
				resp := d.next()
				if resp == nil {
					break
				}

				d.dispatch(resp)

				if d.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func (d *Dispatcher) next() *protocol.Response {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	if len(d.queue) == 0 {
		return nil
	}

	resp := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]

	return resp
}

func (d *Dispatcher) dispatch(resp *protocol.Response) {
	rec, err := protocol.ParseRecord(resp.Body)
	if err != nil {
		d.log.Warn("Failed to parse record", zap.Error(err))
		return
	}

	log := d.log.With(zap.String("topic", rec.Topic), zap.String("idem", rec.Idem))

	sub := d.lookup(rec.Topic)
	if sub == nil {
		log.Debug("Dropping record for a topic with no subscription")
		return
	}

	msg, err := openRecord(rec, sub.decryptionKeys()...)
	if err != nil {
		log.Warn("Failed to process message, dropping it", zap.Error(err))
		return
	}

	for _, entry := range sub.handlerSnapshot() {
		if err := d.call(entry.handler, msg); err != nil {
			log.Warn("Handler failed", zap.Uint64("handler", uint64(entry.id)), zap.Error(err))
			continue
		}

		if sub.autoAck {
			if err := sub.Ack(d.ctx, msg.Idem, msg.Block); err != nil {
				log.Warn("Failed to auto-ack", zap.Error(err))
			}
		}
	}
}

// call runs a handler, turning a panic into an error.
func (d *Dispatcher) call(handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return handler(d.ctx, msg)
}

// Subscribe registers handler for topic. SUB is only sent the first time a
// topic is subscribed; later calls add the handler to the existing
// subscription.
func (d *Dispatcher) Subscribe(ctx context.Context, topic string, handler Handler, options SubscribeOptions) (*Subscription, HandlerID, error) {
	if topic == "" {
		return nil, 0, fmt.Errorf("%w: topic is required", ErrValidation)
	}

	if handler == nil {
		return nil, 0, fmt.Errorf("%w: a subscription needs a handler", ErrValidation)
	}

	if options.DecryptionKey != nil && len(options.DecryptionKey) != ed25519.PrivateKeySize {
		return nil, 0, fmt.Errorf("%w: decryption key must be %d bytes", ErrValidation, ed25519.PrivateKeySize)
	}

	d.mu.Lock()
	if sub, ok := d.subs[topic]; ok {
		id := sub.addLocked(handler)
		d.mu.Unlock()

		if err := sub.wait(ctx); err != nil {
			return nil, 0, err
		}

		return sub, id, nil
	}

	// Registered before SUB goes out so a record pushed right behind the
	// reply finds its handlers
	sub := &Subscription{
		d:             d,
		topic:         topic,
		autoAck:       options.AutoAck,
		decryptionKey: options.DecryptionKey,
		ready:         make(chan struct{}),
	}
	id := sub.addLocked(handler)
	d.subs[topic] = sub
	d.mu.Unlock()

	_, err := d.conn.SendAuthenticated(ctx, protocol.SUB, protocol.F(protocol.KeyEvent, topic))
	if err != nil {
		d.forget(sub)
	}
	sub.settle(err)

	if err != nil {
		return nil, 0, err
	}

	return sub, id, nil
}

// Topics lists the subscribed topics.
func (d *Dispatcher) Topics() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	topics := make([]string, 0, len(d.subs))
	for topic := range d.subs {
		topics = append(topics, topic)
	}

	return topics
}

// Resubscribe sends SUB for every registered topic and clears their paused
// state. It runs after a reconnect.
func (d *Dispatcher) Resubscribe(ctx context.Context) error {
	var err error

	for _, topic := range d.Topics() {
		if _, serr := d.conn.SendAuthenticated(ctx, protocol.SUB, protocol.F(protocol.KeyEvent, topic)); serr != nil {
			err = multierr.Append(err, fmt.Errorf("Failed to resubscribe to '%s': %w", topic, serr))
			continue
		}

		if sub := d.lookup(topic); sub != nil {
			sub.setPaused(false)
		}
	}

	return err
}

func (d *Dispatcher) lookup(topic string) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.subs[topic]
}

// forget removes sub if it is still the registered subscription for its
// topic.
func (d *Dispatcher) forget(sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.subs[sub.topic] == sub {
		delete(d.subs, sub.topic)
	}
}
