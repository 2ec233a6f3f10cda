package client

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/luma/lumen/encryption"
	"github.com/luma/lumen/protocol"
)

type PublishOptions struct {
	// Recipients are the Ed25519 public keys allowed to read the message.
	Recipients []ed25519.PublicKey

	// Metadata travels unencrypted next to the payload.
	Metadata map[string]string
}

// Client publishes and subscribes over one connection to the engine.
type Client struct {
	options    Options
	conn       *Conn
	dispatcher *Dispatcher

	log *zap.Logger
}

func New(options Options) (*Client, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}

	options = options.withDefaults()

	c := &Client{
		options: options,
		log:     options.Log,
	}

	c.conn = NewConn(options, ConnHandlers{
		Record: func(resp *protocol.Response) {
			c.dispatcher.Enqueue(resp)
		},
		Reconnected: func(ctx context.Context) error {
			return c.dispatcher.Resubscribe(ctx)
		},
	})

	c.dispatcher = newDispatcher(c.conn, options.SecretKey, options.Log)
	c.dispatcher.start()

	return c, nil
}

func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Publish encrypts payload, as JSON, for the recipients and sends it to
// topic. One recipient gets a direct envelope, several get a hybrid one.
func (c *Client) Publish(ctx context.Context, topic string, payload interface{}, options PublishOptions) (*PublishResult, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrValidation)
	}

	if len(options.Recipients) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrValidation, encryption.ErrNoRecipients)
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not JSON encodable: %v", ErrValidation, err)
	}

	env, err := encryption.Seal(plaintext, options.Recipients)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	encoded, err := encryption.EncodePayload(env)
	if err != nil {
		return nil, err
	}

	metadata, err := protocol.EncodeMetadata(options.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	resp, err := c.conn.SendAuthenticated(ctx, protocol.PUB,
		protocol.F(protocol.KeyEvent, topic),
		protocol.F(protocol.KeyPayload, encoded),
		protocol.F(protocol.KeyMetadata, base64.StdEncoding.EncodeToString([]byte(metadata))),
	)
	if err != nil {
		return nil, err
	}

	result := &PublishResult{}

	values, err := resp.Values()
	if err != nil {
		// Older engines reply with the bare id
		result.Idem = resp.Text()
		return result, nil
	}

	result.Idem = values["idem"]
	result.Block = values["block"]

	return result, nil
}

// Subscribe registers handler for topic and returns the subscription with
// the handler's id. Options only apply when the topic is new.
func (c *Client) Subscribe(ctx context.Context, topic string, handler Handler, options SubscribeOptions) (*Subscription, HandlerID, error) {
	return c.dispatcher.Subscribe(ctx, topic, handler, options)
}

// Topics lists the topics with at least one handler.
func (c *Client) Topics() []string {
	return c.dispatcher.Topics()
}

func (c *Client) State() State {
	return c.conn.State()
}

func (c *Client) Session() Session {
	return c.conn.Session()
}

// Errors delivers terminal errors, such as ErrGivenUp.
func (c *Client) Errors() <-chan error {
	return c.conn.Errors()
}

// Close closes the connection and stops delivering messages. It is safe to
// call more than once, but not from inside a handler.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.dispatcher.stop()

	return err
}
