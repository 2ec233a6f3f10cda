package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// StreamMethod is the full name of the engine's bidirectional stream.
	StreamMethod = "/lumen.Engine/Stream"

	frameCodecName = "lumen-frame"
)

// StreamDesc describes the engine stream. There is no generated code, frames
// travel as raw bytes through FrameCodec.
var StreamDesc = &grpc.StreamDesc{
	StreamName:    "Stream",
	ServerStreams: true,
	ClientStreams: true,
}

// FrameCodec passes protocol lines through gRPC untouched. Messages are
// *[]byte.
type FrameCodec struct{}

func (FrameCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *[]byte:
		return *m, nil
	case []byte:
		return m, nil
	default:
		return nil, fmt.Errorf("transport: cannot marshal %T as a frame", v)
	}
}

func (FrameCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("transport: cannot unmarshal a frame into %T", v)
	}

	*m = append((*m)[:0], data...)
	return nil
}

func (FrameCodec) Name() string {
	return frameCodecName
}

// GRPC dials the engine's bidirectional gRPC stream. Every message is one line.
type GRPC struct {
	target      string
	dialOptions []grpc.DialOption
	options     Options
}

// NewGRPC creates a gRPC dialer. Without dial options the connection is
// plaintext, pass credentials through dialOptions for TLS.
func NewGRPC(target string, options Options, dialOptions ...grpc.DialOption) *GRPC {
	return &GRPC{
		target:      target,
		dialOptions: dialOptions,
		options:     options.withDefaults(),
	}
}

func (g *GRPC) Dial(ctx context.Context, events Events) (Transport, error) {
	dialOptions := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(FrameCodec{})),
	}
	dialOptions = append(dialOptions, g.dialOptions...)

	cc, err := grpc.DialContext(ctx, g.target, dialOptions...)
	if err != nil {
		return nil, err
	}

	// The stream outlives the dial context
	streamCtx, cancel := context.WithCancel(context.Background())

	stream, err := cc.NewStream(streamCtx, StreamDesc, StreamMethod)
	if err != nil {
		cancel()
		cc.Close()
		return nil, err
	}

	c := &GRPCConn{
		cc:     cc,
		stream: stream,
		cancel: cancel,
		events: events,
		log:    g.options.Log.Named("grpc").With(zap.String("target", g.target)),
		trace:  g.options.Trace,
	}

	go c.ReadLoop()

	return c, nil
}

type GRPCConn struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	events Events

	sendMu sync.Mutex
	closed atomic.Bool

	closeOnce sync.Once

	log   *zap.Logger
	trace bool
}

func (c *GRPCConn) ReadLoop() {
	for {
		var frame []byte

		if err := c.stream.RecvMsg(&frame); err != nil {
			if c.isClosed() {
				err = ErrClosed
			} else if !errors.Is(err, io.EOF) {
				c.log.Info("Stream receive failed", zap.Error(err))
			}

			c.Close()
			c.events.OnClose(err)
			return
		}

		if c.trace {
			c.log.Debug("READ", zap.ByteString("frame", frame))
		}

		c.events.OnFrame(frame)
	}
}

// Send writes a frame. SendMsg is not safe for concurrent use, hence the lock.
func (c *GRPCConn) Send(frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.trace {
		c.log.Debug("WRITE", zap.ByteString("frame", frame))
	}

	return c.stream.SendMsg(&frame)
}

func (c *GRPCConn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.closed.Store(true)

		// Cancelling unblocks a SendMsg waiting on flow control
		c.cancel()

		err = c.cc.Close()
	})

	return err
}

func (c *GRPCConn) isClosed() bool {
	return c.closed.Load()
}

var _ Transport = (*GRPCConn)(nil)
var _ Dialer = (*GRPC)(nil)
