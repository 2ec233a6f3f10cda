package enginetest

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/luma/lumen/transport"
)

// GRPCServer returns a server carrying the engine stream. The caller owns
// Serve and Stop.
func (e *Engine) GRPCServer(options ...grpc.ServerOption) *grpc.Server {
	options = append(options,
		grpc.ForceServerCodec(transport.FrameCodec{}),
		grpc.UnknownServiceHandler(e.serveStream),
	)

	return grpc.NewServer(options...)
}

func (e *Engine) serveStream(_ interface{}, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	if method != transport.StreamMethod {
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	c := &grpcStream{stream: stream, cancel: cancel}
	c.sess = newSession(c.write, c.shutdown)

	if err := e.addSession(c.sess); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer e.removeSession(c.sess)

	go func() {
		defer cancel()

		for {
			var frame []byte
			if err := stream.RecvMsg(&frame); err != nil {
				e.log.Debug("Stream receive ended", zap.Error(err))
				return
			}

			e.handle(c.sess, frame)
		}
	}()

	<-ctx.Done()

	c.sendMu.Lock()
	c.done = true
	c.sendMu.Unlock()

	return nil
}

type grpcStream struct {
	stream grpc.ServerStream
	sess   *session
	cancel context.CancelFunc

	sendMu sync.Mutex
	done   bool
}

func (c *grpcStream) write(frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.done {
		return transport.ErrClosed
	}

	return c.stream.SendMsg(&frame)
}

func (c *grpcStream) shutdown(err error) {
	c.cancel()
}
