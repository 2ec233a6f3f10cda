package enginetest

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/lumen/protocol"
)

// TCPListener serves the engine over raw stream sockets.
type TCPListener struct {
	ctx    context.Context
	cancel context.CancelFunc

	engine   *Engine
	listener net.Listener
	log      *zap.Logger

	mu          sync.Mutex
	activeConns map[*tcpConn]struct{}

	loopWaiter sync.WaitGroup
}

// ListenTCP starts accepting connections on addr. Use port 0 and Addr to pick
// a free port.
func (e *Engine) ListenTCP(parentCtx context.Context, addr string) (*TCPListener, error) {
	listener, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parentCtx)

	t := &TCPListener{
		ctx:         ctx,
		cancel:      cancel,
		engine:      e,
		listener:    listener,
		log:         e.log.Named("tcp").With(zap.String("addr", listener.Addr().String())),
		activeConns: make(map[*tcpConn]struct{}),
	}

	go func() {
		<-ctx.Done()

		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.log.Warn("TCP Listener did not close cleanly", zap.Error(err))
		}
	}()

	t.loopWaiter.Add(1)
	go func() {
		defer t.loopWaiter.Done()

		if err := t.acceptLoop(); err != nil {
			t.log.Error("Failed to accept", zap.Error(err))
		}
	}()

	return t, nil
}

func (t *TCPListener) Addr() string {
	return t.listener.Addr().String()
}

// Close stops accepting, closes every connection and waits for their loops.
func (t *TCPListener) Close() error {
	var err error

	t.cancel()

	if lerr := t.listener.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) {
		err = multierr.Append(err, lerr)
	}

	t.mu.Lock()
	for conn := range t.activeConns {
		if cerr := conn.closeSocket(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	t.mu.Unlock()

	t.loopWaiter.Wait()

	return err
}

func (t *TCPListener) acceptLoop() error {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				return nil
			}

			return err
		}

		c := newTCPConn(conn, t.log.Named("conn"))
		c.sess = newSession(c.write, c.shutdown)

		if err := t.engine.addSession(c.sess); err != nil {
			conn.Close()
			return err
		}

		t.addConn(c)

		t.loopWaiter.Add(1)
		go func() {
			defer t.loopWaiter.Done()
			defer t.removeConn(c)

			c.readLoop(t.engine)
		}()
	}
}

func (t *TCPListener) addConn(conn *tcpConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeConns[conn] = struct{}{}
}

func (t *TCPListener) removeConn(conn *tcpConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
}

type tcpConn struct {
	conn net.Conn
	sess *session
	log  *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newTCPConn(conn net.Conn, log *zap.Logger) *tcpConn {
	return &tcpConn{
		conn: conn,
		log:  log.With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

func (c *tcpConn) readLoop(engine *Engine) {
	defer engine.removeSession(c.sess)

	r := bufio.NewReader(c.conn)

	for {
		frame, err := protocol.ReadFrame(r)
		if err != nil {
			c.log.Debug("Read loop exiting", zap.Error(err))
			c.shutdown(err)
			return
		}

		engine.handle(c.sess, frame)
	}
}

func (c *tcpConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return protocol.WriteFrame(c.conn, frame)
}

func (c *tcpConn) shutdown(err error) {
	c.closeSocket()
}

func (c *tcpConn) closeSocket() error {
	var err error

	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})

	return err
}
