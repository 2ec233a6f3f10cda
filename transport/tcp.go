package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/lumen/protocol"
)

// TCP dials the engine over a raw stream socket. Frames are \r\n terminated
// lines.
type TCP struct {
	addr    string
	options Options
}

func NewTCP(addr string, options Options) *TCP {
	return &TCP{
		addr:    addr,
		options: options.withDefaults(),
	}
}

func (t *TCP) Dial(ctx context.Context, events Events) (Transport, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, err
	}

	c := newTCPConn(conn, events, t.options)
	c.start()

	return c, nil
}

type TCPConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn   net.Conn
	events Events

	writeQueue chan []byte

	closeOnce  sync.Once
	notifyOnce sync.Once

	log   *zap.Logger
	trace bool
}

func newTCPConn(conn net.Conn, events Events, options Options) *TCPConn {
	ctx, cancel := context.WithCancel(context.Background())

	return &TCPConn{
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		events:     events,
		writeQueue: make(chan []byte, options.WriteQueueSize),
		log:        options.Log.Named("tcp").With(zap.String("remote", conn.RemoteAddr().String())),
		trace:      options.Trace,
	}
}

func (t *TCPConn) start() {
	go t.ReadLoop()
	go t.WriteLoop()
}

// Close stops both loops and closes the socket. It does not wait for the
// loops, so it is safe to call from an OnFrame or OnClose callback.
func (t *TCPConn) Close() error {
	var err error

	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
	})

	return err
}

func (t *TCPConn) ReadLoop() {
	log := t.log.Named("readLoop")
	r := bufio.NewReader(t.conn)

	for {
		frame, err := protocol.ReadFrame(r)
		if err != nil {
			if !t.isRunning() {
				// We closed the socket ourselves
				err = ErrClosed
			} else {
				log.Info("Connection read failed, closing", zap.Error(err))
			}

			t.Close()
			t.notifyClose(err)
			return
		}

		if t.trace {
			log.Debug("READ", zap.ByteString("frame", frame))
		}

		t.events.OnFrame(frame)
	}
}

func (t *TCPConn) WriteLoop() {
	log := t.log.Named("writeLoop")

	for {
		select {
		case <-t.ctx.Done():
			return

		case data := <-t.writeQueue:
			if t.trace {
				log.Debug("WRITE", zap.ByteString("frame", data))
			}

			if _, err := t.conn.Write(data); err != nil {
				log.Warn("Failed to write from write queue", zap.Error(err))

				// The read loop will notice the closed socket and report it
				t.Close()
				return
			}
		}
	}
}

// Send queues a frame for the write loop.
func (t *TCPConn) Send(frame []byte) error {
	if !t.isRunning() {
		return ErrClosed
	}

	data := make([]byte, 0, len(frame)+len(protocol.Terminal))
	data = append(data, frame...)
	data = append(data, protocol.Terminal...)

	select {
	case t.writeQueue <- data:
		return nil

	case <-t.ctx.Done():
		return ErrClosed
	}
}

func (t *TCPConn) notifyClose(err error) {
	t.notifyOnce.Do(func() {
		if errors.Is(err, net.ErrClosed) {
			err = ErrClosed
		}

		t.events.OnClose(err)
	})
}

// isRunning returns true if Close has not been called
func (t *TCPConn) isRunning() bool {
	select {
	case <-t.ctx.Done():
		// if we can read on this channel then it's been closed
		return false

	default:
		return true
	}
}

var _ Transport = (*TCPConn)(nil)
var _ Dialer = (*TCP)(nil)
