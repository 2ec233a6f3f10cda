package transport

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const closeWriteTimeout = time.Second

// WebSocket dials the engine over a WebSocket. Each text message carries one
// or more lines.
type WebSocket struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	options Options
}

func NewWebSocket(url string, header http.Header, options Options) *WebSocket {
	return &WebSocket{
		url:     url,
		header:  header,
		dialer:  websocket.DefaultDialer,
		options: options.withDefaults(),
	}
}

func (w *WebSocket) Dial(ctx context.Context, events Events) (Transport, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		return nil, err
	}

	c := &WebSocketConn{
		conn:   conn,
		events: events,
		log:    w.options.Log.Named("websocket").With(zap.String("url", w.url)),
		trace:  w.options.Trace,
	}

	go c.ReadLoop()

	return c, nil
}

type WebSocketConn struct {
	conn   *websocket.Conn
	events Events

	writeMu sync.Mutex
	closed  bool

	closeOnce sync.Once

	log   *zap.Logger
	trace bool
}

func (c *WebSocketConn) ReadLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("WebSocket closed unexpectedly", zap.Error(err))
			}

			if c.isClosed() {
				err = ErrClosed
			}

			c.Close()
			c.events.OnClose(err)
			return
		}

		for _, line := range bytes.Split(data, []byte("\n")) {
			line = bytes.TrimRight(line, "\r")
			if len(line) == 0 {
				continue
			}

			if c.trace {
				c.log.Debug("READ", zap.ByteString("frame", line))
			}

			c.events.OnFrame(line)
		}
	}
}

func (c *WebSocketConn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if c.trace {
		c.log.Debug("WRITE", zap.ByteString("frame", frame))
	}

	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *WebSocketConn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		// Best effort, the peer may already be gone
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})

	return err
}

func (c *WebSocketConn) isClosed() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closed
}

var _ Transport = (*WebSocketConn)(nil)
var _ Dialer = (*WebSocket)(nil)
