package enginetest

import (
	"bytes"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luma/lumen/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler serves the engine over WebSockets. Every text message
// from a client may carry several lines. Replies are sent one line per
// message.
func (e *Engine) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			e.log.Warn("Failed to upgrade", zap.Error(err))
			return
		}

		c := &wsConn{conn: conn}
		c.sess = newSession(c.write, c.shutdown)

		if err := e.addSession(c.sess); err != nil {
			conn.Close()
			return
		}
		defer e.removeSession(c.sess)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					e.log.Info("WebSocket closed unexpectedly", zap.Error(err))
				}

				c.shutdown(err)
				return
			}

			for _, line := range bytes.Split(data, []byte("\n")) {
				line = protocol.RemoveTrailingCR(line)
				if len(line) == 0 {
					continue
				}

				e.handle(c.sess, line)
			}
		}
	})
}

type wsConn struct {
	conn *websocket.Conn
	sess *session

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}
