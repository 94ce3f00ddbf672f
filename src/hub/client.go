package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/lecoder-ai/mconnect/src/store"
)

// sendQueueSize bounds each client's outbound queue. A client that cannot
// drain its queue has output dropped rather than blocking the session's
// other clients; it can recover via scrollback_request.
const sendQueueSize = 256

// conn is one connected WebSocket client.
type conn struct {
	id         string
	clientType store.ClientType
	ws         *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	sessionID string // attached session, empty between attaches
}

func newConn(id string, clientType store.ClientType, ws *websocket.Conn) *conn {
	return &conn{
		id:         id,
		clientType: clientType,
		ws:         ws,
		send:       make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
	}
}

func (c *conn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *conn) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// enqueue queues a frame for delivery. Frames for one connection are
// delivered in enqueue order; when the queue is full the frame is dropped.
func (c *conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		logrus.Warnf("Dropping frame for slow client %s", c.id)
	}
}

// writePump owns all writes to the socket.
func (c *conn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			// Drain what is already queued before closing.
			for {
				select {
				case frame := <-c.send:
					c.ws.SetWriteDeadline(time.Now().Add(time.Second))
					if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// close tears the connection down, optionally sending a close frame first.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		if reason != "" {
			deadline := time.Now().Add(time.Second)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), deadline)
		}
		close(c.done)
	})
}
