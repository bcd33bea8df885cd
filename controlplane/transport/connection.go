// Package transport implements the Transport component (C1): a websocket
// query endpoint (request/reply, one outstanding request per connection) and
// a websocket publish endpoint (server-pushed notifications), each websocket
// text message carrying one JSON envelope.
package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fkie-cad/wattson-controlplane/controlplane/logging"
)

// WebSocket timeout constants, following the same margins gorilla's own
// examples recommend: pingPeriod must stay comfortably below pongWait so a
// missed pong is detected before the peer is presumed dead.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4 * 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the wire frame every message travels in, tagged so a single
// socket can multiplex requests, responses, and notifications.
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

const (
	kindRequest      = "request"
	kindResponse     = "response"
	kindNotification = "notification"
)

// connection wraps one accepted websocket with the read/write-goroutine-pair
// pattern: a single writer goroutine owns conn.WriteMessage, fed by a
// buffered send channel, so concurrent publishers never race on the socket.
type connection struct {
	clientID string
	conn     *websocket.Conn
	send     chan []byte
	logger   logging.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(clientID string, conn *websocket.Conn, logger logging.Logger) *connection {
	return &connection{
		clientID: clientID,
		conn:     conn,
		send:     make(chan []byte, 256),
		logger:   logger,
		closed:   make(chan struct{}),
	}
}

func (c *connection) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.closed:
		return false
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// writePump owns the only goroutine allowed to call conn.WriteMessage,
// draining the send channel and sending periodic pings on pingPeriod.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("transport_write_error", "client_id", c.clientID, "error", err.Error())
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *connection) configureRead() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}
