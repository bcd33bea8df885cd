package transport

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/fkie-cad/wattson-controlplane/controlplane/logging"
	"github.com/fkie-cad/wattson-controlplane/controlplane/notify"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// PublishServer is the server-push websocket endpoint: every accepted
// connection subscribes to the notification bus under the client id given
// in its connection query string (?client_id=...) and receives a frame for
// every notification that targets it.
type PublishServer struct {
	logger logging.Logger
	bus    *notify.Bus
}

// NewPublishServer builds a PublishServer relaying bus notifications.
func NewPublishServer(logger logging.Logger, bus *notify.Bus) *PublishServer {
	if logger == nil {
		logger = logging.NewNoop()
	}
	return &PublishServer{logger: logger, bus: bus}
}

// ServeHTTP upgrades the connection, subscribes it to the bus, and relays
// notifications until the socket closes or the read pump detects the peer
// going away.
func (s *PublishServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("publish_upgrade_failed", "error", err.Error())
		return
	}

	clientID := clientIDFromQuery(r.URL)
	c := newConnection(clientID, conn, s.logger)
	c.configureRead()
	go c.writePump()
	defer c.close()

	unsubscribe := s.bus.Subscribe(clientID, func(n *protocol.Notification) {
		s.deliver(c, n)
	})
	defer unsubscribe()

	// The publish socket carries no application messages upstream; this loop
	// exists only to detect the peer disconnecting (read errors, including
	// close frames, terminate it) and to service pong frames.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *PublishServer) deliver(c *connection, n *protocol.Notification) {
	body, err := json.Marshal(n)
	if err != nil {
		s.logger.Error("notification_marshal_failed", "error", err.Error())
		return
	}
	frame, err := json.Marshal(envelope{Kind: kindNotification, Payload: body})
	if err != nil {
		s.logger.Error("notification_envelope_marshal_failed", "error", err.Error())
		return
	}
	c.enqueue(frame)
}

func clientIDFromQuery(u *url.URL) string {
	return u.Query().Get("client_id")
}
