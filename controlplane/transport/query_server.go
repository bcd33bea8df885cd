package transport

import (
	"encoding/json"
	"net/http"

	"github.com/fkie-cad/wattson-controlplane/controlplane/logging"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// RequestHandler answers one request synchronously. The clientID passed in
// is the connection's self-declared id (set by REGISTRATION on the same
// connection, or "" before registration).
type RequestHandler func(clientID string, req *protocol.Request) *protocol.Response

// QueryServer is the request/reply websocket endpoint: each connection
// processes at most one outstanding request at a time, matching the
// original's synchronous query socket semantics.
type QueryServer struct {
	logger  logging.Logger
	handler RequestHandler
}

// NewQueryServer builds a QueryServer dispatching every request to handler.
func NewQueryServer(logger logging.Logger, handler RequestHandler) *QueryServer {
	if logger == nil {
		logger = logging.NewNoop()
	}
	return &QueryServer{logger: logger, handler: handler}
}

// ServeHTTP upgrades the connection and runs its request loop until the
// socket closes.
func (s *QueryServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("query_upgrade_failed", "error", err.Error())
		return
	}

	c := newConnection("", conn, s.logger)
	c.configureRead()
	go c.writePump()
	defer c.close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Kind != kindRequest {
			s.logger.Warn("query_malformed_frame", "error", err)
			continue
		}

		var req protocol.Request
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			s.logger.Warn("query_malformed_request", "error", err.Error())
			continue
		}
		if req.QueryType == protocol.QueryRegistration {
			// The client id is not known until registration succeeds; later
			// requests on this connection are attributed to whatever id the
			// REGISTRATION response assigns, tracked by the caller via
			// resp.Payload["id"].
		}
		if req.ClientID != "" {
			c.clientID = req.ClientID
		}

		resp := s.handler(c.clientID, &req)
		s.send(c, resp)
	}
}

func (s *QueryServer) send(c *connection, resp *protocol.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("query_response_marshal_failed", "error", err.Error())
		return
	}
	frame, err := json.Marshal(envelope{Kind: kindResponse, Payload: body})
	if err != nil {
		s.logger.Error("query_envelope_marshal_failed", "error", err.Error())
		return
	}
	c.enqueue(frame)
	if resp.OnPostSend != nil {
		resp.OnPostSend()
	}
}
