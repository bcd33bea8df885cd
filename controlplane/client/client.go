// Package client implements a programmatic control-plane client: a thin
// wrapper around the query and publish websockets that gives Go callers the
// same request/reply-plus-notifications shape the transport layer exposes
// over the wire, including transparent promise resolution.
package client

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fkie-cad/wattson-controlplane/controlplane/ctlerrors"
	"github.com/fkie-cad/wattson-controlplane/controlplane/logging"
	"github.com/fkie-cad/wattson-controlplane/controlplane/promise"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// Wire frame kinds, mirroring the transport package's envelope (unexported
// there, so the client keeps its own copy of the wire contract).
const (
	kindRequest      = "request"
	kindResponse     = "response"
	kindNotification = "notification"
)

type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// rawResponse is the wire shape of protocol.Response. Deferred answers carry
// no distinct envelope of their own: the handler that created the promise
// folds ref_id (and, for group promises, group_key) into Payload, since every
// Handler.Handle implementation returns a concrete *protocol.Response.
type rawResponse struct {
	OK      bool           `json:"ok"`
	Payload map[string]any `json:"payload,omitempty"`
}

// refID extracts a pending ref_id from a response payload, if present.
func refID(payload map[string]any) (uint64, bool) {
	v, ok := payload["ref_id"]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return uint64(f), true
}

// Subscriber receives every notification delivered on a subscribed topic.
type Subscriber func(n *protocol.Notification)

// Config configures a Client before Connect.
type Config struct {
	QueryURL   string // e.g. ws://host:port/query
	PublishURL string // e.g. ws://host:port/publish; client_id is appended after Register
	Name       string
	Logger     logging.Logger
}

// Client is a programmatic control-plane client. It owns a persistent query
// socket with at most one outstanding request at a time, matching the
// server's synchronous per-connection contract, and, once registered, a
// publish socket delivering notifications and promise resolutions.
type Client struct {
	cfg    Config
	logger logging.Logger

	queryMu   sync.Mutex
	queryConn *websocket.Conn

	publishConn *websocket.Conn

	idMu     sync.RWMutex
	clientID string

	pending *promise.ClientTable

	subMu       sync.Mutex
	subscribers map[string][]Subscriber

	eventsMu sync.Mutex
	events   map[string]chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New builds a Client. Connect (and, for notifications, Register) must be
// called before it is usable.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNoop()
	}
	return &Client{
		cfg:         cfg,
		logger:      cfg.Logger,
		pending:     promise.NewClientTable(),
		subscribers: make(map[string][]Subscriber),
		events:      make(map[string]chan struct{}),
		done:        make(chan struct{}),
	}
}

// Connect dials the query socket.
func (c *Client) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.cfg.QueryURL, nil)
	if err != nil {
		return ctlerrors.NewTransportError("dial query socket", err)
	}
	c.queryConn = conn
	return nil
}

// ID returns the client id assigned by Register, or "" before it completes.
func (c *Client) ID() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.clientID
}

// Register sends REGISTRATION, records the assigned client id, and opens the
// publish socket under that id so notifications and promise resolutions can
// be delivered.
func (c *Client) Register() error {
	resp, err := c.Query(protocol.QueryRegistration, map[string]any{"name": c.cfg.Name})
	if err != nil {
		return err
	}
	if !resp.OK {
		return ctlerrors.NewInvalidErrorf(nil, "registration failed: %v", resp.Payload["error"])
	}
	id, _ := resp.Payload["id"].(string)
	if id == "" {
		return ctlerrors.NewInvalidError("registration response carried no client id")
	}
	c.idMu.Lock()
	c.clientID = id
	c.idMu.Unlock()

	return c.connectPublish(id)
}

func (c *Client) connectPublish(id string) error {
	u, err := url.Parse(c.cfg.PublishURL)
	if err != nil {
		return ctlerrors.NewTransportError("parse publish url", err)
	}
	q := u.Query()
	q.Set("client_id", id)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return ctlerrors.NewTransportError("dial publish socket", err)
	}
	c.publishConn = conn

	c.wg.Add(1)
	go c.readPublish()
	return nil
}

// RequireConnection blocks until the server answers ECHO within timeout,
// polling on a short interval so a slow-starting server is tolerated.
func (c *Client) RequireConnection(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := c.Query(protocol.QueryEcho, map[string]any{"probe": true})
		if err == nil && resp.OK {
			return nil
		}
		lastErr = err
		select {
		case <-c.done:
			return ctlerrors.NewTransportError("client closed while waiting for connection", nil)
		case <-time.After(50 * time.Millisecond):
		}
	}
	timeoutErr := ctlerrors.NewTimeoutError("require_connection", timeout.Milliseconds())
	if lastErr != nil {
		return fmt.Errorf("%w: %w", timeoutErr, lastErr)
	}
	return timeoutErr
}

// Query sends queryType synchronously and blocks until the final answer is
// known, transparently waiting out a promise if the server deferred
// resolution rather than answering inline.
func (c *Client) Query(queryType string, payload map[string]any) (*protocol.Response, error) {
	raw, err := c.roundTrip(queryType, payload)
	if err != nil {
		return nil, err
	}
	id, deferred := refID(raw.Payload)
	if !deferred {
		return &protocol.Response{OK: raw.OK, Payload: raw.Payload}, nil
	}

	pq := c.pending.Register(id)
	resp, resolved := promise.Wait(pq, c.done)
	if !resolved {
		return nil, ctlerrors.NewTransportError("client closed while waiting on promise", nil)
	}
	return resp, nil
}

// Future is a promise the caller chose not to block on immediately.
type Future struct {
	refID  uint64
	done   chan struct{}
	waitFn func(timeoutCh <-chan struct{}) (*protocol.Response, bool)
}

// RefID returns the ref id the server assigned this deferred query.
func (f *Future) RefID() uint64 { return f.refID }

// AsyncQuery sends queryType and returns immediately. If the server answered
// inline the response is returned directly; otherwise a Future is returned
// for the caller to Wait on later.
func (c *Client) AsyncQuery(queryType string, payload map[string]any) (*protocol.Response, *Future, error) {
	raw, err := c.roundTrip(queryType, payload)
	if err != nil {
		return nil, nil, err
	}
	id, deferred := refID(raw.Payload)
	if !deferred {
		return &protocol.Response{OK: raw.OK, Payload: raw.Payload}, nil, nil
	}

	pq := c.pending.Register(id)
	waitFn := func(timeoutCh <-chan struct{}) (*protocol.Response, bool) {
		return promise.Wait(pq, timeoutCh)
	}
	return nil, &Future{refID: id, done: c.done, waitFn: waitFn}, nil
}

// Wait blocks until f resolves or the client closes.
func (f *Future) Wait() (*protocol.Response, error) {
	resp, resolved := f.waitFn(f.done)
	if !resolved {
		return nil, ctlerrors.NewTransportError("client closed while waiting on promise", nil)
	}
	return resp, nil
}

func (c *Client) roundTrip(queryType string, payload map[string]any) (*rawResponse, error) {
	req := protocol.Request{QueryType: queryType, Payload: payload, ClientID: c.ID()}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, ctlerrors.NewInvalidErrorf(err, "marshal request %s", queryType)
	}
	frame, err := json.Marshal(envelope{Kind: kindRequest, Payload: body})
	if err != nil {
		return nil, ctlerrors.NewInvalidErrorf(err, "marshal envelope for %s", queryType)
	}

	c.queryMu.Lock()
	defer c.queryMu.Unlock()

	if err := c.queryConn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, ctlerrors.NewTransportError("write query frame", err)
	}
	_, raw, err := c.queryConn.ReadMessage()
	if err != nil {
		return nil, ctlerrors.NewTransportError("read query response", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Kind != kindResponse {
		return nil, ctlerrors.NewTransportError("malformed response frame", err)
	}
	var resp rawResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return nil, ctlerrors.NewTransportError("malformed response payload", err)
	}
	return &resp, nil
}

// Subscribe registers handler for every notification on topic. Pass "*" to
// receive every topic. The returned function unsubscribes; it is idempotent.
func (c *Client) Subscribe(topic string, handler Subscriber) func() {
	c.subMu.Lock()
	c.subscribers[topic] = append(c.subscribers[topic], handler)
	idx := len(c.subscribers[topic]) - 1
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			handlers := c.subscribers[topic]
			if idx < len(handlers) {
				handlers[idx] = nil
			}
		})
	}
}

// EventWait blocks until the named event is set, or timeout elapses. It
// checks the current state first so an event already set before EventWait is
// called does not hang.
func (c *Client) EventWait(name string, timeout time.Duration) (bool, error) {
	resp, err := c.Query(protocol.QueryGetEventState, map[string]any{"name": name})
	if err != nil {
		return false, err
	}
	if state, _ := resp.Payload["state"].(bool); state {
		return true, nil
	}

	ch := c.eventChannel(name)
	select {
	case <-ch:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	case <-c.done:
		return false, ctlerrors.NewTransportError("client closed while waiting on event", nil)
	}
}

func (c *Client) eventChannel(name string) chan struct{} {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	ch, ok := c.events[name]
	if !ok {
		ch = make(chan struct{})
		c.events[name] = ch
	}
	return ch
}

func (c *Client) fireEvent(name string) {
	c.eventsMu.Lock()
	ch, ok := c.events[name]
	if ok {
		delete(c.events, name)
	}
	c.eventsMu.Unlock()
	if ok {
		close(ch)
	}
}

// Close tears down both sockets and cancels every outstanding promise.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.pending.CancelAll("client closed")
		if c.queryConn != nil {
			c.queryConn.Close()
		}
		if c.publishConn != nil {
			c.publishConn.Close()
		}
	})
	c.wg.Wait()
	return nil
}

func (c *Client) readPublish() {
	defer c.wg.Done()
	for {
		_, raw, err := c.publishConn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Kind != kindNotification {
			continue
		}
		var n protocol.Notification
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			c.logger.Warn("client_malformed_notification", "error", err.Error())
			continue
		}

		switch n.Topic {
		case protocol.TopicAsyncQueryResolve:
			c.handleAsyncResolve(&n)
		case protocol.TopicEvents:
			if name, _ := n.Payload["name"].(string); name != "" {
				if state, _ := n.Payload["state"].(bool); state {
					c.fireEvent(name)
				}
			}
		}

		c.dispatch(&n)
	}
}

func (c *Client) handleAsyncResolve(n *protocol.Notification) {
	refMap, _ := n.Payload["reference_map"].(map[string]any)
	idVal, ok := refMap[c.ID()]
	if !ok {
		return
	}
	refIDFloat, ok := idVal.(float64)
	if !ok {
		return
	}
	refID := uint64(refIDFloat)

	respMap, _ := n.Payload["response"].(map[string]any)
	resp := &protocol.Response{}
	if ok, found := respMap["ok"].(bool); found {
		resp.OK = ok
	}
	if payload, found := respMap["payload"].(map[string]any); found {
		resp.Payload = payload
	}
	c.pending.Resolve(refID, resp)
}

func (c *Client) dispatch(n *protocol.Notification) {
	c.subMu.Lock()
	handlers := append(append([]Subscriber{}, c.subscribers[n.Topic]...), c.subscribers["*"]...)
	c.subMu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(n)
		}
	}
}
