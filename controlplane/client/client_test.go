package client

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkie-cad/wattson-controlplane/controlplane/core"
	"github.com/fkie-cad/wattson-controlplane/controlplane/notify"
	"github.com/fkie-cad/wattson-controlplane/controlplane/promise"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
	"github.com/fkie-cad/wattson-controlplane/controlplane/registry"
	"github.com/fkie-cad/wattson-controlplane/controlplane/router"
	"github.com/fkie-cad/wattson-controlplane/controlplane/transport"
)

// slowHandler claims SLOW_QUERY and answers it as a deferred promise,
// resolving it a few milliseconds later on its own goroutine.
type slowHandler struct {
	engine *promise.Engine
	delay  time.Duration
}

func (s *slowHandler) Claims(queryType string) bool { return queryType == "SLOW_QUERY" }

func (s *slowHandler) Handle(req *protocol.Request) *protocol.Response {
	p := s.engine.NewPromise(req.ClientID)
	go func() {
		time.Sleep(s.delay)
		s.engine.Resolve(p.RefID, protocol.OKResponse(map[string]any{"answer": 42}))
	}()
	return protocol.OKResponse(map[string]any{"ref_id": p.RefID})
}

func newTestServers(t *testing.T) (queryURL, publishURL string, bus *notify.Bus) {
	t.Helper()
	bus = notify.New(notify.Config{})
	t.Cleanup(bus.Stop)

	h := core.New(nil, registry.New(), registry.NewEvents(), bus, nil)
	engine := promise.NewEngine(bus)

	r := router.New(nil)
	r.Register(h)
	r.Register(&slowHandler{engine: engine, delay: 20 * time.Millisecond})

	qs := transport.NewQueryServer(nil, func(clientID string, req *protocol.Request) *protocol.Response {
		req.ClientID = clientID
		return r.Dispatch(req)
	})
	qsrv := httptest.NewServer(qs)
	t.Cleanup(qsrv.Close)

	ps := transport.NewPublishServer(nil, bus)
	psrv := httptest.NewServer(ps)
	t.Cleanup(psrv.Close)

	queryURL = "ws" + strings.TrimPrefix(qsrv.URL, "http")
	publishURL = "ws" + strings.TrimPrefix(psrv.URL, "http")
	return
}

func newConnectedClient(t *testing.T, queryURL, publishURL, name string) *Client {
	t.Helper()
	c := New(Config{QueryURL: queryURL, PublishURL: publishURL, Name: name})
	require.NoError(t, c.Connect())
	require.NoError(t, c.Register())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRegisterAssignsClientIDAndOpensPublishSocket(t *testing.T) {
	queryURL, publishURL, _ := newTestServers(t)
	c := newConnectedClient(t, queryURL, publishURL, "rtu")
	assert.NotEmpty(t, c.ID())
}

func TestQueryEchoRoundTrips(t *testing.T) {
	queryURL, publishURL, _ := newTestServers(t)
	c := newConnectedClient(t, queryURL, publishURL, "rtu")

	resp, err := c.Query(protocol.QueryEcho, map[string]any{"x": float64(1)})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, float64(1), resp.Payload["x"])
}

func TestRequireConnectionSucceedsAgainstLiveServer(t *testing.T) {
	queryURL, publishURL, _ := newTestServers(t)
	c := newConnectedClient(t, queryURL, publishURL, "rtu")
	assert.NoError(t, c.RequireConnection(time.Second))
}

func TestQueryBlocksUntilDeferredPromiseResolves(t *testing.T) {
	queryURL, publishURL, _ := newTestServers(t)
	c := newConnectedClient(t, queryURL, publishURL, "rtu")

	start := time.Now()
	resp, err := c.Query("SLOW_QUERY", nil)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, float64(42), resp.Payload["answer"])
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestAsyncQueryReturnsFutureForDeferredAnswer(t *testing.T) {
	queryURL, publishURL, _ := newTestServers(t)
	c := newConnectedClient(t, queryURL, publishURL, "rtu")

	resp, future, err := c.AsyncQuery("SLOW_QUERY", nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
	require.NotNil(t, future)

	resolved, err := future.Wait()
	require.NoError(t, err)
	assert.True(t, resolved.OK)
	assert.Equal(t, float64(42), resolved.Payload["answer"])
}

func TestAsyncQueryReturnsInlineResponseWithoutAFuture(t *testing.T) {
	queryURL, publishURL, _ := newTestServers(t)
	c := newConnectedClient(t, queryURL, publishURL, "rtu")

	resp, future, err := c.AsyncQuery(protocol.QueryEcho, map[string]any{"x": float64(9)})
	require.NoError(t, err)
	assert.Nil(t, future)
	require.NotNil(t, resp)
	assert.Equal(t, float64(9), resp.Payload["x"])
}

func TestEventWaitReturnsImmediatelyWhenAlreadySet(t *testing.T) {
	queryURL, publishURL, _ := newTestServers(t)
	c := newConnectedClient(t, queryURL, publishURL, "rtu")

	_, err := c.Query(protocol.QuerySetEvent, map[string]any{"name": "go"})
	require.NoError(t, err)

	fired, err := c.EventWait("go", time.Second)
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestEventWaitUnblocksWhenAnotherClientSetsTheEvent(t *testing.T) {
	queryURL, publishURL, _ := newTestServers(t)
	waiter := newConnectedClient(t, queryURL, publishURL, "waiter")
	setter := newConnectedClient(t, queryURL, publishURL, "setter")

	var fired bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f, err := waiter.EventWait("go", 2*time.Second)
		fired = f
		assert.NoError(t, err)
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := setter.Query(protocol.QuerySetEvent, map[string]any{"name": "go"})
	require.NoError(t, err)

	wg.Wait()
	assert.True(t, fired)
}

func TestEventWaitTimesOutWhenEventNeverFires(t *testing.T) {
	queryURL, publishURL, _ := newTestServers(t)
	c := newConnectedClient(t, queryURL, publishURL, "rtu")

	fired, err := c.EventWait("never", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestSubscribeReceivesBroadcastNotification(t *testing.T) {
	queryURL, publishURL, bus := newTestServers(t)
	c := newConnectedClient(t, queryURL, publishURL, "observer")

	var received *protocol.Notification
	var mu sync.Mutex
	unsub := c.Subscribe(protocol.TopicEvents, func(n *protocol.Notification) {
		mu.Lock()
		received = n
		mu.Unlock()
	})
	defer unsub()

	bus.Broadcast(protocol.TopicEvents, map[string]any{"name": "started", "state": true})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received != nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "started", received.Payload["name"])
}

func TestSubscribeWildcardReceivesEveryTopic(t *testing.T) {
	queryURL, publishURL, bus := newTestServers(t)
	c := newConnectedClient(t, queryURL, publishURL, "observer")

	var count int32
	var mu sync.Mutex
	unsub := c.Subscribe("*", func(n *protocol.Notification) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer unsub()

	bus.Broadcast(protocol.TopicEvents, map[string]any{"name": "a", "state": true})
	bus.Broadcast(protocol.TopicTopologyChanged, map[string]any{})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestCloseCancelsOutstandingQuery(t *testing.T) {
	queryURL, publishURL, _ := newTestServers(t)
	c := New(Config{QueryURL: queryURL, PublishURL: publishURL, Name: "rtu"})
	require.NoError(t, c.Connect())
	require.NoError(t, c.Register())

	resp, future, err := c.AsyncQuery("SLOW_QUERY", nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
	require.NotNil(t, future)

	require.NoError(t, c.Close())

	cancelled, err := future.Wait()
	assert.True(t, err != nil || !cancelled.OK, "closing the client must cancel or fail the outstanding promise")
}
