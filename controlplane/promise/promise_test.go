package promise

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []struct {
		topic     string
		payload   map[string]any
		recipient string
	}
}

func (r *recordingNotifier) Unicast(topic string, payload map[string]any, recipient string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		topic     string
		payload   map[string]any
		recipient string
	}{topic, payload, recipient})
}

func (r *recordingNotifier) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestEngineResolveDeliversExactlyOnceToOwningClient(t *testing.T) {
	n := &recordingNotifier{}
	e := NewEngine(n)

	promiseResp := e.NewPromise("alice_1")
	assert.True(t, promiseResp.OK)
	assert.Equal(t, 1, e.PendingCount())

	e.Resolve(promiseResp.RefID, protocol.OKResponse(map[string]any{"value": 42}))
	assert.Equal(t, 0, e.PendingCount())
	require.Equal(t, 1, n.callCount())
	assert.Equal(t, "alice_1", n.calls[0].recipient)
	assert.Equal(t, protocol.TopicAsyncQueryResolve, n.calls[0].topic)

	refMap := n.calls[0].payload["reference_map"].(map[string]uint64)
	assert.Equal(t, promiseResp.RefID, refMap["alice_1"])

	// Resolving again is a no-op (exactly-once).
	e.Resolve(promiseResp.RefID, protocol.OKResponse(nil))
	assert.Equal(t, 1, n.callCount())
}

func TestEngineRefIDsAreMonotonicallyIncreasing(t *testing.T) {
	e := NewEngine(&recordingNotifier{})
	a := e.NewPromise("alice_1")
	b := e.NewPromise("alice_1")
	assert.Less(t, a.RefID, b.RefID)
}

func TestEngineCancelClientFailsOnlyThatClientsPromises(t *testing.T) {
	n := &recordingNotifier{}
	e := NewEngine(n)
	a := e.NewPromise("alice_1")
	_ = e.NewPromise("bob_2")

	e.CancelClient("alice_1", "client disconnected")
	assert.Equal(t, 1, e.PendingCount())
	require.Equal(t, 1, n.callCount())
	assert.Equal(t, "alice_1", n.calls[0].recipient)

	resp := n.calls[0].payload["response"].(*protocol.Response)
	assert.False(t, resp.OK)
	_ = a
}

func TestGroupEngineCollapsesConcurrentJoinsIntoOneComputation(t *testing.T) {
	n := &recordingNotifier{}
	ge := NewGroupEngine(n)

	var computeCount int32
	var mu sync.Mutex
	compute := func() *protocol.Response {
		mu.Lock()
		computeCount++
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return protocol.OKResponse(map[string]any{"snapshot": "grid"})
	}

	resp1, started1 := ge.Join("GET_GRID_REPRESENTATION", "alice_1")
	require.True(t, started1)
	ge.Resolve("GET_GRID_REPRESENTATION", compute)

	// Other clients join the same group before it resolves.
	resp2, started2 := ge.Join("GET_GRID_REPRESENTATION", "bob_2")
	assert.False(t, started2)
	resp3, started3 := ge.Join("GET_GRID_REPRESENTATION", "carol_3")
	assert.False(t, started3)

	ge.MarkResolvable("GET_GRID_REPRESENTATION")

	require.Eventually(t, func() bool { return n.callCount() == 3 }, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, int32(1), computeCount)
	mu.Unlock()

	assert.Equal(t, resp1.GroupKey, resp2.GroupKey)
	assert.Equal(t, resp1.GroupKey, resp3.GroupKey)
	assert.NotEqual(t, resp1.RefID, resp2.RefID)
	assert.NotEqual(t, resp2.RefID, resp3.RefID)

	recipients := map[string]bool{}
	for _, c := range n.calls {
		recipients[c.recipient] = true
	}
	assert.True(t, recipients["alice_1"] && recipients["bob_2"] && recipients["carol_3"])
}

func TestGroupEngineStartsFreshGroupAfterPreviousResolved(t *testing.T) {
	n := &recordingNotifier{}
	ge := NewGroupEngine(n)

	_, started := ge.Join("GET_NODES", "alice_1")
	require.True(t, started)
	ge.Resolve("GET_NODES", func() *protocol.Response { return protocol.OKResponse(nil) })
	ge.MarkResolvable("GET_NODES")
	require.Eventually(t, func() bool { return n.callCount() == 1 }, time.Second, time.Millisecond)

	_, startedAgain := ge.Join("GET_NODES", "bob_2")
	assert.True(t, startedAgain, "group map entry was removed once resolved, so the next join starts fresh")
}

func TestClientTablePreResolvedRaceIsHandled(t *testing.T) {
	table := NewClientTable()

	// Resolution arrives before Register — the documented race in §4.3.
	table.Resolve(7, protocol.OKResponse(map[string]any{"x": 1}))

	pq := table.Register(7)
	resp, ok := Wait(pq, make(chan struct{}))
	require.True(t, ok)
	assert.True(t, resp.OK)
}

func TestClientTableNormalOrderResolution(t *testing.T) {
	table := NewClientTable()
	pq := table.Register(9)

	go table.Resolve(9, protocol.OKResponse(map[string]any{"x": 2}))

	timeout := time.After(time.Second)
	timeoutCh := make(chan struct{})
	go func() {
		<-timeout
		close(timeoutCh)
	}()

	resp, ok := Wait(pq, timeoutCh)
	require.True(t, ok)
	assert.Equal(t, 2, resp.Payload["x"])
}

func TestClientTableCancelAllFailsEveryPending(t *testing.T) {
	table := NewClientTable()
	a := table.Register(1)
	b := table.Register(2)

	table.CancelAll("shutdown")

	respA, okA := Wait(a, make(chan struct{}))
	respB, okB := Wait(b, make(chan struct{}))
	require.True(t, okA)
	require.True(t, okB)
	assert.False(t, respA.OK)
	assert.False(t, respB.OK)
}
