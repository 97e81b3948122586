package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tenzoki/molbroker/internal/protocol"
)

// startBroker spins up a broker on the shared fake bus and waits for
// nothing: discovery between brokers happens through the bus itself
// (INFO on start, targeted INFO in answer to DISCOVER).
func startBroker(t *testing.T, bus *fakeBus, ctx context.Context, nodeID string, svcs ...*Service) *Broker {
	t.Helper()
	b := New(testConfig(nodeID), bus.conn())
	for _, s := range svcs {
		if err := b.AddService(s); err != nil {
			t.Fatalf("AddService on %s: %v", nodeID, err)
		}
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start %s: %v", nodeID, err)
	}
	return b
}

func waitForNode(t *testing.T, b *Broker, nodeID string) {
	t.Helper()
	waitFor(t, time.Second, func() bool {
		_, ok := b.reg.Node(nodeID)
		return ok
	})
}

// TestTwoBrokersDiscoverEachOther verifies the INFO/DISCOVER handshake
// end to end: a broker that starts later learns of an earlier one via
// the targeted INFO sent in answer to its DISCOVER.
func TestTwoBrokersDiscoverEachOther(t *testing.T) {
	bus := newFakeBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startBroker(t, bus, ctx, "A")
	b := startBroker(t, bus, ctx, "B")

	waitForNode(t, a, "B")
	waitForNode(t, b, "A")
}

// TestInboundEventInvokesCallback routes a real emit from one broker
// to another and asserts the hosting callback sees the payload.
func TestInboundEventInvokesCallback(t *testing.T) {
	bus := newFakeBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan any, 1)
	host := &Service{
		Name: "listener",
		Events: map[string]*Event{
			"greeted": {Name: "greeted", Callback: func(ec *EventContext) error {
				got <- ec.Params
				return nil
			}},
		},
	}
	startBroker(t, bus, ctx, "A", host)
	b := startBroker(t, bus, ctx, "B")
	waitFor(t, time.Second, func() bool {
		_, ok := b.reg.PickEventTarget("greeted")
		return ok
	})

	if err := b.Emit("greeted", map[string]any{"who": "Ada"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case params := <-got:
		data, _ := params.(map[string]any)
		if data["who"] != "Ada" {
			t.Fatalf("callback params = %v, want who=Ada", params)
		}
	case <-time.After(time.Second):
		t.Fatal("event callback never invoked")
	}
}

// TestCallBetweenBrokers is the full request/response path between two
// live brokers: REQUEST dispatch, callback Reply, RESPONSE correlation.
func TestCallBetweenBrokers(t *testing.T) {
	bus := newFakeBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := &Service{
		Name: "math",
		Actions: map[string]*Action{
			"mathAdd": {Name: "mathAdd", Callback: func(ac *ActionContext) {
				params, _ := ac.Params.(map[string]any)
				a, _ := params["a"].(float64)
				b, _ := params["b"].(float64)
				ac.Reply(a+b, nil)
			}},
		},
	}
	startBroker(t, bus, ctx, "A", host)
	b := startBroker(t, bus, ctx, "B")
	waitForNode(t, b, "A")

	result, err := b.Call(ctx, "mathAdd", map[string]any{"a": float64(10), "b": float64(78)})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != float64(88) {
		t.Fatalf("result = %v, want 88", result)
	}
}

// TestNestedCallFromActionCallback calls an action whose handler makes
// a further call back to the original caller's node. The callback runs
// off the dispatch goroutine, so the nested round-trip must complete
// rather than deadlock either broker.
func TestNestedCallFromActionCallback(t *testing.T) {
	bus := newFakeBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := &Service{
		Name: "inner",
		Actions: map[string]*Action{
			"double": {Name: "double", Callback: func(ac *ActionContext) {
				n, _ := ac.Params.(float64)
				ac.Reply(n*2, nil)
			}},
		},
	}
	outer := &Service{
		Name: "outer",
		Actions: map[string]*Action{
			"doubleThenAddOne": {Name: "doubleThenAddOne", Callback: func(ac *ActionContext) {
				doubled, err := ac.Call("double", ac.Params)
				if err != nil {
					ac.Reply(nil, protocol.NewBrokerError(protocol.ErrCallbackFailed, "nested call: %v", err))
					return
				}
				ac.Reply(doubled.(float64)+1, nil)
			}},
		},
	}

	a := startBroker(t, bus, ctx, "A", outer)
	b := startBroker(t, bus, ctx, "B", inner)
	waitForNode(t, a, "B")
	waitForNode(t, b, "A")

	result, err := b.Call(ctx, "doubleThenAddOne", float64(20))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != float64(41) {
		t.Fatalf("result = %v, want 41", result)
	}
}

// TestUnknownActionRepliesActionNotFound sends a raw REQUEST for an
// action the node does not host and expects a failed RESPONSE rather
// than silence.
func TestUnknownActionRepliesActionNotFound(t *testing.T) {
	bus := newFakeBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startBroker(t, bus, ctx, "A")

	peer := bus.conn()
	resCh, _ := peer.Subscribe(ctx, protocol.ResponseSubject("", "X"))
	req := &protocol.Request{
		Ver: protocol.Version, Sender: "X", ID: "req-1",
		Action: "noSuchAction", RequestID: "req-1", Level: 1,
	}
	data, _ := json.Marshal(req)
	_ = peer.Publish(ctx, protocol.RequestSubject("", "A"), data)

	select {
	case msg := <-resCh:
		var resp protocol.Response
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Success {
			t.Fatal("response has success=true, want false")
		}
		if resp.Error == nil || resp.Error.Code != protocol.ErrActionNotFound {
			t.Fatalf("response error = %+v, want code %s", resp.Error, protocol.ErrActionNotFound)
		}
		if resp.ID != "req-1" {
			t.Fatalf("response id = %q, want req-1", resp.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no RESPONSE for unknown action")
	}
}

// TestPingPong probes a peer and checks the PONG comes back from the
// probed node and carries an arrival timestamp. Ping only returns a
// PONG whose id matched a pending probe.
func TestPingPong(t *testing.T) {
	bus := newFakeBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startBroker(t, bus, ctx, "A")
	b := startBroker(t, bus, ctx, "B")
	waitForNode(t, b, "A")

	pong, err := b.Ping(ctx, "A")
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if pong.Sender != "A" {
		t.Fatalf("pong sender = %q, want A", pong.Sender)
	}
	if pong.Arrived == 0 {
		t.Fatal("pong arrived timestamp not set")
	}
}

// TestPingUnknownNodeFails verifies a probe to a node the registry has
// never seen fails synchronously instead of waiting out the timeout.
func TestPingUnknownNodeFails(t *testing.T) {
	bus := newFakeBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := startBroker(t, bus, ctx, "B")
	if _, err := b.Ping(ctx, "ghost"); err == nil {
		t.Fatal("expected NODE_NOT_FOUND pinging an unknown node")
	}
}
