package channelsup

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tenzoki/molbroker/internal/protocol"
	"github.com/tenzoki/molbroker/internal/transport"
)

// stubConn records subscriptions and publishes, and can be told to
// fail subscription for a specific subject.
type stubConn struct {
	mu        sync.Mutex
	subs      map[string]chan transport.Message
	published []publishedMsg
	failOn    string
}

type publishedMsg struct {
	subject string
	data    []byte
}

func newStubConn() *stubConn {
	return &stubConn{subs: make(map[string]chan transport.Message)}
}

func (c *stubConn) Publish(ctx context.Context, subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishedMsg{subject: subject, data: data})
	return nil
}

func (c *stubConn) Subscribe(ctx context.Context, subject string) (<-chan transport.Message, error) {
	if subject == c.failOn {
		return nil, errors.New("subscription refused")
	}
	ch := make(chan transport.Message, 8)
	c.mu.Lock()
	c.subs[subject] = ch
	c.mu.Unlock()
	return ch, nil
}

func (c *stubConn) Close() error { return nil }

func (c *stubConn) deliver(subject string, data []byte) bool {
	c.mu.Lock()
	ch, ok := c.subs[subject]
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- transport.Message{Subject: subject, Data: data}
	return true
}

func TestStartSubscribesEveryChannel(t *testing.T) {
	conn := newStubConn()
	s := New(conn, "", "N", false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	want := len(protocol.AllListenChannels())
	conn.mu.Lock()
	got := len(conn.subs)
	conn.mu.Unlock()
	if got != want {
		t.Fatalf("subscribed to %d subjects, want %d", got, want)
	}
	for _, subject := range []string{"MOL.EVENT.N", "MOL.REQ.N", "MOL.RES.N", "MOL.INFO", "MOL.HEARTBEAT", "MOL.DISCONNECT"} {
		conn.mu.Lock()
		_, ok := conn.subs[subject]
		conn.mu.Unlock()
		if !ok {
			t.Errorf("no subscription on %s", subject)
		}
	}
}

func TestStartFailsOnSubscribeError(t *testing.T) {
	conn := newStubConn()
	conn.failOn = "MOL.HEARTBEAT"
	s := New(conn, "", "N", false)

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected TRANSPORT_SUBSCRIBE_FAILED, got nil")
	}
	var be *protocol.BrokerError
	if !errors.As(err, &be) || be.Code != protocol.ErrTransportSubscribeFailed {
		t.Fatalf("err = %v, want BrokerError %s", err, protocol.ErrTransportSubscribeFailed)
	}
}

func TestListenerForwardsTaggedInbound(t *testing.T) {
	conn := newStubConn()
	s := New(conn, "", "N", false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	payload := []byte(`{"ver":"4","sender":"peer"}`)
	if !conn.deliver("MOL.EVENT.N", payload) {
		t.Fatal("no listener on MOL.EVENT.N")
	}

	select {
	case in := <-s.Inbound():
		if in.Channel != protocol.ChannelEvent {
			t.Errorf("channel = %v, want ChannelEvent", in.Channel)
		}
		if string(in.Data) != string(payload) {
			t.Errorf("data = %s, want %s", in.Data, payload)
		}
	case <-time.After(time.Second):
		t.Fatal("listener never forwarded the delivery")
	}
}

func TestPublishMarshalsEnvelope(t *testing.T) {
	conn := newStubConn()
	s := New(conn, "staging", "N", false)

	if err := s.BroadcastDiscover(context.Background()); err != nil {
		t.Fatalf("BroadcastDiscover: %v", err)
	}
	if err := s.SendDisconnect(context.Background()); err != nil {
		t.Fatalf("SendDisconnect: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.published) != 2 {
		t.Fatalf("published %d messages, want 2", len(conn.published))
	}
	if conn.published[0].subject != "MOL-staging.DISCOVER" {
		t.Errorf("discover subject = %q", conn.published[0].subject)
	}
	if conn.published[1].subject != "MOL-staging.DISCONNECT" {
		t.Errorf("disconnect subject = %q", conn.published[1].subject)
	}
	var disc protocol.Discover
	if err := json.Unmarshal(conn.published[0].data, &disc); err != nil {
		t.Fatalf("decode discover: %v", err)
	}
	if disc.Ver != protocol.Version || disc.Sender != "N" {
		t.Errorf("discover envelope = %+v", disc)
	}
}
