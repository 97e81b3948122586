package broker

import (
	"context"
	"sync"

	"github.com/tenzoki/molbroker/internal/transport"
)

// fakeBus is an in-memory pub/sub fabric shared by every fakeConn
// attached to it, standing in for a real NATS server across a set of
// broker nodes under test. Subjects are matched by exact string
// equality, which is all the test scenarios need.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string][]chan transport.Message

	// Hook, if set, is invoked synchronously with every publish in
	// send order — used by tests that assert ordering between two
	// different subjects (e.g. INFO then DISCOVER on startup).
	Hook func(subject string, data []byte)
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string][]chan transport.Message)}
}

func (b *fakeBus) conn() *fakeConn {
	return &fakeConn{bus: b}
}

type fakeConn struct {
	bus *fakeBus
}

func (c *fakeConn) Publish(ctx context.Context, subject string, data []byte) error {
	if c.bus.Hook != nil {
		c.bus.Hook(subject, data)
	}
	c.bus.mu.Lock()
	targets := append([]chan transport.Message(nil), c.bus.subs[subject]...)
	c.bus.mu.Unlock()
	for _, ch := range targets {
		select {
		case ch <- transport.Message{Subject: subject, Data: data}:
		default:
		}
	}
	return nil
}

func (c *fakeConn) Subscribe(ctx context.Context, subject string) (<-chan transport.Message, error) {
	ch := make(chan transport.Message, 64)
	c.bus.mu.Lock()
	c.bus.subs[subject] = append(c.bus.subs[subject], ch)
	c.bus.mu.Unlock()
	go func() {
		<-ctx.Done()
		c.bus.mu.Lock()
		defer c.bus.mu.Unlock()
		list := c.bus.subs[subject]
		for i, existing := range list {
			if existing == ch {
				c.bus.subs[subject] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (c *fakeConn) Close() error { return nil }

var _ transport.Connection = (*fakeConn)(nil)
