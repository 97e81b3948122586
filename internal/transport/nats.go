package transport

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConnection is the production Connection backed by
// github.com/nats-io/nats.go. Reconnection is handled by the
// underlying client (DialNATS configures it for unlimited reconnect
// attempts); this wrapper adds the broker's own publish-retry and
// escalating log-level behavior on top.
type NATSConnection struct {
	nc    *nats.Conn
	debug bool
}

// DialNATS connects to url and returns a ready Connection. Connection
// failure at dial time is returned to the caller, matching the
// fatal-at-startup contract for transport setup.
func DialNATS(url string, debug bool) (*NATSConnection, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &NATSConnection{nc: nc, debug: debug}, nil
}

// Publish retries on failure with no limit on the number of attempts:
// a warning is logged for the first four consecutive failures, an
// error for the fifth and every one after. Retrying stops only when
// ctx is done, and then Publish returns nil with the message unsent.
// No caller ever observes a publish failure.
func (c *NATSConnection) Publish(ctx context.Context, subject string, data []byte) error {
	var retries int
	for {
		err := c.nc.Publish(subject, data)
		if err == nil {
			return nil
		}
		retries++
		msg := fmt.Sprintf("failed to publish to %s, failed %d times: %v", subject, retries, err)
		if retries < 5 {
			log.Printf("[WARN] %s", msg)
		} else {
			log.Printf("[ERROR] %s", msg)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryBackoff(retries)):
		}
	}
}

func retryBackoff(retries int) time.Duration {
	d := time.Duration(retries) * 50 * time.Millisecond
	if d > 2*time.Second {
		return 2 * time.Second
	}
	return d
}

// Subscribe opens a NATS subscription and bridges deliveries onto a
// Go channel. Subscription failure is returned immediately.
func (c *NATSConnection) Subscribe(ctx context.Context, subject string) (<-chan Message, error) {
	out := make(chan Message, 64)
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		select {
		case out <- Message{Subject: m.Subject, Data: m.Data}:
		default:
			log.Printf("[WARN] listener backlog full on %s, dropping message", subject)
		}
	})
	if err != nil {
		close(out)
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(out)
	}()
	return out, nil
}

// Close drains and closes the underlying NATS connection.
func (c *NATSConnection) Close() error {
	return c.nc.Drain()
}
