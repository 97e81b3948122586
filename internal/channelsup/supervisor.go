// Package channelsup is the Channel Supervisor: it owns the transport
// connection, derives concrete subjects from the configured namespace,
// spawns one listener per protocol channel, and exposes publish
// helpers. Listeners never touch registry state — they only tag the
// raw transport bytes with their channel and forward an Inbound
// message to whatever consumes Supervisor.Inbound(), which in this
// broker is the Service Broker's own dispatch loop; decoding the
// envelope is left to that consumer.
package channelsup

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tenzoki/molbroker/internal/protocol"
	"github.com/tenzoki/molbroker/internal/transport"
)

// Inbound is one undecoded delivery forwarded from a listener to the
// Service Broker, tagged with which logical channel it arrived on so
// the broker knows which envelope shape to decode Data into.
type Inbound struct {
	Channel protocol.Channel
	Subject string
	Data    []byte
}

// Supervisor is the Channel Supervisor.
type Supervisor struct {
	conn      transport.Connection
	ser       protocol.Serializer
	namespace string
	nodeID    string
	debug     bool

	inbound chan Inbound
	cancel  context.CancelFunc
}

// New constructs a Supervisor bound to conn. Call Start to spawn
// listeners and begin forwarding.
func New(conn transport.Connection, namespace, nodeID string, debug bool) *Supervisor {
	return &Supervisor{
		conn:      conn,
		ser:       protocol.JSONSerializer{},
		namespace: namespace,
		nodeID:    nodeID,
		debug:     debug,
		inbound:   make(chan Inbound, 256),
	}
}

// Inbound returns the channel every listener forwards decoded
// deliveries to.
func (s *Supervisor) Inbound() <-chan Inbound {
	return s.inbound
}

// Start subscribes to every protocol channel for this node and spawns
// one listener goroutine per channel. Subscription failure on any
// channel is fatal (TRANSPORT_SUBSCRIBE_FAILED) and is returned to the
// caller; a partially started Supervisor is not left running.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, ch := range protocol.AllListenChannels() {
		subject := protocol.Subject(s.namespace, ch, s.nodeID)
		msgs, err := s.conn.Subscribe(ctx, subject)
		if err != nil {
			cancel()
			return protocol.NewBrokerError(protocol.ErrTransportSubscribeFailed,
				"subscribe to %s: %v", subject, err)
		}
		go s.listen(ch, subject, msgs)
	}
	return nil
}

// listen reads deliveries off one subscription until its channel
// closes (context canceled) and forwards each to Inbound. A full
// forwarding buffer is logged and the delivery dropped rather than
// letting one slow channel stall the others.
func (s *Supervisor) listen(ch protocol.Channel, subject string, msgs <-chan transport.Message) {
	for m := range msgs {
		select {
		case s.inbound <- Inbound{Channel: ch, Subject: m.Subject, Data: m.Data}:
		default:
			log.Printf("[WARN] dispatch backlog full, dropping message from %s", subject)
		}
		if s.debug {
			log.Printf("[DEBUG] channelsup: received on %s (%d bytes)", subject, len(m.Data))
		}
	}
}

// Publish resolves ch to this node's subject and publishes payload,
// marshaled via the configured serializer.
func (s *Supervisor) Publish(ctx context.Context, ch protocol.Channel, envelope any) error {
	return s.PublishToSubject(ctx, protocol.Subject(s.namespace, ch, s.nodeID), envelope)
}

// PublishToSubject publishes payload to an explicit subject, used for
// addressing a specific peer (e.g. EVENT/REQ/RES to a remote NodeId).
func (s *Supervisor) PublishToSubject(ctx context.Context, subject string, envelope any) error {
	data, err := s.ser.Marshal(envelope)
	if err != nil {
		return protocol.NewBrokerError(protocol.ErrSerializeFailed, "%v", err)
	}
	// Publish failures are retried forever inside the transport layer
	// and never surface here; any error returned is only the codec
	// failure above.
	_ = s.conn.Publish(ctx, subject, data)
	return nil
}

// BroadcastDiscover publishes a DISCOVER envelope to the broadcast
// DISCOVER subject.
func (s *Supervisor) BroadcastDiscover(ctx context.Context) error {
	return s.Publish(ctx, protocol.ChannelDiscover, &protocol.Discover{
		Ver: protocol.Version, Sender: s.nodeID,
	})
}

// SendDisconnect publishes a DISCONNECT envelope.
func (s *Supervisor) SendDisconnect(ctx context.Context) error {
	return s.Publish(ctx, protocol.ChannelDisconnect, &protocol.Disconnect{
		Ver: protocol.Version, Sender: s.nodeID,
	})
}

// Stop cancels every listener goroutine.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// InstallShutdownSignal arranges for onShutdown to be called once
// SIGINT or SIGTERM is received, then gives the transport ~100ms to
// flush the DISCONNECT it published before the process exits with
// code 1. Returns the stop function for os/signal.
func InstallShutdownSignal(onShutdown func(ctx context.Context)) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Printf("[INFO] received signal %v, disconnecting", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		onShutdown(ctx)
		time.Sleep(100 * time.Millisecond)
		os.Exit(1)
	}()
	return func() { signal.Stop(sigCh); close(sigCh) }
}
