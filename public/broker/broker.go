// Package broker is the embeddable entrypoint for hosting a node of
// the distributed broker inside your own process: connect a
// transport, register services, and let the broker announce,
// heartbeat, and route on your behalf.
package broker

import (
	"context"

	"github.com/tenzoki/molbroker/internal/broker"
	"github.com/tenzoki/molbroker/internal/channelsup"
	"github.com/tenzoki/molbroker/internal/config"
	"github.com/tenzoki/molbroker/internal/protocol"
	"github.com/tenzoki/molbroker/internal/transport"
)

// Re-exported so callers never need to import the internal packages
// directly to build a service.
type (
	Service        = broker.Service
	Action         = broker.Action
	Event          = broker.Event
	EventContext   = broker.EventContext
	ActionContext  = broker.ActionContext
	EventCallback  = broker.EventCallback
	ActionCallback = broker.ActionCallback
	Config         = config.Config
	Option         = config.Option
	Pong           = protocol.Pong
)

var (
	WithNamespace         = config.WithNamespace
	WithNodeID            = config.WithNodeID
	WithTransporter       = config.WithTransporter
	WithRequestTimeout    = config.WithRequestTimeout
	WithHeartbeatInterval = config.WithHeartbeatInterval
	WithHeartbeatTimeout  = config.WithHeartbeatTimeout
	WithMetaData          = config.WithMetaData
	WithDebug             = config.WithDebug
	BuildConfig           = config.Build
	LoadConfig            = config.Load
)

// Node wraps a connected Broker, owning the underlying transport
// connection so callers have a single object to start and stop.
type Node struct {
	cfg  *config.Config
	conn transport.Connection
	b    *broker.Broker

	stopSignal func()
}

// Connect dials the configured transport and constructs a Node ready
// to have services added and then Start-ed.
func Connect(cfg *config.Config) (*Node, error) {
	conn, err := transport.DialNATS(cfg.Transporter, cfg.Debug)
	if err != nil {
		return nil, err
	}
	return &Node{cfg: cfg, conn: conn, b: broker.New(cfg, conn)}, nil
}

// AddService registers svc on the underlying broker.
func (n *Node) AddService(svc *Service) error {
	return n.b.AddService(svc)
}

// AddServices registers every service in svcs.
func (n *Node) AddServices(svcs []*Service) error {
	return n.b.AddServices(svcs)
}

// Start connects the Channel Supervisor so inbound traffic begins
// flowing, and announces this node with INFO then DISCOVER. The
// dispatch loop itself already runs from Connect onward.
func (n *Node) Start(ctx context.Context) error {
	return n.b.Start(ctx)
}

// StartWithShutdownSignal is Start plus installing a SIGINT/SIGTERM
// handler that publishes DISCONNECT and exits the process with code 1
// after a short grace delay for the transport to flush.
func (n *Node) StartWithShutdownSignal(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	n.stopSignal = channelsup.InstallShutdownSignal(func(shutdownCtx context.Context) {
		_ = n.b.Disconnect(shutdownCtx)
		n.Stop()
	})
	return nil
}

// Emit load-balances eventName to one provider.
func (n *Node) Emit(eventName string, params any) error {
	return n.b.Emit(eventName, params)
}

// Broadcast fans eventName out to every provider.
func (n *Node) Broadcast(eventName string, params any) error {
	return n.b.Broadcast(eventName, params)
}

// Call invokes a remote action and blocks for its result.
func (n *Node) Call(ctx context.Context, actionName string, params any) (any, error) {
	return n.b.Call(ctx, actionName, params)
}

// Ping probes a peer node's liveness directly, independent of the
// heartbeat eviction timer.
func (n *Node) Ping(ctx context.Context, targetNodeID string) (*Pong, error) {
	return n.b.Ping(ctx, targetNodeID)
}

// Disconnect publishes a DISCONNECT envelope without stopping local
// dispatch, letting callers depart gracefully before Stop.
func (n *Node) Disconnect(ctx context.Context) error {
	return n.b.Disconnect(ctx)
}

// Stop tears the node down: listeners, watchers, pending calls, and
// the transport connection.
func (n *Node) Stop() {
	n.b.Stop()
	if n.stopSignal != nil {
		n.stopSignal()
	}
	_ = n.conn.Close()
}
