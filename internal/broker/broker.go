// Package broker implements the Service Broker: the root actor that
// owns the locally hosted Services, the Registry, the Channel
// Supervisor, and the Response Waiter Table. It dispatches inbound
// envelopes to local callbacks and routes outbound emit/broadcast/call
// traffic to peers, arbitrating node failure via heartbeat timeouts.
package broker

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tenzoki/molbroker/internal/channelsup"
	"github.com/tenzoki/molbroker/internal/config"
	"github.com/tenzoki/molbroker/internal/identity"
	"github.com/tenzoki/molbroker/internal/protocol"
	"github.com/tenzoki/molbroker/internal/registry"
	"github.com/tenzoki/molbroker/internal/transport"
	"github.com/tenzoki/molbroker/internal/waiter"
)

// Broker is the Service Broker. Its internal state — services,
// registry, waiter table — is touched only from its own dispatch
// goroutine; every public method sends a message into the mailbox and
// waits for a reply, so the type is safe to call concurrently without
// any lock of its own.
type Broker struct {
	cfg        *config.Config
	instanceID string
	supervisor *channelsup.Supervisor
	reg        *registry.Registry
	waiters    *waiter.Table

	services        []*Service
	eventCallbacks  map[string]*Event
	actionCallbacks map[string]*Action

	pings map[string]chan protocol.Pong

	mailbox  chan any
	missedCh chan string
	stopCh   chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New constructs a Broker bound to conn and launches its dispatch
// goroutine, so services can be added before Start. Inbound traffic
// only begins flowing once Start connects the Channel Supervisor.
func New(cfg *config.Config, conn transport.Connection) *Broker {
	b := &Broker{
		cfg:             cfg,
		instanceID:      identity.NewInstanceID(),
		supervisor:      channelsup.New(conn, cfg.Namespace, cfg.NodeID, cfg.Debug),
		reg:             registry.New(),
		waiters:         waiter.NewTable(),
		eventCallbacks:  make(map[string]*Event),
		actionCallbacks: make(map[string]*Action),
		mailbox:         make(chan any, 256),
		missedCh:        make(chan string, 64),
		stopCh:          make(chan struct{}),
	}
	b.runCtx, b.runCancel = context.WithCancel(context.Background())
	go b.run()
	return b
}

// Start connects the Channel Supervisor's listeners, starts the
// heartbeat ticker, then publishes an INFO followed by a DISCOVER, in
// that order, so peers both learn of this node and are prompted to
// re-announce.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.supervisor.Start(ctx); err != nil {
		return err
	}
	go b.heartbeatLoop(ctx)

	if err := b.publishInfo(ctx); err != nil {
		return err
	}
	return b.supervisor.BroadcastDiscover(ctx)
}

// Stop cancels every listener, every NodeWatcher, and every pending
// call, and stops the Channel Supervisor. It does not itself publish
// DISCONNECT — callers that want a graceful departure should call
// Disconnect first.
func (b *Broker) Stop() {
	select {
	case <-b.stopCh:
		return
	default:
		close(b.stopCh)
	}
	b.runCancel()
	b.supervisor.Stop()
	b.waiters.CancelAll()
}

// Disconnect publishes a DISCONNECT envelope, used by a signal handler
// before the process exits.
func (b *Broker) Disconnect(ctx context.Context) error {
	return b.supervisor.SendDisconnect(ctx)
}

func (b *Broker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			_ = b.supervisor.Publish(ctx, protocol.ChannelHeartbeat, &protocol.Heartbeat{
				Ver: protocol.Version, Sender: b.cfg.NodeID, CPU: 0,
			})
		}
	}
}

// run is the Service Broker's single dispatch goroutine. All registry
// and local-service state is touched only here.
func (b *Broker) run() {
	defer func() {
		// Once dispatch exits nothing else touches the registry, so the
		// watchers can be stopped from here without racing.
		for _, n := range b.reg.Nodes() {
			if n.Watcher != nil {
				n.Watcher.Stop()
			}
		}
	}()
	inbound := b.supervisor.Inbound()
	for {
		select {
		case <-b.runCtx.Done():
			return
		case <-b.stopCh:
			return
		case nodeID := <-b.missedCh:
			b.handleMissedHeartbeat(nodeID)
		case in := <-inbound:
			b.dispatchInbound(b.runCtx, in)
		case msg := <-b.mailbox:
			b.handleMailbox(b.runCtx, msg)
		}
	}
}

func (b *Broker) handleMailbox(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case *addServiceMsg:
		b.addService(m.svc)
		m.reply <- nil
	case *emitMsg:
		m.reply <- b.doEmit(ctx, m.event, m.params)
	case *broadcastMsg:
		m.reply <- b.doBroadcast(ctx, m.event, m.params)
	case *callMsg:
		ch, err := b.doCall(ctx, m)
		m.reply <- callStarted{ch: ch, err: err}
	case *pingMsg:
		id, ch, err := b.doPing(ctx, m.targetNodeID)
		m.reply <- callStarted{id: id, pong: ch, err: err}
	case *pingExpiredMsg:
		delete(b.pendingPings(), m.id)
	default:
		log.Printf("[WARN] broker: unknown mailbox message %T", msg)
	}
}

// --- mailbox message shapes ---

type addServiceMsg struct {
	svc   *Service
	reply chan error
}

type emitMsg struct {
	event  string
	params any
	reply  chan error
}

type broadcastMsg struct {
	event  string
	params any
	reply  chan error
}

type callMsg struct {
	action    string
	params    any
	requestID string
	parentID  string
	caller    string
	level     int
	reply     chan callStarted
}

type pingMsg struct {
	targetNodeID string
	reply        chan callStarted
}

type pingExpiredMsg struct {
	id string
}

type callStarted struct {
	id   string
	ch   <-chan waiter.Result
	pong <-chan protocol.Pong
	err  error
}

// --- public API ---

// errStopped is observed by any caller whose operation was in flight
// when the broker shut down.
var errStopped = errors.New("broker stopped")

// AddService registers svc, rebuilding the local event/action
// dispatch maps. Safe to call concurrently; serialized through the
// mailbox.
func (b *Broker) AddService(svc *Service) error {
	reply := make(chan error, 1)
	if !b.send(&addServiceMsg{svc: svc, reply: reply}) {
		return errStopped
	}
	select {
	case err := <-reply:
		return err
	case <-b.stopCh:
		return errStopped
	}
}

// AddServices registers every service in svcs.
func (b *Broker) AddServices(svcs []*Service) error {
	for _, s := range svcs {
		if err := b.AddService(s); err != nil {
			return err
		}
	}
	return nil
}

// Emit load-balances eventName to exactly one provider, chosen by
// round-robin rotation. Fails NODE_NOT_FOUND if no peer advertises it.
func (b *Broker) Emit(eventName string, params any) error {
	reply := make(chan error, 1)
	if !b.send(&emitMsg{event: eventName, params: params, reply: reply}) {
		return errStopped
	}
	select {
	case err := <-reply:
		return err
	case <-b.stopCh:
		return errStopped
	}
}

// Broadcast fans eventName out to every current provider. Fails
// NODE_NOT_FOUND if no peer advertises it.
func (b *Broker) Broadcast(eventName string, params any) error {
	reply := make(chan error, 1)
	if !b.send(&broadcastMsg{event: eventName, params: params, reply: reply}) {
		return errStopped
	}
	select {
	case err := <-reply:
		return err
	case <-b.stopCh:
		return errStopped
	}
}

// Call invokes actionName on a round-robin-selected provider and
// blocks until a RESPONSE arrives, the per-call timeout elapses, or
// ctx is canceled. Fails synchronously with NODE_NOT_FOUND if no
// provider is known — no pending request is ever scheduled in that
// case.
func (b *Broker) Call(ctx context.Context, actionName string, params any) (any, error) {
	return b.callChained(ctx, "", "", "", 1, actionName, params)
}

// callChained is the shared implementation behind Call and the
// nested-call helpers exposed on EventContext/ActionContext, threading
// the caller's request-chain fields through to the next hop: requestID
// is the root of the chain, parentID the immediate parent envelope id.
func (b *Broker) callChained(ctx context.Context, requestID, parentID, caller string, level int, actionName string, params any) (any, error) {
	reply := make(chan callStarted, 1)
	if !b.send(&callMsg{
		action: actionName, params: params,
		requestID: requestID, parentID: parentID, caller: caller, level: level,
		reply: reply,
	}) {
		return nil, errStopped
	}
	var started callStarted
	select {
	case started = <-reply:
	case <-b.stopCh:
		return nil, errStopped
	}
	if started.err != nil {
		return nil, started.err
	}
	select {
	case result := <-started.ch:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping probes targetNodeID with a PING envelope and blocks for its
// PONG reply or the configured request timeout.
func (b *Broker) Ping(ctx context.Context, targetNodeID string) (*protocol.Pong, error) {
	reply := make(chan callStarted, 1)
	if !b.send(&pingMsg{targetNodeID: targetNodeID, reply: reply}) {
		return nil, errStopped
	}
	var started callStarted
	select {
	case started = <-reply:
	case <-b.stopCh:
		return nil, errStopped
	}
	if started.err != nil {
		return nil, started.err
	}
	select {
	case pong := <-started.pong:
		return &pong, nil
	case <-time.After(b.cfg.RequestTimeout):
		b.send(&pingExpiredMsg{id: started.id})
		return nil, protocol.NewBrokerError(protocol.ErrCallTimeout, "no pong from %s", targetNodeID)
	case <-ctx.Done():
		b.send(&pingExpiredMsg{id: started.id})
		return nil, ctx.Err()
	}
}

// send enqueues a mailbox message, reporting false if the broker has
// already stopped and the message will never be served.
func (b *Broker) send(msg any) bool {
	select {
	case b.mailbox <- msg:
		return true
	case <-b.stopCh:
		return false
	}
}

// --- dispatch-goroutine-only operations below ---

func (b *Broker) addService(svc *Service) {
	b.services = append(b.services, svc)
	for name, a := range svc.Actions {
		b.actionCallbacks[name] = a
	}
	for name, e := range svc.Events {
		b.eventCallbacks[name] = e
	}
}

func (b *Broker) doEmit(ctx context.Context, eventName string, params any) error {
	target, ok := b.reg.PickEventTarget(eventName)
	if !ok {
		return protocol.NewBrokerError(protocol.ErrNodeNotFound, "no provider for event %q", eventName)
	}
	env := &protocol.Event{
		Ver: protocol.Version, Sender: b.cfg.NodeID,
		ID: uuid.New().String(), Event: eventName, Data: params,
		Level: 1, Broadcast: false,
	}
	return b.supervisor.PublishToSubject(ctx, protocol.EventSubject(b.cfg.Namespace, target), env)
}

func (b *Broker) doBroadcast(ctx context.Context, eventName string, params any) error {
	targets, ok := b.reg.EventTargets(eventName)
	if !ok {
		return protocol.NewBrokerError(protocol.ErrNodeNotFound, "no provider for event %q", eventName)
	}
	for _, target := range targets {
		env := &protocol.Event{
			Ver: protocol.Version, Sender: b.cfg.NodeID,
			ID: uuid.New().String(), Event: eventName, Data: params,
			Level: 1, Broadcast: true,
		}
		if err := b.supervisor.PublishToSubject(ctx, protocol.EventSubject(b.cfg.Namespace, target), env); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) doCall(ctx context.Context, m *callMsg) (<-chan waiter.Result, error) {
	target, ok := b.reg.PickActionTarget(m.action)
	if !ok {
		return nil, protocol.NewBrokerError(protocol.ErrNodeNotFound, "no provider for action %q", m.action)
	}
	id := uuid.New().String()
	requestID := m.requestID
	if requestID == "" {
		requestID = id
	}
	ch := b.waiters.Register(id, target, b.cfg.RequestTimeout)
	env := &protocol.Request{
		Ver: protocol.Version, Sender: b.cfg.NodeID,
		ID: id, Action: m.action, Params: m.params,
		Timeout: float64(b.cfg.RequestTimeout / time.Millisecond),
		Level:   m.level, ParentID: m.parentID, RequestID: requestID, Caller: m.caller,
	}
	if err := b.supervisor.PublishToSubject(ctx, protocol.RequestSubject(b.cfg.Namespace, target), env); err != nil {
		return nil, err
	}
	return ch, nil
}

func (b *Broker) doPing(ctx context.Context, targetNodeID string) (string, <-chan protocol.Pong, error) {
	if _, ok := b.reg.Node(targetNodeID); !ok {
		return "", nil, protocol.NewBrokerError(protocol.ErrNodeNotFound, "unknown node %q", targetNodeID)
	}
	id := uuid.New().String()
	ch := make(chan protocol.Pong, 1)
	b.pendingPings()[id] = ch
	env := &protocol.Ping{Ver: protocol.Version, Sender: b.cfg.NodeID, ID: id, Time: time.Now().UnixMilli()}
	if err := b.supervisor.PublishToSubject(ctx, protocol.Subject(b.cfg.Namespace, protocol.ChannelPingTargeted, targetNodeID), env); err != nil {
		delete(b.pendingPings(), id)
		return "", nil, err
	}
	return id, ch, nil
}

func (b *Broker) reply(targetNodeID, id string, result any, brokerErr *protocol.BrokerError) {
	resp := &protocol.Response{
		Ver: protocol.Version, Sender: b.cfg.NodeID, ID: id,
		Data: result, Success: brokerErr == nil,
	}
	if brokerErr != nil {
		resp.Error = brokerErr.ToWire()
	}
	_ = b.supervisor.PublishToSubject(context.Background(), protocol.ResponseSubject(b.cfg.Namespace, targetNodeID), resp)
}

func (b *Broker) handleMissedHeartbeat(nodeID string) {
	b.reg.RemoveNode(nodeID)
	if b.cfg.Debug {
		log.Printf("[DEBUG] broker: evicted %s after missed heartbeats", nodeID)
	}
}

func (b *Broker) buildInfo() *protocol.Info {
	descs := make([]protocol.ServiceDescriptor, 0, len(b.services))
	for _, s := range b.services {
		descs = append(descs, s.Descriptor())
	}
	return &protocol.Info{
		Ver: protocol.Version, Sender: b.cfg.NodeID,
		InstanceID: b.instanceID, Services: descs,
		Hostname: hostnameOrEmpty(),
		Client: protocol.ClientInfo{
			Type: "go", Version: "1.0.0", LangVersion: identity.GoRuntimeVersion(),
		},
		Metadata: b.cfg.MetaData,
	}
}

func (b *Broker) publishInfo(ctx context.Context) error {
	return b.supervisor.Publish(ctx, protocol.ChannelInfo, b.buildInfo())
}

func hostnameOrEmpty() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// onMissedHeartbeat is passed to registry.ReconcileNode as the
// NodeWatcher callback; it must never block, so it does a
// non-blocking send into the broker's own dedicated channel.
func (b *Broker) onMissedHeartbeat(nodeID string) {
	select {
	case b.missedCh <- nodeID:
	default:
		log.Printf("[WARN] broker: missed-heartbeat backlog full, dropping notice for %s", nodeID)
	}
}

func (b *Broker) pendingPings() map[string]chan protocol.Pong {
	if b.pings == nil {
		b.pings = make(map[string]chan protocol.Pong)
	}
	return b.pings
}
