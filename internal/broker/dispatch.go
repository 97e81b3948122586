package broker

import (
	"context"
	"log"
	"time"

	"github.com/tenzoki/molbroker/internal/channelsup"
	"github.com/tenzoki/molbroker/internal/protocol"
)

// dispatchInbound decodes one delivery from the Channel Supervisor and
// routes it to the matching handler. It runs entirely on the broker's
// own dispatch goroutine — this is the one place registry state is
// mutated.
func (b *Broker) dispatchInbound(ctx context.Context, in channelsup.Inbound) {
	switch in.Channel {
	case protocol.ChannelInfo, protocol.ChannelInfoTargeted:
		b.handleInfo(ctx, in.Data)
	case protocol.ChannelHeartbeat:
		b.handleHeartbeat(in.Data)
	case protocol.ChannelDisconnect:
		b.handleDisconnect(in.Data)
	case protocol.ChannelDiscover, protocol.ChannelDiscoverTargeted:
		b.handleDiscover(ctx, in.Data)
	case protocol.ChannelPing, protocol.ChannelPingTargeted:
		b.handlePing(ctx, in.Data)
	case protocol.ChannelPong:
		b.handlePong(in.Data)
	case protocol.ChannelEvent:
		b.handleEvent(in.Data)
	case protocol.ChannelRequest:
		b.handleRequest(ctx, in.Data)
	case protocol.ChannelResponse:
		b.handleResponse(in.Data)
	default:
		log.Printf("[WARN] broker: inbound on unhandled channel %v", in.Channel)
	}
}

func (b *Broker) decode(data []byte, v any) bool {
	if err := (protocol.JSONSerializer{}).Unmarshal(data, v); err != nil {
		log.Printf("[WARN] broker: %s: %v", protocol.ErrDeserializeFailed, err)
		return false
	}
	return true
}

func (b *Broker) handleInfo(ctx context.Context, data []byte) {
	var info protocol.Info
	if !b.decode(data, &info) {
		return
	}
	if info.Sender == b.cfg.NodeID {
		return
	}
	b.reg.ReconcileNode(&info, b.cfg.HeartbeatTimeout, b.onMissedHeartbeat)
}

func (b *Broker) handleHeartbeat(data []byte) {
	var hb protocol.Heartbeat
	if !b.decode(data, &hb) {
		return
	}
	if hb.Sender == b.cfg.NodeID {
		return
	}
	b.reg.UpdateHeartbeat(hb.Sender, hb.CPU)
}

func (b *Broker) handleDisconnect(data []byte) {
	var dc protocol.Disconnect
	if !b.decode(data, &dc) {
		return
	}
	if dc.Sender == b.cfg.NodeID {
		return
	}
	b.reg.RemoveNode(dc.Sender)
}

func (b *Broker) handleDiscover(ctx context.Context, data []byte) {
	var disc protocol.Discover
	if !b.decode(data, &disc) {
		return
	}
	if disc.Sender == b.cfg.NodeID {
		return
	}
	subject := protocol.Subject(b.cfg.Namespace, protocol.ChannelInfoTargeted, disc.Sender)
	_ = b.supervisor.PublishToSubject(ctx, subject, b.buildInfo())
}

func (b *Broker) handlePing(ctx context.Context, data []byte) {
	var ping protocol.Ping
	if !b.decode(data, &ping) {
		return
	}
	pong := &protocol.Pong{
		Ver: protocol.Version, Sender: b.cfg.NodeID,
		ID: ping.ID, Time: ping.Time, Arrived: time.Now().UnixMilli(),
	}
	subject := protocol.PongSubject(b.cfg.Namespace, ping.Sender)
	_ = b.supervisor.PublishToSubject(ctx, subject, pong)
}

func (b *Broker) handlePong(data []byte) {
	var pong protocol.Pong
	if !b.decode(data, &pong) {
		return
	}
	ch, ok := b.pendingPings()[pong.ID]
	if !ok {
		return
	}
	delete(b.pendingPings(), pong.ID)
	ch <- pong
}

func (b *Broker) handleEvent(data []byte) {
	var ev protocol.Event
	if !b.decode(data, &ev) {
		return
	}
	event, ok := b.eventCallbacks[ev.Event]
	if !ok {
		log.Printf("[WARN] broker: %s: %q", protocol.ErrEventNotFound, ev.Event)
		return
	}
	if event.Callback == nil {
		log.Printf("[WARN] broker: %s: event %q has no local callback", protocol.ErrCallbackNotFound, ev.Event)
		return
	}
	ectx := &EventContext{
		Params: ev.Data, Meta: ev.Meta, Sender: ev.Sender,
		RequestID: ev.RequestID, ParentID: ev.ParentID, Caller: ev.Caller,
		Level: ev.Level, id: ev.ID, broker: b,
	}
	// Callbacks run on their own goroutine so user code can emit,
	// broadcast, or call through the broker's mailbox without deadlocking
	// the dispatch loop that serves that mailbox.
	go b.invokeEvent(event, ectx)
}

func (b *Broker) invokeEvent(event *Event, ctx *EventContext) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] broker: %s: event %q callback panicked: %v", protocol.ErrCallbackFailed, event.Name, r)
		}
	}()
	if err := event.Callback(ctx); err != nil {
		log.Printf("[WARN] broker: %s: event %q callback error: %v", protocol.ErrCallbackFailed, event.Name, err)
	}
}

func (b *Broker) handleRequest(ctx context.Context, data []byte) {
	var req protocol.Request
	if !b.decode(data, &req) {
		return
	}
	action, ok := b.actionCallbacks[req.Action]
	if !ok {
		b.reply(req.Sender, req.ID, nil, protocol.NewBrokerError(protocol.ErrActionNotFound, "action %q not hosted here", req.Action))
		return
	}
	if action.Callback == nil {
		b.reply(req.Sender, req.ID, nil, protocol.NewBrokerError(protocol.ErrCallbackNotFound, "action %q has no local callback", req.Action))
		return
	}
	actx := &ActionContext{
		Params: req.Params, Meta: req.Meta, Sender: req.Sender,
		RequestID: req.RequestID, ParentID: req.ParentID, Caller: req.Caller,
		Level: req.Level, id: req.ID, broker: b,
	}
	go b.invokeAction(action, actx)
}

func (b *Broker) invokeAction(action *Action, ctx *ActionContext) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] broker: %s: action %q callback panicked: %v", protocol.ErrCallbackFailed, action.Name, r)
			ctx.Reply(nil, protocol.NewBrokerError(protocol.ErrCallbackFailed, "panic: %v", r))
		}
	}()
	action.Callback(ctx)
}

func (b *Broker) handleResponse(data []byte) {
	var resp protocol.Response
	if !b.decode(data, &resp) {
		return
	}
	b.waiters.Resolve(resp.ID, resp.Data, resp.Error)
}
