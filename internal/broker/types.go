package broker

import (
	"context"

	"github.com/tenzoki/molbroker/internal/protocol"
)

// EventCallback handles an inbound EVENT. Callback failure is logged
// by the broker and does not stop dispatch. Each invocation runs on
// its own goroutine, so the context's broker handle is safe to use
// from within the callback, including blocking Call round-trips.
type EventCallback func(ctx *EventContext) error

// ActionCallback handles an inbound REQUEST. It is responsible for
// calling ctx.Reply itself; the broker does not reply on its behalf.
type ActionCallback func(ctx *ActionContext)

// Action is a named request/response operation. Callback is present
// only on locally hosted instances and is never serialized.
type Action struct {
	Name     string
	Params   map[string]any
	Callback ActionCallback
}

// Event is a named fire-and-forget message. Callback is present only
// on locally hosted instances and is never serialized.
type Event struct {
	Name     string
	Params   map[string]any
	Callback EventCallback
}

// Service groups named events and actions under one banner. Services
// are owned by the broker and serialized verbatim into INFO.
type Service struct {
	Name     string
	Version  string
	Settings map[string]string
	Metadata map[string]any
	Actions  map[string]*Action
	Events   map[string]*Event
}

// Descriptor renders the wire-visible shape of this service for an
// outbound INFO envelope.
func (s *Service) Descriptor() protocol.ServiceDescriptor {
	d := protocol.ServiceDescriptor{
		Name:     s.Name,
		Version:  s.Version,
		Settings: s.Settings,
		Metadata: s.Metadata,
	}
	for name := range s.Actions {
		d.Actions = append(d.Actions, name)
	}
	for name := range s.Events {
		d.Events = append(d.Events, name)
	}
	return d
}

// EventContext is passed to an EventCallback. It exposes the inbound
// envelope's routing fields and a handle back to the broker so user
// code may emit/broadcast/call from within a handler.
type EventContext struct {
	Params    any
	Meta      map[string]any
	Sender    string
	RequestID string
	ParentID  string
	Caller    string
	Level     int

	id     string // envelope id, becomes parentID on nested calls
	broker *Broker
}

// Emit delegates to the owning broker. No request-chain fields are
// carried over to the emitted EVENT.
func (c *EventContext) Emit(eventName string, params any) error {
	return c.broker.Emit(eventName, params)
}

// Broadcast delegates to the owning broker.
func (c *EventContext) Broadcast(eventName string, params any) error {
	return c.broker.Broadcast(eventName, params)
}

// Call delegates to the owning broker, propagating this context's
// request chain (requestID, parentID, level) to the nested call.
func (c *EventContext) Call(actionName string, params any) (any, error) {
	return c.broker.callChained(context.Background(), c.RequestID, c.id, c.Caller, c.Level+1, actionName, params)
}

// ActionContext is passed to an ActionCallback. Reply is the only
// member not present on EventContext: a REQUEST handler is always
// responsible for answering it.
type ActionContext struct {
	Params    any
	Meta      map[string]any
	Sender    string
	RequestID string
	ParentID  string
	Caller    string
	Level     int

	id     string // envelope id to echo back in RESPONSE
	broker *Broker
}

// Emit delegates to the owning broker.
func (c *ActionContext) Emit(eventName string, params any) error {
	return c.broker.Emit(eventName, params)
}

// Broadcast delegates to the owning broker.
func (c *ActionContext) Broadcast(eventName string, params any) error {
	return c.broker.Broadcast(eventName, params)
}

// Call delegates to the owning broker, propagating this context's
// request chain to the nested call.
func (c *ActionContext) Call(actionName string, params any) (any, error) {
	return c.broker.callChained(context.Background(), c.RequestID, c.id, c.Caller, c.Level+1, actionName, params)
}

// Reply sends a RESPONSE envelope back to the original caller, keyed
// on the request's envelope id. Exactly one of result/brokerErr
// should be meaningful; a non-nil brokerErr marks success=false.
func (c *ActionContext) Reply(result any, brokerErr *protocol.BrokerError) {
	c.broker.reply(c.Sender, c.id, result, brokerErr)
}
