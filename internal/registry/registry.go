package registry

import (
	"time"

	"github.com/tenzoki/molbroker/internal/protocol"
)

// Registry holds the Service Broker's view of the cluster: which
// nodes provide which events and actions, and each node's full
// record. It is touched only from the Service Broker's own mailbox
// goroutine — there is no mutex here on purpose; concurrent access
// from any other goroutine is a bug in the caller, not something this
// type defends against.
type Registry struct {
	events  map[string]*QueueSet[string]
	actions map[string]*QueueSet[string]
	nodes   map[string]*Node
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		events:  make(map[string]*QueueSet[string]),
		actions: make(map[string]*QueueSet[string]),
		nodes:   make(map[string]*Node),
	}
}

// Node returns the record for nodeID, if known.
func (r *Registry) Node(nodeID string) (*Node, bool) {
	n, ok := r.nodes[nodeID]
	return n, ok
}

// Nodes returns every known node, for diagnostics and for stopping
// every watcher at shutdown.
func (r *Registry) Nodes() []*Node {
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// ReconcileNode creates or refreshes a Node record from an inbound
// INFO envelope. It is additive: event and action names declared in
// info are added to the node's sets and to the corresponding
// dispatch queue-sets, but names the node previously advertised and
// no longer declares are NOT removed. Removal on update is a separate
// decision from liveness and is deliberately not made here.
func (r *Registry) ReconcileNode(info *protocol.Info, heartbeatTimeout time.Duration, onMiss MissedHeartbeatFunc) *Node {
	node, exists := r.nodes[info.Sender]
	if !exists {
		node = NewNode(info.Sender)
		node.Watcher = NewNodeWatcher(info.Sender, heartbeatTimeout, onMiss)
		r.nodes[info.Sender] = node
	} else if node.Watcher == nil {
		// A record stored without a watcher gets one here. A node that
		// went GONE was deleted by RemoveNode, so its next INFO takes
		// the !exists branch above and gets a fresh watcher there.
		node.Watcher = NewNodeWatcher(info.Sender, heartbeatTimeout, onMiss)
	}

	node.InstanceID = info.InstanceID
	node.IPList = info.IPList
	node.Hostname = info.Hostname
	node.ClientInfo = map[string]any{
		"type":        info.Client.Type,
		"version":     info.Client.Version,
		"langVersion": info.Client.LangVersion,
	}

	for _, svc := range info.Services {
		for _, ev := range svc.Events {
			node.Events[ev] = struct{}{}
			r.eventQueue(ev).Insert(node.Name)
		}
		for _, act := range svc.Actions {
			node.Actions[act] = struct{}{}
			r.actionQueue(act).Insert(node.Name)
		}
	}
	return node
}

// RemoveNode drops a node's record entirely, removing it from every
// event and action queue-set it belonged to (deleting any queue-set
// that becomes empty as a result) and stopping its watcher.
func (r *Registry) RemoveNode(nodeID string) {
	node, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	for ev := range node.Events {
		if qs, ok := r.events[ev]; ok {
			qs.Remove(nodeID)
			if qs.Len() == 0 {
				delete(r.events, ev)
			}
		}
	}
	for act := range node.Actions {
		if qs, ok := r.actions[act]; ok {
			qs.Remove(nodeID)
			if qs.Len() == 0 {
				delete(r.actions, act)
			}
		}
	}
	if node.Watcher != nil {
		node.Watcher.Stop()
	}
	delete(r.nodes, nodeID)
}

// UpdateHeartbeat refreshes a node's CPU reading and resets its
// watcher's idle clock. No-op if the node is unknown.
func (r *Registry) UpdateHeartbeat(nodeID string, cpu float64) {
	node, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	node.CPU = cpu
	if node.Watcher != nil {
		node.Watcher.ReceivedHeartbeat()
	}
}

// PickEventTarget selects one node for a load-balanced emit via
// round-robin rotation. ok is false if no node advertises eventName.
func (r *Registry) PickEventTarget(eventName string) (string, bool) {
	qs, ok := r.events[eventName]
	if !ok {
		return "", false
	}
	return qs.PopRoundRobin()
}

// EventTargets returns every node currently advertising eventName, in
// rotation order, for broadcast fan-out. ok is false if the event is
// unknown.
func (r *Registry) EventTargets(eventName string) ([]string, bool) {
	qs, ok := r.events[eventName]
	if !ok {
		return nil, false
	}
	return qs.Members(), true
}

// PickActionTarget selects one node for a call via round-robin
// rotation. ok is false if no node advertises actionName.
func (r *Registry) PickActionTarget(actionName string) (string, bool) {
	qs, ok := r.actions[actionName]
	if !ok {
		return "", false
	}
	return qs.PopRoundRobin()
}

func (r *Registry) eventQueue(name string) *QueueSet[string] {
	qs, ok := r.events[name]
	if !ok {
		qs = NewQueueSet[string]()
		r.events[name] = qs
	}
	return qs
}

func (r *Registry) actionQueue(name string) *QueueSet[string] {
	qs, ok := r.actions[name]
	if !ok {
		qs = NewQueueSet[string]()
		r.actions[name] = qs
	}
	return qs
}
