// Package registry tracks the peers this node knows about: which
// nodes host which events and actions, and the liveness watcher for
// each. It is owned exclusively by the Service Broker's mailbox
// goroutine; Registry and QueueSet take no lock, by design — see the
// registry's own doc comment for the discipline that makes that safe.
// The one exception is NodeWatcher, which runs its own goroutine and
// guards its last-heartbeat time with a mutex.
package registry

import "container/list"

// QueueSet is an ordered, deduplicated collection giving O(1)
// membership, O(1) insert/remove, and O(1) fair round-robin
// extraction. It is the routing fabric behind load-balanced emit and
// call dispatch.
//
// Re-inserting an element already present is a no-op: it does not
// reset the element's position. This matters for round-robin fairness
// during churn — an element must not be able to "jump the queue" by
// being re-announced.
type QueueSet[T comparable] struct {
	order *list.List
	index map[T]*list.Element
}

// NewQueueSet returns an empty QueueSet.
func NewQueueSet[T comparable]() *QueueSet[T] {
	return &QueueSet[T]{
		order: list.New(),
		index: make(map[T]*list.Element),
	}
}

// Insert appends item to the back if not already present. Re-inserting
// an existing item is a no-op.
func (q *QueueSet[T]) Insert(item T) {
	if _, ok := q.index[item]; ok {
		return
	}
	el := q.order.PushBack(item)
	q.index[item] = el
}

// Remove deletes item from the set, preserving the relative order of
// the remaining elements.
func (q *QueueSet[T]) Remove(item T) {
	el, ok := q.index[item]
	if !ok {
		return
	}
	q.order.Remove(el)
	delete(q.index, item)
}

// Contains reports whether item is currently a member.
func (q *QueueSet[T]) Contains(item T) bool {
	_, ok := q.index[item]
	return ok
}

// Len returns the number of members.
func (q *QueueSet[T]) Len() int {
	return q.order.Len()
}

// PopRoundRobin removes the element that has been idle longest (the
// front of the queue) and re-appends it to the back, returning it.
// The element's set membership is unaffected: it rotates, it does not
// leave. Reports ok=false if the set is empty.
func (q *QueueSet[T]) PopRoundRobin() (item T, ok bool) {
	front := q.order.Front()
	if front == nil {
		var zero T
		return zero, false
	}
	q.order.MoveToBack(front)
	return front.Value.(T), true
}

// Members returns a snapshot of the current members in round-robin
// order (front first), used by broadcast which must address every
// provider exactly once without disturbing rotation order.
func (q *QueueSet[T]) Members() []T {
	out := make([]T, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(T))
	}
	return out
}
