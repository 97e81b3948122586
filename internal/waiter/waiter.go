// Package waiter implements request/response correlation for call():
// a table of pending requests keyed by requestId, each with its own
// timeout timer, resolved exactly once by either an arriving RESPONSE
// or timer expiry.
package waiter

import (
	"sync"
	"time"

	"github.com/tenzoki/molbroker/internal/protocol"
)

// Result is what a pending call ultimately resolves to: either data
// from a successful RESPONSE, a wire-level MoleculerError, or a local
// CALL_TIMEOUT.
type Result struct {
	Data any
	Err  error
}

// pendingRequest is the table entry for one in-flight call. It is
// inserted before the REQUEST envelope is sent, so a RESPONSE arriving
// immediately after publish can never race ahead of the waiter's
// existence.
type pendingRequest struct {
	requestID    string
	targetNodeID string
	completion   chan Result
	timer        *time.Timer
	resolved     bool
}

// Table is the Response Waiter Table. One Table is owned by the
// Service Broker; all access is expected to happen from the broker's
// own mailbox goroutine except completion delivery, which callers
// observe via each waiter's own completion channel.
type Table struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewTable returns an empty Response Waiter Table.
func NewTable() *Table {
	return &Table{pending: make(map[string]*pendingRequest)}
}

// Register inserts a waiter for requestID before the REQUEST envelope
// is published, arming a timeout timer for the given duration. The
// returned channel receives exactly one Result: either a resolved
// RESPONSE or a CALL_TIMEOUT failure, never both, never zero.
func (t *Table) Register(requestID, targetNodeID string, timeout time.Duration) <-chan Result {
	pr := &pendingRequest{
		requestID:    requestID,
		targetNodeID: targetNodeID,
		completion:   make(chan Result, 1),
	}
	t.mu.Lock()
	t.pending[requestID] = pr
	t.mu.Unlock()

	pr.timer = time.AfterFunc(timeout, func() {
		t.expire(requestID)
	})
	return pr.completion
}

// Resolve delivers a RESPONSE's payload to the waiter for id, if one
// is still pending. A RESPONSE whose id is unknown at arrival time
// (already resolved, timed out, or never registered) is dropped
// silently, per contract.
func (t *Table) Resolve(id string, data any, brokerErr *protocol.MoleculerError) {
	t.mu.Lock()
	pr, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	pr.timer.Stop()

	var result Result
	if brokerErr != nil {
		result = Result{Err: &protocol.BrokerError{
			Code:    brokerErr.Code,
			Message: brokerErr.Message,
			Data:    brokerErr.Data,
		}}
	} else {
		result = Result{Data: data}
	}
	pr.completion <- result
}

// expire fires when a pending request's timer elapses without a
// RESPONSE. It removes the waiter and delivers a CALL_TIMEOUT failure.
// If the request already resolved between timer fire and this running,
// it is a no-op — resolution is exactly-once.
func (t *Table) expire(requestID string) {
	t.mu.Lock()
	pr, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	pr.completion <- Result{Err: protocol.NewBrokerError(protocol.ErrCallTimeout,
		"no response from %s within timeout", pr.targetNodeID)}
}

// Len reports how many requests are currently pending, for tests and
// diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// CancelAll drops every pending waiter without resolving its
// completion channel with data, used when the broker is stopping:
// callers awaiting a call observe a "broker stopped" failure instead
// of hanging forever.
func (t *Table) CancelAll() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for _, pr := range pending {
		pr.timer.Stop()
		pr.completion <- Result{Err: protocol.NewBrokerError(protocol.ErrCallTimeout, "broker stopped")}
	}
}
