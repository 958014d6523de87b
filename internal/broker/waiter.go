package broker

import (
	"sync"

	"github.com/cmakafui/codelatch/internal/envelope"
)

// waiterTable holds at most one in-memory waiter per request_id (I2).
// Each waiter is a one-shot buffered channel that parks a blocking
// permission handler until a decision is reached by either a chat
// callback or the auto-deny timeout.
type waiterTable struct {
	mu      sync.Mutex
	waiters map[string]chan *envelope.HookResponseEnvelope
}

func newWaiterTable() *waiterTable {
	return &waiterTable{waiters: make(map[string]chan *envelope.HookResponseEnvelope)}
}

// register allocates a buffered-1 channel for requestID. Any existing
// waiter for the same id is replaced (callers only ever register once
// per request_id in practice).
func (t *waiterTable) register(requestID string) chan *envelope.HookResponseEnvelope {
	ch := make(chan *envelope.HookResponseEnvelope, 1)
	t.mu.Lock()
	t.waiters[requestID] = ch
	t.mu.Unlock()
	return ch
}

// complete delivers resp to the waiter for requestID and removes it
// from the table, non-blockingly. Returns false if no waiter was
// registered (already completed, or never existed).
func (t *waiterTable) complete(requestID string, resp *envelope.HookResponseEnvelope) bool {
	t.mu.Lock()
	ch, ok := t.waiters[requestID]
	if ok {
		delete(t.waiters, requestID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- resp:
		return true
	default:
		return false
	}
}

// remove deletes the waiter for requestID without sending, used when
// the awaiting side gives up (e.g. connection closed).
func (t *waiterTable) remove(requestID string) {
	t.mu.Lock()
	delete(t.waiters, requestID)
	t.mu.Unlock()
}
