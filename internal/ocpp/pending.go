package ocpp

import (
	"fmt"
	"sync"
	"time"
)

// outcome is the single completion value of an outbound call.
type outcome struct {
	response interface{}
	err      error
}

type pendingRequest struct {
	uniqueID string
	action   Action
	issued   time.Time
	done     chan outcome
	timer    *time.Timer
}

// pendingTable tracks outbound calls by UniqueId. Every request is completed
// exactly once, through complete, by a result, an error, its deadline or
// cancellation of the whole table.
type pendingTable struct {
	mu       sync.Mutex
	requests map[string]*pendingRequest
	closed   error
}

func newPendingTable() *pendingTable {
	return &pendingTable{requests: make(map[string]*pendingRequest)}
}

func (t *pendingTable) add(uniqueID string, action Action, timeout time.Duration) (*pendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return nil, t.closed
	}
	if _, exists := t.requests[uniqueID]; exists {
		return nil, fmt.Errorf("duplicate unique id %s", uniqueID)
	}

	req := &pendingRequest{
		uniqueID: uniqueID,
		action:   action,
		issued:   time.Now(),
		done:     make(chan outcome, 1),
	}
	req.timer = time.AfterFunc(timeout, func() {
		t.complete(uniqueID, outcome{err: fmt.Errorf("%s %s after %s: %w", action, uniqueID, timeout, ErrRequestTimeout)})
	})
	t.requests[uniqueID] = req
	return req, nil
}

// complete resolves a pending request. It reports false when the request was
// already completed or never existed.
func (t *pendingTable) complete(uniqueID string, out outcome) bool {
	t.mu.Lock()
	req, ok := t.requests[uniqueID]
	if ok {
		delete(t.requests, uniqueID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	req.timer.Stop()
	req.done <- out
	return true
}

func (t *pendingTable) action(uniqueID string) (Action, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.requests[uniqueID]
	if !ok {
		return "", false
	}
	return req.action, true
}

// cancelAll completes every pending request with err and refuses new ones.
func (t *pendingTable) cancelAll(err error) {
	t.mu.Lock()
	t.closed = err
	ids := make([]string, 0, len(t.requests))
	for id := range t.requests {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.complete(id, outcome{err: err})
	}
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}
