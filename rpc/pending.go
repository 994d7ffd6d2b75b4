package rpc

import (
	"encoding/json"
	"fmt"
	"sync"
)

type result struct {
	value json.RawMessage
	err   error
}

// pendingCall is a request that has been sent and not yet resolved.
type pendingCall struct {
	id  int64
	typ string
	// done has capacity 1 and receives exactly one result, from whoever removed the call from the table.
	done chan result
}

func newPendingCall(id int64, typ string) *pendingCall {
	return &pendingCall{id: id, typ: typ, done: make(chan result, 1)}
}

func (p *pendingCall) resolve(value json.RawMessage, err error) {
	p.done <- result{value: value, err: err}
}

// pendingTable holds unresolved calls keyed by request id.
// Removal is the only way to obtain the right to resolve a call.
type pendingTable struct {
	m      sync.Mutex
	calls  map[int64]*pendingCall
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: map[int64]*pendingCall{}}
}

// insert adds a call, failing if the table is closed or the id is already taken.
func (t *pendingTable) insert(c *pendingCall) error {
	t.m.Lock()
	defer t.m.Unlock()
	if t.closed {
		return ErrNotRunning
	}
	if _, ok := t.calls[c.id]; ok {
		return fmt.Errorf("duplicate request id %d", c.id)
	}
	t.calls[c.id] = c
	return nil
}

func (t *pendingTable) remove(id int64) (*pendingCall, bool) {
	t.m.Lock()
	defer t.m.Unlock()
	c, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return c, ok
}

// close rejects all future inserts and returns every call still pending.
func (t *pendingTable) close() []*pendingCall {
	t.m.Lock()
	defer t.m.Unlock()
	t.closed = true
	calls := make([]*pendingCall, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	t.calls = map[int64]*pendingCall{}
	return calls
}

func (t *pendingTable) len() int {
	t.m.Lock()
	defer t.m.Unlock()
	return len(t.calls)
}
