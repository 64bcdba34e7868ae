package netbox

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/netbox/iproto"
)

// pending is a request waiting for its response.
// Whoever removes it from the table completes it, exactly once.
type pending struct {
	op      iproto.RequestType
	deliver func(h iproto.Header, body []byte)
	fail    func(err error)

	// timer is the timeout of an async request, stopped once it completes.
	timer atomic.Pointer[time.Timer]
}

func (p *pending) stopTimer() {
	if t := p.timer.Load(); t != nil {
		t.Stop()
	}
}

// pendingTable maps syncs to pending requests for one socket generation.
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint64]*pending
	closed  bool
	state   State
	err     error
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint64]*pending)}
}

// add registers p under sync. It fails once the table was closed.
func (t *pendingTable) add(sync uint64, p *pending) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return &NotConnectedError{State: t.state, Err: t.err}
	}
	t.entries[sync] = p
	return nil
}

// take removes and returns the entry for sync.
func (t *pendingTable) take(sync uint64) (*pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[sync]
	if ok {
		delete(t.entries, sync)
	}
	return p, ok
}

// remove drops the entry for sync. It returns false if the entry was already
// taken by a response or a failure.
func (t *pendingTable) remove(sync uint64) bool {
	_, ok := t.take(sync)
	return ok
}

// close rejects further entries and returns the ones left, which the caller
// must fail.
func (t *pendingTable) close(state State, err error) []*pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.state = state
	t.err = err

	left := make([]*pending, 0, len(t.entries))
	for sync, p := range t.entries {
		left = append(left, p)
		delete(t.entries, sync)
	}
	return left
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
