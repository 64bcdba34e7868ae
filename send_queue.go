package netbox

import (
	"io"
	"sync"

	"github.com/pior/netbox/iproto"
)

// encodeFunc appends one request frame for sync to b.
// On error it must return b unchanged.
type encodeFunc func(b []byte, sync uint64) ([]byte, error)

// sendQueue assigns syncs and batches encoded frames for a single writer.
// Callers never block on the socket: frames accumulate in buf while the
// writer flushes the previous batch.
type sendQueue struct {
	mu      sync.Mutex
	next    uint64
	buf     []byte
	pending *pendingTable

	signal chan struct{}
	spare  []byte // only touched by the writer
}

func newSendQueue(pending *pendingTable) *sendQueue {
	return &sendQueue{
		pending: pending,
		signal:  make(chan struct{}, 1),
		buf:     make([]byte, 0, 4096),
		spare:   make([]byte, 0, 4096),
	}
}

// enqueue registers p and appends its frame. The entry is in the pending
// table before the frame can reach the socket, so the response always finds
// it. On encode failure the entry is removed and nothing is written.
func (q *sendQueue) enqueue(p *pending, encode encodeFunc) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sync := q.next + 1
	if err := q.pending.add(sync, p); err != nil {
		return 0, err
	}

	buf, err := encode(q.buf, sync)
	if err != nil {
		q.pending.remove(sync)
		return 0, err
	}
	q.buf = buf
	q.next = sync

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return sync, nil
}

// run writes batches to w in enqueue order until done is closed or a write
// fails.
func (q *sendQueue) run(w io.Writer, done <-chan struct{}) error {
	for {
		select {
		case <-q.signal:
		case <-done:
			return nil
		}

		q.mu.Lock()
		out := q.buf
		q.buf = q.spare[:0]
		q.mu.Unlock()

		if len(out) == 0 {
			continue
		}
		if _, err := w.Write(out); err != nil {
			return &iproto.TransportError{Op: "write", Err: err}
		}
		q.spare = out
	}
}
