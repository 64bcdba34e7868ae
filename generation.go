package netbox

import (
	"net"
	"sync"
)

// generation is one socket and everything tied to its lifetime: the sync
// counter, the pending table and the reader/writer goroutines.
// A reconnect starts a new generation.
type generation struct {
	id      uint64
	conn    net.Conn
	pending *pendingTable
	queue   *sendQueue

	done chan struct{}
	once sync.Once
	err  error // set before done is closed
}

func newGeneration(id uint64, conn net.Conn) *generation {
	pending := newPendingTable()
	return &generation{
		id:      id,
		conn:    conn,
		pending: pending,
		queue:   newSendQueue(pending),
		done:    make(chan struct{}),
	}
}

// fail shuts the socket down and fails every pending request with a
// NotConnectedError wrapping err. Only the first call has an effect.
func (g *generation) fail(state State, err error) {
	g.once.Do(func() {
		g.err = err
		_ = g.conn.Close()
		left := g.pending.close(state, err)
		close(g.done)

		for _, p := range left {
			p.fail(&NotConnectedError{State: state, Err: err})
		}
	})
}

func (g *generation) failed() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}
