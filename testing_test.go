package netbox

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/goleak"

	"github.com/pior/netbox/internal/testutils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newServer(t testing.TB) *testutils.Server {
	t.Helper()
	return testutils.NewServer(t)
}

// connect opens a connection to srv and waits until it is active.
func connect(t testing.TB, srv *testutils.Server, opts Options) *Conn {
	t.Helper()

	c, err := Connect([]string{srv.Addr}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := c.WaitConnected(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	return c
}

// closedAddr returns an address nothing listens on.
func closedAddr(t testing.TB) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

// tuple encodes values the way the server would send them.
func tuple(t testing.TB, values ...any) Tuple {
	t.Helper()
	b, err := msgpack.Marshal(values)
	require.NoError(t, err)
	return Tuple(b)
}

func decodeInts(t testing.TB, tup Tuple) []int {
	t.Helper()
	var out []int
	require.NoError(t, tup.Decode(&out))
	return out
}

// echoHandler returns its first argument after sleeping for the number of
// milliseconds given as second argument.
func echoHandler(args []any) ([]any, error) {
	if len(args) > 1 {
		var ms int64
		_ = msgpackRoundTrip(args[1], &ms)
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
	if len(args) == 0 {
		return nil, nil
	}
	return []any{args[0]}, nil
}

func msgpackRoundTrip(in any, out any) error {
	b, err := msgpack.Marshal(in)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(b, out)
}

func assertNotConnected(t testing.TB, err error, state State) {
	t.Helper()
	var nc *NotConnectedError
	require.ErrorAs(t, err, &nc)
	require.Equal(t, state, nc.State)
}
