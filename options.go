package netbox

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pior/netbox/iproto"
)

// DefaultConnectTimeout bounds dial, greeting, auth and the initial schema
// load when Options.ConnectTimeout is zero.
const DefaultConnectTimeout = 5 * time.Second

// Options configures a connection.
type Options struct {
	// ConnectTimeout bounds each connection attempt, from dial to active.
	// Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// RequestTimeout is applied to requests whose context has no deadline,
	// and to async requests.
	// Zero means no timeout.
	RequestTimeout time.Duration

	// Reconnect controls what happens when the socket fails.
	// The zero value disables reconnection: the connection moves to the
	// error state on the first failure.
	Reconnect ReconnectPolicy

	// User and Password authenticate the session with chap-sha1.
	// An empty User keeps the guest session.
	User     string
	Password string

	// Triggers run on their own goroutine. The connection waits for each to
	// return unless it is closed meanwhile, so a trigger may call Close.
	Triggers Triggers

	// Registry shares schema caches between connections to the same
	// destination. If nil, the connection gets a private cache.
	Registry *Registry

	// SkipSchema disables the schema load on connect and the background
	// refresh. Names are still resolved lazily on first use.
	SkipSchema bool

	// RefreshSchemaOnReconnect reloads the schema after every reconnect
	// instead of waiting for a response to report a newer version.
	RefreshSchemaOnReconnect bool

	// Logger receives connection events. If nil, logs are discarded.
	Logger *slog.Logger

	// Dialer is used to open sockets. If nil, a default net.Dialer is used.
	Dialer *net.Dialer

	// CircuitBreakerSettings enables a circuit breaker around requests.
	// Transport failures, timeouts and disconnections count as failures,
	// server errors do not.
	// If nil, no circuit breaker is used.
	CircuitBreakerSettings *gobreaker.Settings
}

// Triggers are optional callbacks on connection events.
type Triggers struct {
	// OnConnect is called every time the connection becomes active.
	OnConnect func(c *Conn)

	// OnDisconnect is called when an active socket fails or is closed.
	OnDisconnect func(c *Conn, err error)

	// OnSchemaReload is called after the schema cache was reloaded.
	OnSchemaReload func(c *Conn, version uint32)
}

// SelectOptions are the paging and traversal options of a select.
type SelectOptions struct {
	// Limit caps the number of returned tuples. Zero means no limit.
	Limit uint32

	Offset   uint32
	Iterator iproto.Iterator
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{}
	}
	return o
}

// requestContext applies RequestTimeout to ctx when it has no deadline.
func (o Options) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.RequestTimeout)
}
