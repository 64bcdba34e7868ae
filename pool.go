package netbox

import (
	"context"
	"sync/atomic"

	"github.com/jackc/puddle/v2"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// MaxSize is the maximum number of connections in the pool.
	// Required: must be > 0.
	MaxSize int32

	// Options are used for every connection. If Options.Registry is nil the
	// pool creates one, so all its connections share a schema cache.
	Options Options
}

// PoolStats contains statistics about a connection pool.
//
// For Prometheus integration, expose these as:
//   - Gauges: TotalConns, IdleConns, ActiveConns
//   - Counters: AcquireCount, AcquireWaitCount, CreatedConns, DestroyedConns, AcquireErrors
type PoolStats struct {
	AcquireCount      uint64 // Total acquire attempts
	AcquireWaitCount  uint64 // Acquires that had to wait
	CreatedConns      uint64 // Total connections created
	DestroyedConns    uint64 // Total connections destroyed
	AcquireErrors     uint64 // Canceled acquire attempts
	AcquireWaitTimeNs uint64 // Total nanoseconds spent waiting

	TotalConns  int32 // Total connections in pool (active + idle)
	IdleConns   int32 // Idle connections available
	ActiveConns int32 // Connections currently in use
}

// Pool is a set of connections to the same destination.
//
// A single Conn already multiplexes concurrent requests; a pool spreads load
// over several sockets and server-side sessions.
type Pool struct {
	pool     *puddle.Pool[*Conn]
	registry *Registry

	createdConns   atomic.Int64
	destroyedConns atomic.Int64
}

// NewPool creates a pool of connections to addrs. Connections are created
// on demand and must reach the active state within
// Options.ConnectTimeout.
func NewPool(addrs []string, cfg PoolConfig) (*Pool, error) {
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}

	opts := cfg.Options
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	opts = opts.withDefaults()

	p := &Pool{registry: opts.Registry}

	poolConfig := &puddle.Config[*Conn]{
		Constructor: func(ctx context.Context) (*Conn, error) {
			conn, err := Connect(addrs, opts)
			if err != nil {
				return nil, err
			}

			ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
			defer cancel()
			if _, err := conn.WaitConnected(ctx); err != nil {
				_ = conn.Close()
				return nil, err
			}

			p.createdConns.Add(1)
			return conn, nil
		},
		Destructor: func(c *Conn) {
			p.destroyedConns.Add(1)
			_ = c.Close()
		},
		MaxSize: cfg.MaxSize,
	}

	pool, err := puddle.NewPool(poolConfig)
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return p, nil
}

// With acquires a connection, runs fn with it and releases it.
// A connection that gave up reconnecting is destroyed and replaced once.
func (p *Pool) With(ctx context.Context, fn func(c *Conn) error) error {
	var lastErr error
	for range 2 {
		res, err := p.pool.Acquire(ctx)
		if err != nil {
			return err
		}

		conn := res.Value()
		if conn.State().terminal() {
			res.Destroy()
			lastErr = &NotConnectedError{State: conn.State(), Err: conn.lastError()}
			continue
		}

		err = fn(conn)
		if conn.State().terminal() {
			res.Destroy()
		} else {
			res.Release()
		}
		return err
	}
	return lastErr
}

// Registry returns the schema registry shared by the pool connections.
func (p *Pool) Registry() *Registry {
	return p.registry
}

// Close closes every connection. It waits for acquired connections to be
// released.
func (p *Pool) Close() {
	p.pool.Close()
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() PoolStats {
	s := p.pool.Stat()

	return PoolStats{
		TotalConns:        s.TotalResources(),
		IdleConns:         s.IdleResources(),
		ActiveConns:       s.AcquiredResources(),
		AcquireCount:      uint64(s.AcquireCount()),
		AcquireWaitCount:  uint64(s.EmptyAcquireCount()),
		CreatedConns:      uint64(p.createdConns.Load()),
		DestroyedConns:    uint64(p.destroyedConns.Load()),
		AcquireErrors:     uint64(s.CanceledAcquireCount()),
		AcquireWaitTimeNs: uint64(s.EmptyAcquireWaitTime().Nanoseconds()),
	}
}
