package netbox

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"

	"github.com/pior/netbox/iproto"
)

const readBufferSize = 64 * 1024

// Conn is a pipelined connection to one Tarantool destination.
//
// Many goroutines may issue requests concurrently: they are multiplexed over
// a single socket and matched to responses by sync. The connection
// authenticates, loads the schema and reconnects on its own, following the
// state machine described by State.
type Conn struct {
	addrs   []string
	opts    Options
	logger  *slog.Logger
	schema  *Schema
	breaker *gobreaker.CircuitBreaker[any]
	stats   *statsCollector

	mu       sync.Mutex
	state    State
	changed  chan struct{} // closed and replaced on every transition
	gen      *generation
	genSeq   uint64
	greeting *iproto.Greeting
	lastErr  error

	// observed is the highest schema version seen in a response header on
	// the current socket.
	observed   atomic.Uint32
	bgRefresh  atomic.Bool
	workerDone chan struct{}
	wg         sync.WaitGroup
	ctx        context.Context // cancelled by Close
	cancel     context.CancelFunc
	closeOnce  sync.Once
	release    sync.Once
}

// Connect creates a connection to addrs and starts connecting in the
// background. Addresses are tried in order on every attempt; they are
// "host:port", "tcp://host:port" or "unix:/path/to/socket".
//
// Use WaitConnected to block until the connection is usable. Requests issued
// before that wait for it, bounded by their context.
func Connect(addrs []string, opts Options) (*Conn, error) {
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}
	opts = opts.withDefaults()

	c := &Conn{
		addrs:      slices.Clone(addrs),
		opts:       opts,
		logger:     opts.Logger.With("addr", strings.Join(addrs, ",")),
		breaker:    newCircuitBreaker(opts.CircuitBreakerSettings),
		stats:      newStatsCollector(),
		state:      StateInitial,
		changed:    make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	if opts.Registry != nil {
		c.schema = opts.Registry.Acquire(addrs)
	} else {
		c.schema = NewSchema()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.transition(StateConnecting)
	go c.run()
	return c, nil
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether requests are currently admitted.
func (c *Conn) IsConnected() bool {
	return c.State() == StateActive
}

// Greeting returns the greeting of the current socket, or nil before the
// first successful connect.
func (c *Conn) Greeting() *iproto.Greeting {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.greeting
}

// Schema returns the schema cache used by the connection.
func (c *Conn) Schema() *Schema {
	return c.schema
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() Stats {
	inFlight := 0
	if g := c.currentGeneration(); g != nil {
		inFlight = g.pending.len()
	}
	return c.stats.snapshot(inFlight)
}

// WaitConnected blocks until the connection is active. It returns false with
// a NotConnectedError once the connection gave up or was closed, and false
// with the ctx error when ctx is done first.
func (c *Conn) WaitConnected(ctx context.Context) (bool, error) {
	if _, err := c.waitActive(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Close fails every pending request with a NotConnectedError wrapping
// ErrConnectionClosed, stops the worker and closes the socket. It waits for
// every goroutine of the connection to exit. Closing a connection in the
// error or closed state only waits for that.
func (c *Conn) Close() error {
	c.mu.Lock()
	var gen *generation
	if !c.state.terminal() {
		c.setStateLocked(StateClosed, ErrConnectionClosed)
		gen = c.gen
	}
	c.mu.Unlock()

	c.closeOnce.Do(c.cancel)
	if gen != nil {
		gen.fail(StateClosed, ErrConnectionClosed)
	}

	<-c.workerDone
	c.wg.Wait()
	c.releaseSchema()
	return nil
}

func (c *Conn) releaseSchema() {
	c.release.Do(func() {
		if c.opts.Registry != nil {
			c.opts.Registry.Release(c.schema)
		}
	})
}

func (c *Conn) currentGeneration() *generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// transition moves to state to if the transition table allows it.
func (c *Conn) transition(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setStateLocked(to, nil)
}

// transitionIf moves from one state to another only while gen is the
// current generation, so a stale refresh cannot touch a newer socket.
func (c *Conn) transitionIf(gen *generation, from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen || c.state != from {
		return false
	}
	return c.setStateLocked(to, nil)
}

func (c *Conn) setStateLocked(to State, err error) bool {
	from := c.state
	if !from.canTransition(to) {
		level := slog.LevelWarn
		if from.terminal() {
			level = slog.LevelDebug
		}
		c.logger.Log(context.Background(), level, "netbox: illegal state transition ignored", "from", from, "to", to)
		return false
	}

	c.state = to
	if err != nil {
		c.lastErr = err
	}
	close(c.changed)
	c.changed = make(chan struct{})

	c.logger.Debug("netbox: state changed", "from", from, "to", to)
	return true
}

// waitActive blocks until the connection is active and returns the current
// generation.
func (c *Conn) waitActive(ctx context.Context) (*generation, error) {
	for {
		c.mu.Lock()
		state, gen, changed, lastErr := c.state, c.gen, c.changed, c.lastErr
		c.mu.Unlock()

		switch {
		case state == StateActive:
			return gen, nil
		case state.terminal():
			return nil, &NotConnectedError{State: state, Err: lastErr}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			if state := c.State(); state.terminal() {
				return nil, &NotConnectedError{State: state, Err: c.lastError()}
			}
			return nil, wrapContextError("connect", ctx.Err())
		}
	}
}

func (c *Conn) lastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// spawn runs fn in a goroutine that Close waits for. It refuses to start
// once the connection is in a terminal state.
func (c *Conn) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.terminal() {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// fire runs a trigger on its own goroutine and waits for it to return, or
// for the connection to close. A trigger that calls Close then does not
// wait on itself.
func (c *Conn) fire(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	select {
	case <-done:
	case <-c.ctx.Done():
	}
}

// run is the connection worker: it connects, waits for the socket to fail
// and reconnects according to the policy.
func (c *Conn) run() {
	defer close(c.workerDone)

	bo := c.opts.Reconnect.NewBackOff()
	connected := false

	for {
		gen, err := c.establish(connected)
		if err == nil {
			bo.Reset()
			connected = true

			select {
			case <-gen.done:
				err = gen.err
			case <-c.ctx.Done():
				err = ErrConnectionClosed
			}
			if fn := c.opts.Triggers.OnDisconnect; fn != nil {
				c.fire(func() { fn(c, err) })
			}
		}

		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		moved := c.setStateLocked(StateErrorReconnect, err)
		c.mu.Unlock()
		if !moved {
			return
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			c.logger.Warn("netbox: giving up reconnecting", "err", err)
			c.mu.Lock()
			c.setStateLocked(StateError, err)
			c.mu.Unlock()
			c.releaseSchema()
			return
		}

		c.stats.recordReconnect()
		c.logger.Warn("netbox: connection failed, reconnecting", "err", err, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return
		}

		if !c.transition(StateConnecting) {
			return
		}
	}
}

// establish brings a new socket to the active state.
func (c *Conn) establish(reconnect bool) (*generation, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
	defer cancel()

	nc, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	greeting, err := c.handshake(ctx, nc)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}

	gen, err := c.startGeneration(nc, greeting)
	if err != nil {
		return nil, err
	}

	if c.needsSchema(reconnect) {
		if !c.transition(StateFetchSchema) {
			gen.fail(c.State(), ErrConnectionClosed)
			return nil, ErrConnectionClosed
		}
		if err := c.fetchSchema(ctx, gen); err != nil {
			gen.fail(StateErrorReconnect, err)
			return nil, err
		}
	}

	if !c.transition(StateActive) {
		gen.fail(c.State(), ErrConnectionClosed)
		return nil, ErrConnectionClosed
	}
	c.logger.Info("netbox: connected", "version", greeting.Version, "generation", gen.id)

	if fn := c.opts.Triggers.OnConnect; fn != nil {
		c.fire(func() { fn(c) })
	}
	return gen, nil
}

// handshake reads the greeting and authenticates on the raw socket. It is
// bounded by ctx: Close or the connect timeout interrupt blocked reads.
func (c *Conn) handshake(ctx context.Context, nc net.Conn) (*iproto.Greeting, error) {
	deadline, _ := ctx.Deadline()
	_ = nc.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = nc.SetDeadline(time.Unix(1, 0))
	})

	greeting, err := iproto.ReadGreeting(nc)
	if err == nil && c.opts.User != "" {
		if !c.transition(StateAuth) {
			err = ErrConnectionClosed
		} else {
			err = authenticate(nc, greeting, c.opts.User, c.opts.Password)
		}
	}

	if !stop() && err == nil {
		err = &iproto.TransportError{Op: "greeting", Err: ctx.Err()}
	}
	if err != nil {
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	return greeting, nil
}

func (c *Conn) needsSchema(reconnect bool) bool {
	if c.opts.SkipSchema {
		return false
	}
	return !reconnect || c.opts.RefreshSchemaOnReconnect
}

// dial tries every address in order and returns the first socket.
func (c *Conn) dial(ctx context.Context) (net.Conn, error) {
	var errs []error
	for _, addr := range c.addrs {
		network, address := splitAddress(addr)
		nc, err := c.opts.Dialer.DialContext(ctx, network, address)
		if err == nil {
			return nc, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &iproto.TransportError{Op: "dial", Err: errors.Join(errs...)}
}

func splitAddress(addr string) (network, address string) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return "unix", strings.TrimPrefix(addr, "unix://")
	case strings.HasPrefix(addr, "unix:"):
		return "unix", strings.TrimPrefix(addr, "unix:")
	default:
		return "tcp", strings.TrimPrefix(addr, "tcp://")
	}
}

// authenticate runs the chap-sha1 exchange on the raw socket, before the
// reader and writer take it over.
func authenticate(nc net.Conn, greeting *iproto.Greeting, user, password string) error {
	frame := iproto.AppendAuth(nil, 0, user, iproto.Scramble(greeting.Salt, password))
	if _, err := nc.Write(frame); err != nil {
		return &iproto.TransportError{Op: "auth", Err: err}
	}

	resp, err := iproto.ReadFrame(bufio.NewReader(nc))
	if err != nil {
		return err
	}
	h, body, err := iproto.DecodeHeader(resp)
	if err != nil {
		return err
	}
	return iproto.DecodeOK(body, h)
}

// startGeneration installs nc as the current socket and starts its reader
// and writer.
func (c *Conn) startGeneration(nc net.Conn, greeting *iproto.Greeting) (*generation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.terminal() {
		_ = nc.Close()
		return nil, ErrConnectionClosed
	}

	c.genSeq++
	gen := newGeneration(c.genSeq, nc)
	// Versions seen on an earlier socket may come from another server.
	c.observed.Store(0)
	c.gen = gen
	c.greeting = greeting

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop(gen)
	}()
	go func() {
		defer c.wg.Done()
		if err := gen.queue.run(nc, gen.done); err != nil {
			gen.fail(StateErrorReconnect, err)
		}
	}()
	return gen, nil
}

// readLoop routes responses to pending requests by sync until the socket
// fails.
func (c *Conn) readLoop(gen *generation) {
	r := bufio.NewReaderSize(gen.conn, readBufferSize)

	for {
		frame, err := iproto.ReadFrame(r)
		if err != nil {
			c.failGeneration(gen, err)
			return
		}

		h, body, err := iproto.DecodeHeader(frame)
		if err != nil {
			c.failGeneration(gen, err)
			return
		}

		if h.IsPush() {
			c.stats.recordDiscarded()
			c.logger.Debug("netbox: push frame discarded", "sync", h.Sync)
			continue
		}
		if h.HasSchemaVersion {
			c.observeSchemaVersion(h.SchemaVersion)
		}

		p, ok := gen.pending.take(h.Sync)
		if !ok {
			c.stats.recordDiscarded()
			c.logger.Debug("netbox: response without pending request discarded", "sync", h.Sync)
			continue
		}
		p.deliver(h, body)
	}
}

func (c *Conn) failGeneration(gen *generation, err error) {
	if gen.failed() {
		return
	}
	c.logger.Warn("netbox: socket failed", "err", err, "generation", gen.id)
	gen.fail(StateErrorReconnect, err)
}
