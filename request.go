package netbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pior/netbox/iproto"
)

// decodeFunc turns a response into the result of a request.
type decodeFunc[T any] func(h iproto.Header, body []byte) (T, error)

// enqueue registers a request on gen and queues its frame. The promise is
// completed by the reader, by a generation failure or by a timeout, whichever
// removes the pending entry first.
func enqueue[T any](c *Conn, gen *generation, p *Promise[T], op iproto.RequestType, encode encodeFunc, decode decodeFunc[T]) (*pending, uint64, error) {
	entry := &pending{op: op}
	entry.deliver = func(h iproto.Header, body []byte) {
		v, err := decode(h, body)
		c.stats.recordResponse(err)
		p.complete(v, err)
		entry.stopTimer()
	}
	entry.fail = func(err error) {
		c.stats.recordError()
		p.fail(err)
		entry.stopTimer()
	}

	sync, err := gen.queue.enqueue(entry, encode)
	if err != nil {
		return nil, 0, err
	}
	c.stats.recordRequest()
	return entry, sync, nil
}

// roundTrip sends a request and waits for its response. A nil gen waits for
// the connection to be active and uses its socket; internal requests pass
// the generation they run on to bypass the state check.
func roundTrip[T any](ctx context.Context, c *Conn, gen *generation, op iproto.RequestType, encode encodeFunc, decode decodeFunc[T]) (T, error) {
	var zero T

	ctx, cancel := c.opts.requestContext(ctx)
	defer cancel()

	if gen == nil {
		var err error
		if gen, err = c.waitActive(ctx); err != nil {
			c.stats.recordError()
			return zero, err
		}
	}

	p := newPromise[T]()
	_, sync, err := enqueue(c, gen, p, op, encode, decode)
	if err != nil {
		c.stats.recordError()
		return zero, err
	}

	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		if gen.pending.remove(sync) {
			c.stats.recordTimeout()
			c.logger.Debug("netbox: request abandoned", "op", op, "sync", sync, "err", ctx.Err())
			return zero, wrapContextError(op.String(), ctx.Err())
		}
		// The response or a failure won the race, its result stands.
		<-p.done
		return p.val, p.err
	}
}

// execute runs a blocking request through the circuit breaker, if any.
func execute[T any](ctx context.Context, c *Conn, op iproto.RequestType, encode encodeFunc, decode decodeFunc[T]) (T, error) {
	if c.breaker == nil {
		return roundTrip(ctx, c, nil, op, encode, decode)
	}

	v, err := c.breaker.Execute(func() (any, error) {
		return roundTrip(ctx, c, nil, op, encode, decode)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// submit starts a request without blocking. If the connection is not active
// yet, a goroutine waits for it and then queues the request.
func submit[T any](c *Conn, op iproto.RequestType, encode encodeFunc, decode decodeFunc[T]) *Promise[T] {
	p := newPromise[T]()

	if c.breakerOpen() {
		p.fail(gobreaker.ErrOpenState)
		return p
	}

	c.mu.Lock()
	state, gen := c.state, c.gen
	c.mu.Unlock()

	if state == StateActive {
		enqueueAsync(c, gen, p, op, encode, decode)
		return p
	}

	started := c.spawn(func() {
		ctx, cancel := c.opts.requestContext(c.ctx)
		defer cancel()

		gen, err := c.waitActive(ctx)
		if err != nil {
			c.stats.recordError()
			p.fail(err)
			return
		}
		enqueueAsync(c, gen, p, op, encode, decode)
	})
	if !started {
		c.stats.recordError()
		p.fail(&NotConnectedError{State: c.State(), Err: c.lastError()})
	}
	return p
}

// breakerOpen reports whether async requests should fail fast.
func (c *Conn) breakerOpen() bool {
	return c.breaker != nil && c.breaker.State() == gobreaker.StateOpen
}

func enqueueAsync[T any](c *Conn, gen *generation, p *Promise[T], op iproto.RequestType, encode encodeFunc, decode decodeFunc[T]) *pending {
	entry, sync, err := enqueue(c, gen, p, op, encode, decode)
	if err != nil {
		c.stats.recordError()
		p.fail(err)
		return nil
	}

	if c.opts.RequestTimeout > 0 {
		timer := time.AfterFunc(c.opts.RequestTimeout, func() {
			if gen.pending.remove(sync) {
				c.stats.recordTimeout()
				p.fail(&TimeoutError{Op: op.String(), Err: context.DeadlineExceeded})
			}
		})
		entry.timer.Store(timer)
		// The response may have arrived before the timer was stored.
		select {
		case <-p.done:
			timer.Stop()
		default:
		}
	}
	return entry
}

func encodePing(b []byte, sync uint64) ([]byte, error) {
	return iproto.AppendPing(b, sync), nil
}

func decodeOK(h iproto.Header, body []byte) (struct{}, error) {
	return struct{}{}, iproto.DecodeOK(body, h)
}

func decodeData(h iproto.Header, body []byte) (Tuple, error) {
	return iproto.DecodeData(body, h)
}

func decodeRows(h iproto.Header, body []byte) ([]Tuple, error) {
	return iproto.DecodeRows(body, h)
}

func decodeSQL(h iproto.Header, body []byte) (*SQLResult, error) {
	return iproto.DecodeSQL(body, h)
}

// Ping checks that the server answers.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := execute(ctx, c, iproto.RequestPing, encodePing, decodeOK)
	return err
}

// PingAsync is the non-blocking form of Ping.
func (c *Conn) PingAsync() *Promise[struct{}] {
	return submit(c, iproto.RequestPing, encodePing, decodeOK)
}

// Call calls a stored function. args must serialize to a MessagePack array.
// The result is the array of returned values.
func (c *Conn) Call(ctx context.Context, function string, args any) (Tuple, error) {
	return execute(ctx, c, iproto.RequestCall, encodeCall(function, args), decodeData)
}

// CallAsync is the non-blocking form of Call.
func (c *Conn) CallAsync(function string, args any) *Promise[Tuple] {
	return submit(c, iproto.RequestCall, encodeCall(function, args), decodeData)
}

func encodeCall(function string, args any) encodeFunc {
	return func(b []byte, sync uint64) ([]byte, error) {
		return iproto.AppendCall(b, sync, function, args)
	}
}

// Eval evaluates a Lua expression. args are available as ... in expr.
func (c *Conn) Eval(ctx context.Context, expr string, args any) (Tuple, error) {
	return execute(ctx, c, iproto.RequestEval, encodeEval(expr, args), decodeData)
}

// EvalAsync is the non-blocking form of Eval.
func (c *Conn) EvalAsync(expr string, args any) *Promise[Tuple] {
	return submit(c, iproto.RequestEval, encodeEval(expr, args), decodeData)
}

func encodeEval(expr string, args any) encodeFunc {
	return func(b []byte, sync uint64) ([]byte, error) {
		return iproto.AppendEval(b, sync, expr, args)
	}
}

// Execute runs an SQL statement with bound parameters.
func (c *Conn) Execute(ctx context.Context, sql string, params any) (*SQLResult, error) {
	return execute(ctx, c, iproto.RequestExecute, encodeExecute(sql, params), decodeSQL)
}

// ExecuteAsync is the non-blocking form of Execute.
func (c *Conn) ExecuteAsync(sql string, params any) *Promise[*SQLResult] {
	return submit(c, iproto.RequestExecute, encodeExecute(sql, params), decodeSQL)
}

func encodeExecute(sql string, params any) encodeFunc {
	return func(b []byte, sync uint64) ([]byte, error) {
		return iproto.AppendExecute(b, sync, sql, params)
	}
}

// Select reads tuples from a space through one of its indexes.
//
// space and index are names or numeric ids; a nil index is the primary key.
// Names are resolved through the schema cache. If the server reports that
// the schema changed under the request, the cache is refreshed and the
// select is retried once.
func (c *Conn) Select(ctx context.Context, space, index any, key any, opts SelectOptions) ([]Tuple, error) {
	ctx, cancel := c.opts.requestContext(ctx)
	defer cancel()

	for attempt := 0; ; attempt++ {
		req, err := c.buildSelect(ctx, space, index, key, opts)
		if err != nil {
			return nil, err
		}
		version, _ := c.schema.Version()

		rows, err := execute(ctx, c, iproto.RequestSelect, encodeSelect(req, version), decodeRows)
		var se *iproto.ServerError
		if attempt == 0 && errors.As(err, &se) && se.Code == iproto.ErrCodeWrongSchemaVersion {
			c.logger.Debug("netbox: schema changed under select, retrying", "space", space, "version", se.SchemaVersion)
			// The server version may also be older than the cache, after a
			// failover to another instance.
			if err := c.reloadSchema(ctx, se.SchemaVersion); err != nil {
				return nil, err
			}
			continue
		}
		return rows, err
	}
}

// SelectAsync is the non-blocking form of Select.
func (c *Conn) SelectAsync(space, index any, key any, opts SelectOptions) *Promise[[]Tuple] {
	p := newPromise[[]Tuple]()
	if c.breakerOpen() {
		p.fail(gobreaker.ErrOpenState)
		return p
	}

	started := c.spawn(func() {
		p.complete(c.Select(c.ctx, space, index, key, opts))
	})
	if !started {
		p.fail(&NotConnectedError{State: c.State(), Err: c.lastError()})
	}
	return p
}

func encodeSelect(req iproto.Select, version uint32) encodeFunc {
	return func(b []byte, sync uint64) ([]byte, error) {
		return iproto.AppendSelect(b, sync, version, req)
	}
}

func (c *Conn) buildSelect(ctx context.Context, space, index any, key any, opts SelectOptions) (iproto.Select, error) {
	req := iproto.Select{
		Limit:    opts.Limit,
		Offset:   opts.Offset,
		Iterator: opts.Iterator,
		Key:      key,
	}
	if req.Limit == 0 {
		req.Limit = math.MaxUint32
	}

	spaceName, byName := space.(string)
	if byName {
		id, ok, err := c.ResolveSpace(ctx, spaceName)
		if err != nil {
			return req, err
		}
		if !ok {
			return req, &SchemaError{Space: spaceName}
		}
		req.SpaceID = id
	} else if id, ok := numericID(space); ok {
		req.SpaceID = id
	} else {
		return req, &SchemaError{Space: fmt.Sprint(space)}
	}

	switch idx := index.(type) {
	case nil:
		req.IndexID = 0
	case string:
		id, ok, err := c.ResolveIndex(ctx, req.SpaceID, idx)
		if err != nil {
			return req, err
		}
		if !ok {
			return req, &SchemaError{Space: spaceName, Index: idx, SpaceID: req.SpaceID}
		}
		req.IndexID = id
	default:
		id, ok := numericID(index)
		if !ok {
			return req, &SchemaError{Space: spaceName, Index: fmt.Sprint(index), SpaceID: req.SpaceID}
		}
		req.IndexID = id
	}
	return req, nil
}

func numericID(v any) (uint32, bool) {
	var n int64
	switch id := v.(type) {
	case int:
		n = int64(id)
	case int8:
		n = int64(id)
	case int16:
		n = int64(id)
	case int32:
		n = int64(id)
	case int64:
		n = id
	case uint:
		n = int64(min(uint64(id), math.MaxUint32+1))
	case uint8:
		n = int64(id)
	case uint16:
		n = int64(id)
	case uint32:
		return id, true
	case uint64:
		n = int64(min(id, math.MaxUint32+1))
	default:
		return 0, false
	}
	if n < 0 || n > math.MaxUint32 {
		return 0, false
	}
	return uint32(n), true
}

// ResolveSpace returns the id of the named space.
//
// The cache is brought up to date with the latest schema version seen on the
// connection. On a miss the server is pinged for its current version, which
// refreshes the cache if the schema moved on, and the lookup is retried.
func (c *Conn) ResolveSpace(ctx context.Context, name string) (uint32, bool, error) {
	return c.resolve(ctx, func() (uint32, bool) {
		return c.schema.LookupSpace(name)
	})
}

// ResolveIndex returns the id of the named index of a space.
func (c *Conn) ResolveIndex(ctx context.Context, spaceID uint32, name string) (uint32, bool, error) {
	return c.resolve(ctx, func() (uint32, bool) {
		return c.schema.LookupIndex(spaceID, name)
	})
}

func (c *Conn) resolve(ctx context.Context, lookup func() (uint32, bool)) (uint32, bool, error) {
	ctx, cancel := c.opts.requestContext(ctx)
	defer cancel()

	if _, err := c.waitActive(ctx); err != nil {
		return 0, false, err
	}
	if err := c.ensureSchema(ctx); err != nil {
		return 0, false, err
	}
	if id, ok := lookup(); ok {
		return id, true, nil
	}

	if err := c.Ping(ctx); err != nil {
		return 0, false, err
	}
	if err := c.ensureSchema(ctx); err != nil {
		return 0, false, err
	}
	id, ok := lookup()
	return id, ok, nil
}
