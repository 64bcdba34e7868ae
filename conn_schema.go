package netbox

import (
	"context"

	"github.com/pior/netbox/iproto"
)

// selectResult carries catalog rows with the schema version of the response.
type selectResult struct {
	rows    []Tuple
	version uint32
}

func decodeCatalog(h iproto.Header, body []byte) (selectResult, error) {
	rows, err := iproto.DecodeRows(body, h)
	return selectResult{rows: rows, version: h.SchemaVersion}, err
}

func decodeHeader(h iproto.Header, body []byte) (iproto.Header, error) {
	return h, iproto.DecodeOK(body, h)
}

// schemaFetcher runs catalog selects for a Schema refresh.
type schemaFetcher struct {
	c *Conn

	// gen is the socket to use. When nil the fetch runs on the active
	// socket and moves the connection through fetch_schema meanwhile.
	gen *generation

	// runs counts the fetches this caller led, as opposed to joining the
	// refresh of another caller.
	runs int
}

func (f *schemaFetcher) FetchSchema(ctx context.Context, spaces, indexes iproto.Select) ([]iproto.Tuple, []iproto.Tuple, uint32, error) {
	c := f.c
	gen := f.gen

	if gen == nil {
		c.mu.Lock()
		state, active, lastErr := c.state, c.gen, c.lastErr
		c.mu.Unlock()

		// Waiting here could deadlock with the worker joining this refresh.
		if state != StateActive {
			return nil, nil, 0, &NotConnectedError{State: state, Err: lastErr}
		}
		gen = active
		if c.transitionIf(gen, StateActive, StateFetchSchema) {
			defer c.transitionIf(gen, StateFetchSchema, StateActive)
		}
	}
	f.runs++

	// The refresh may outlive the caller that started it, so it is bounded
	// here and by the connection lifetime.
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	spaceRes, err := roundTrip(ctx, c, gen, iproto.RequestSelect, encodeSelect(spaces, 0), decodeCatalog)
	if err != nil {
		return nil, nil, 0, err
	}
	indexRes, err := roundTrip(ctx, c, gen, iproto.RequestSelect, encodeSelect(indexes, 0), decodeCatalog)
	if err != nil {
		return nil, nil, 0, err
	}
	return spaceRes.rows, indexRes.rows, spaceRes.version, nil
}

// refreshSchema brings the cache up to observed and reports the reload if
// this caller performed it. With exact set, any cached version other than
// observed is reloaded, including a newer one.
func (c *Conn) refreshSchema(ctx context.Context, f *schemaFetcher, observed *uint32, exact bool) error {
	var err error
	if exact && observed != nil {
		_, err = c.schema.EnsureVersion(ctx, f, *observed)
	} else {
		_, err = c.schema.EnsureCurrent(ctx, f, observed)
	}
	if err != nil {
		c.logger.Warn("netbox: schema refresh failed", "err", err)
		return err
	}
	if f.runs == 0 {
		return nil
	}

	version, _ := c.schema.Version()
	for range f.runs {
		c.stats.recordSchemaReload()
	}
	c.logger.Debug("netbox: schema reloaded", "version", version)
	if fn := c.opts.Triggers.OnSchemaReload; fn != nil {
		c.fire(func() { fn(c, version) })
	}
	return nil
}

// fetchSchema is the fetch_schema step of a connection attempt: a ping
// learns the server schema version, and the cache is refreshed only if it
// differs, which is often not the case when it is shared.
func (c *Conn) fetchSchema(ctx context.Context, gen *generation) error {
	h, err := roundTrip(ctx, c, gen, iproto.RequestPing, encodePing, decodeHeader)
	if err != nil {
		return err
	}

	var observed *uint32
	if h.HasSchemaVersion {
		observed = &h.SchemaVersion
	}
	return c.refreshSchema(ctx, &schemaFetcher{c: c, gen: gen}, observed, true)
}

// ensureSchema brings the cache up to the newest version seen on the
// connection, using the active socket.
func (c *Conn) ensureSchema(ctx context.Context) error {
	var observed *uint32
	if v := c.observed.Load(); v != 0 {
		observed = &v
	} else if _, ok := c.schema.Version(); ok {
		return nil
	}
	return c.refreshSchema(ctx, &schemaFetcher{c: c}, observed, false)
}

// reloadSchema brings the cache to the version a server reported with a
// wrong schema version error. Zero means the version is unknown and forces
// a reload.
func (c *Conn) reloadSchema(ctx context.Context, version uint32) error {
	var observed *uint32
	if version != 0 {
		observed = &version
	}
	return c.refreshSchema(ctx, &schemaFetcher{c: c}, observed, true)
}

// observeSchemaVersion records a version reported by the server and starts
// a background refresh when it is newer than the cache.
func (c *Conn) observeSchemaVersion(v uint32) {
	for {
		cur := c.observed.Load()
		if v <= cur || c.observed.CompareAndSwap(cur, v) {
			break
		}
	}

	if c.opts.SkipSchema {
		return
	}
	if cached, ok := c.schema.Version(); !ok || v <= cached {
		return
	}
	if c.State() != StateActive || !c.bgRefresh.CompareAndSwap(false, true) {
		return
	}

	started := c.spawn(func() {
		defer c.bgRefresh.Store(false)

		ctx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
		defer cancel()
		_ = c.ensureSchema(ctx)
	})
	if !started {
		c.bgRefresh.Store(false)
	}
}
