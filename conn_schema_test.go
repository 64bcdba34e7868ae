package netbox

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/netbox/iproto"
)

func TestConn_ResolveSpaceAfterCreate(t *testing.T) {
	srv := newServer(t)
	c := connect(t, srv, Options{})
	ctx := context.Background()

	_, ok, err := c.ResolveSpace(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)

	id := srv.CreateSpace("x", "pk", "by_name")

	got, ok, err := c.ResolveSpace(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got)

	idx, ok, err := c.ResolveIndex(ctx, id, "by_name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, idx)

	version, _ := c.Schema().Version()
	assert.Equal(t, srv.SchemaVersion(), version)
}

func TestConn_ConcurrentResolveSingleRefresh(t *testing.T) {
	srv := newServer(t)
	c := connect(t, srv, Options{})
	require.EqualValues(t, 2, srv.CatalogSelects())

	id := srv.CreateSpace("events", "pk")

	const n = 16
	var wg sync.WaitGroup
	results := make([]uint32, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok, err := c.ResolveSpace(context.Background(), "events")
			if err == nil && !ok {
				err = &SchemaError{Space: "events"}
			}
			results[i], errs[i] = got, err
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, id, results[i])
	}
	assert.EqualValues(t, 4, srv.CatalogSelects(), "one refresh round-trip for every caller")

	// The refresh may have been led by the background refresh.
	require.Eventually(t, func() bool {
		return c.Stats().SchemaReloads == 2
	}, time.Second, 5*time.Millisecond)
}

func TestConn_SelectCatalog(t *testing.T) {
	srv := newServer(t)
	c := connect(t, srv, Options{})

	rows, err := c.Select(context.Background(), iproto.SpaceSpace, nil, []any{0}, SelectOptions{
		Iterator: IterGt,
		Limit:    math.MaxUint32,
	})
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	first, err := iproto.ParseSpaceRow(rows[0])
	require.NoError(t, err)
	assert.Equal(t, iproto.SpaceSchema, first.ID)
	assert.Equal(t, "_schema", first.Name)

	version, ok := c.Schema().Version()
	require.True(t, ok)
	assert.Equal(t, srv.SchemaVersion(), version)
}

func TestConn_SelectByName(t *testing.T) {
	srv := newServer(t)
	id := srv.CreateSpace("items", "pk", "by_name")
	srv.Insert(id, 1, "a")
	srv.Insert(id, 2, "b")
	srv.Insert(id, 3, "c")

	c := connect(t, srv, Options{})
	ctx := context.Background()

	tests := []struct {
		name  string
		index any
		key   any
		opts  SelectOptions
		want  []string
	}{
		{"primary key", nil, []any{2}, SelectOptions{}, []string{"b"}},
		{"index by name", "pk", []any{3}, SelectOptions{}, []string{"c"}},
		{"index by id", 0, []any{1}, SelectOptions{}, []string{"a"}},
		{"all", nil, nil, SelectOptions{Iterator: IterAll}, []string{"a", "b", "c"}},
		{"limit and offset", nil, nil, SelectOptions{Iterator: IterAll, Limit: 1, Offset: 1}, []string{"b"}},
		{"greater than", nil, []any{1}, SelectOptions{Iterator: IterGt}, []string{"b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := c.Select(ctx, "items", tt.index, tt.key, tt.opts)
			require.NoError(t, err)

			var got []string
			for _, row := range rows {
				var fields []any
				require.NoError(t, row.Decode(&fields))
				got = append(got, fields[1].(string))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConn_SelectUnknownNames(t *testing.T) {
	srv := newServer(t)
	id := srv.CreateSpace("items", "pk")
	c := connect(t, srv, Options{})
	ctx := context.Background()

	_, err := c.Select(ctx, "nope", nil, nil, SelectOptions{})
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "nope", se.Space)

	_, err = c.Select(ctx, "items", "nope", nil, SelectOptions{})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "nope", se.Index)
	assert.Equal(t, id, se.SpaceID)

	_, err = c.Select(ctx, -1, nil, nil, SelectOptions{})
	require.ErrorAs(t, err, &se)

	_, err = c.Select(ctx, uint32(9999), nil, nil, SelectOptions{})
	require.True(t, iproto.IsServerErrorCode(err, iproto.ErrCodeNoSuchSpace), "got %v", err)
}

func TestConn_SelectRetriesOnSchemaChange(t *testing.T) {
	srv := newServer(t)
	id := srv.CreateSpace("items", "pk")
	srv.Insert(id, 1, "a")
	c := connect(t, srv, Options{})

	srv.BumpSchema()

	rows, err := c.Select(context.Background(), "items", nil, []any{1}, SelectOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.EqualValues(t, 4, srv.CatalogSelects())
	version, _ := c.Schema().Version()
	assert.Equal(t, srv.SchemaVersion(), version)
}

func TestConn_SkipSchemaLoadsLazily(t *testing.T) {
	srv := newServer(t)
	id := srv.CreateSpace("items", "pk")
	srv.Insert(id, 1, "a")

	c := connect(t, srv, Options{SkipSchema: true})
	assert.EqualValues(t, 0, srv.CatalogSelects())

	_, ok := c.Schema().Version()
	assert.False(t, ok)

	rows, err := c.Select(context.Background(), "items", nil, nil, SelectOptions{Iterator: IterAll})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.EqualValues(t, 2, srv.CatalogSelects())
}

func TestConn_SharedRegistry(t *testing.T) {
	srv := newServer(t)
	reg := NewRegistry()

	c1 := connect(t, srv, Options{Registry: reg})
	c2 := connect(t, srv, Options{Registry: reg})

	assert.Same(t, c1.Schema(), c2.Schema())
	assert.Equal(t, 1, reg.Len())
	assert.EqualValues(t, 2, srv.CatalogSelects(), "the second connection reuses the cache")

	require.NoError(t, c1.Close())
	assert.Equal(t, 0, reg.Prune(), "still referenced by c2")

	require.NoError(t, c2.Close())
	assert.Equal(t, 1, reg.Prune())
	assert.Equal(t, 0, reg.Len())
}

func TestConn_BackgroundRefreshOnNewerVersion(t *testing.T) {
	srv := newServer(t)
	c := connect(t, srv, Options{})

	id := srv.CreateSpace("later", "pk")
	require.NoError(t, c.Ping(context.Background()))

	require.Eventually(t, func() bool {
		got, ok := c.Schema().LookupSpace("later")
		return ok && got == id
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConn_SelectAfterFailoverToOlderSchema(t *testing.T) {
	primary := newServer(t)
	id := primary.CreateSpace("items", "pk")
	for range 5 {
		primary.BumpSchema()
	}
	primary.Insert(id, 1, 10)

	replica := newServer(t)
	require.Equal(t, id, replica.CreateSpace("items", "pk"))
	replica.Insert(id, 1, 20)
	require.Less(t, replica.SchemaVersion(), primary.SchemaVersion())

	c, err := Connect([]string{primary.Addr, replica.Addr}, Options{
		Reconnect: ReconnectPolicy{Interval: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.WaitConnected(ctx)
	require.NoError(t, err)

	rows, err := c.Select(ctx, "items", "pk", []any{1}, SelectOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []int{1, 10}, decodeInts(t, rows[0]))

	primary.Close()

	require.Eventually(t, func() bool {
		return replica.Accepted() == 1 && c.IsConnected()
	}, 2*time.Second, 5*time.Millisecond)

	for range 3 {
		rows, err := c.Select(ctx, "items", "pk", []any{1}, SelectOptions{})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, []int{1, 20}, decodeInts(t, rows[0]))
	}

	version, _ := c.Schema().Version()
	assert.Equal(t, replica.SchemaVersion(), version)
}
