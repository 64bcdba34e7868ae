package netbox

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/pior/netbox/iproto"
)

// Fetcher loads the raw schema catalog for a Schema refresh.
type Fetcher interface {
	// FetchSchema runs the given catalog selects and returns their rows
	// together with the schema version reported with the space rows.
	FetchSchema(ctx context.Context, spaces, indexes iproto.Select) (spaceRows, indexRows []iproto.Tuple, version uint32, err error)
}

// Schema caches space and index ids by name for one destination.
// It is safe for concurrent use and may be shared by several connections
// through a Registry.
type Schema struct {
	mu         sync.RWMutex
	version    uint32
	hasVersion bool
	spaces     map[string]uint32
	indexes    map[indexKey]uint32

	refreshMu  sync.Mutex
	group      singleflight.Group
	refreshing atomic.Bool
	reloads    atomic.Uint64

	// Registry bookkeeping, guarded by the registry lock.
	key  uint64
	dest string
	refs int
}

type indexKey struct {
	space uint32
	name  string
}

// NewSchema returns an empty cache with no version.
func NewSchema() *Schema {
	return &Schema{
		spaces:  map[string]uint32{},
		indexes: map[indexKey]uint32{},
	}
}

// Catalog queries issued by a refresh: user spaces above the system range,
// then every index.
var (
	spaceCatalogSelect = iproto.Select{
		SpaceID:  iproto.SpaceVSpace,
		Limit:    math.MaxUint32,
		Iterator: iproto.IterGt,
		Key:      []uint32{iproto.SystemIDMax},
	}
	indexCatalogSelect = iproto.Select{
		SpaceID:  iproto.SpaceVIndex,
		Limit:    math.MaxUint32,
		Iterator: iproto.IterAll,
	}
)

// LookupSpace returns the id of the named space.
func (s *Schema) LookupSpace(name string) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.spaces[name]
	return id, ok
}

// LookupIndex returns the id of the named index of a space.
func (s *Schema) LookupIndex(spaceID uint32, name string) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.indexes[indexKey{space: spaceID, name: name}]
	return id, ok
}

// Version returns the cached schema version. ok is false until the first
// refresh.
func (s *Schema) Version() (version uint32, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, s.hasVersion
}

// Refreshing reports whether a refresh is in progress.
func (s *Schema) Refreshing() bool {
	return s.refreshing.Load()
}

// Reloads returns the number of completed refreshes.
func (s *Schema) Reloads() uint64 {
	return s.reloads.Load()
}

// Refresh unconditionally reloads the catalog through f.
func (s *Schema) Refresh(ctx context.Context, f Fetcher) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.refresh(ctx, f)
}

// EnsureCurrent refreshes the cache if observed is nil, no version is
// cached yet, or observed is newer than the cached version.
//
// Concurrent callers share a single refresh. Staleness is checked again
// once the refresh lock is held, so callers that raced a completed refresh
// do not trigger another one. The shared refresh is not bound to any one
// caller's ctx: a caller whose ctx ends stops waiting, the others keep
// waiting for the result.
func (s *Schema) EnsureCurrent(ctx context.Context, f Fetcher, observed *uint32) (bool, error) {
	stale := func() bool {
		if observed == nil {
			return true
		}
		cached, ok := s.Version()
		return !ok || *observed > cached
	}
	return s.ensure(ctx, f, stale, observed != nil)
}

// EnsureVersion refreshes the cache unless it already holds exactly
// version. Unlike EnsureCurrent it also follows a server whose version went
// down, as after a failover to another instance.
func (s *Schema) EnsureVersion(ctx context.Context, f Fetcher, version uint32) (bool, error) {
	stale := func() bool {
		cached, ok := s.Version()
		return !ok || cached != version
	}
	return s.ensure(ctx, f, stale, true)
}

func (s *Schema) ensure(ctx context.Context, f Fetcher, stale func() bool, recheck bool) (bool, error) {
	refreshed := false

	// A caller may join a flight that started before its version was
	// published, so a second round covers it.
	for range 2 {
		if !stale() {
			return refreshed, nil
		}

		ch := s.group.DoChan("refresh", func() (any, error) {
			s.refreshMu.Lock()
			defer s.refreshMu.Unlock()

			if !stale() {
				return false, nil
			}
			return true, s.refresh(context.WithoutCancel(ctx), f)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return refreshed, wrapContextError("schema refresh", ctx.Err())
		}
		if res.Err != nil {
			return refreshed, res.Err
		}
		refreshed = refreshed || res.Val.(bool)

		if !recheck {
			break
		}
	}
	return refreshed, nil
}

func (s *Schema) refresh(ctx context.Context, f Fetcher) error {
	s.refreshing.Store(true)
	defer s.refreshing.Store(false)

	spaceRows, indexRows, version, err := f.FetchSchema(ctx, spaceCatalogSelect, indexCatalogSelect)
	if err != nil {
		return err
	}

	spaces := make(map[string]uint32, len(spaceRows))
	for _, t := range spaceRows {
		row, err := iproto.ParseSpaceRow(t)
		if err != nil {
			return err
		}
		spaces[row.Name] = row.ID
	}

	indexes := make(map[indexKey]uint32, len(indexRows))
	for _, t := range indexRows {
		row, err := iproto.ParseIndexRow(t)
		if err != nil {
			return err
		}
		indexes[indexKey{space: row.SpaceID, name: row.Name}] = row.IndexID
	}

	s.mu.Lock()
	s.spaces = spaces
	s.indexes = indexes
	s.version = version
	s.hasVersion = true
	s.mu.Unlock()

	s.reloads.Add(1)
	return nil
}
