package netbox

import (
	"slices"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"
)

// Registry shares one Schema per destination between connections.
// A destination is the set of addresses of a connection, regardless of
// order, case or a tcp:// prefix.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64]*Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[uint64]*Schema{}}
}

// Acquire returns the schema for addrs, creating it on first use, and takes
// a reference on it.
func (r *Registry) Acquire(addrs []string) *Schema {
	key, dest := destinationKey(addrs)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.entries[key]
	if !ok {
		s = NewSchema()
		s.key = key
		s.dest = dest
		r.entries[key] = s
	}
	s.refs++
	return s
}

// Release drops a reference taken by Acquire. The entry stays cached with
// zero references until evicted or pruned.
func (r *Registry) Release(s *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.refs > 0 {
		s.refs--
	}
}

// Evict removes the entry for addrs. Connections holding it keep using it.
func (r *Registry) Evict(addrs []string) bool {
	key, _ := destinationKey(addrs)

	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[key]
	delete(r.entries, key)
	return ok
}

// Prune removes every entry without references and returns how many.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, s := range r.entries {
		if s.refs == 0 {
			delete(r.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of cached destinations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// destinationKey canonicalizes addrs and hashes the result.
func destinationKey(addrs []string) (uint64, string) {
	canon := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.ToLower(strings.TrimSpace(a))
		a = strings.TrimPrefix(a, "tcp://")
		if a != "" {
			canon = append(canon, a)
		}
	}
	slices.Sort(canon)
	canon = slices.Compact(canon)

	dest := strings.Join(canon, ",")
	return xxh3.HashString(dest), dest
}
