package netbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestinationKey(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		same bool
	}{
		{"identical", []string{"a:1"}, []string{"a:1"}, true},
		{"order", []string{"a:1", "b:2"}, []string{"b:2", "a:1"}, true},
		{"case and spaces", []string{" Host:3301 "}, []string{"host:3301"}, true},
		{"tcp prefix", []string{"tcp://host:3301"}, []string{"host:3301"}, true},
		{"duplicates", []string{"a:1", "a:1", "b:2"}, []string{"b:2", "a:1"}, true},
		{"different port", []string{"a:1"}, []string{"a:2"}, false},
		{"subset", []string{"a:1", "b:2"}, []string{"a:1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka, da := destinationKey(tt.a)
			kb, db := destinationKey(tt.b)
			assert.Equal(t, tt.same, ka == kb)
			assert.Equal(t, tt.same, da == db)
		})
	}

	_, dest := destinationKey([]string{"B:2", "tcp://a:1"})
	assert.Equal(t, "a:1,b:2", dest)
}

func TestRegistry_AcquireRelease(t *testing.T) {
	r := NewRegistry()

	s1 := r.Acquire([]string{"a:1", "b:2"})
	s2 := r.Acquire([]string{"b:2", "a:1"})
	require.Same(t, s1, s2)
	assert.Equal(t, 1, r.Len())

	other := r.Acquire([]string{"c:3"})
	assert.NotSame(t, s1, other)
	assert.Equal(t, 2, r.Len())

	r.Release(s1)
	assert.Equal(t, 0, r.Prune(), "s1 still has a reference")

	r.Release(s2)
	r.Release(s2) // extra releases are ignored
	assert.Equal(t, 1, r.Prune())
	assert.Equal(t, 1, r.Len())

	// A pruned destination gets a fresh cache.
	s3 := r.Acquire([]string{"a:1", "b:2"})
	assert.NotSame(t, s1, s3)
}

func TestRegistry_Evict(t *testing.T) {
	r := NewRegistry()
	s := r.Acquire([]string{"a:1"})

	assert.True(t, r.Evict([]string{"A:1"}))
	assert.False(t, r.Evict([]string{"a:1"}))
	assert.Equal(t, 0, r.Len())

	// The evicted schema is still usable by its holder.
	_, ok := s.Version()
	assert.False(t, ok)
	r.Release(s)
}
