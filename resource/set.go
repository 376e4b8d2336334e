// Package resource tracks ownership claims on externally reference-counted
// device resources.
//
// A Set records every resource an in-flight recording touched so that none of
// them can be destroyed before the device has consumed the work that
// references them. Sets live for a single recording cycle: the encoder
// releases the whole set at the end of the cycle and starts a fresh one.
package resource

import (
	"github.com/gogpu/streamcb/status"
)

// Resource is a reference-counted object whose lifetime can be extended by
// holding a claim on it.
type Resource interface {
	// Retain adds one claim.
	Retain()

	// Release drops one claim. The resource may be destroyed when the last
	// claim is dropped.
	Release()
}

// mruSize is the number of most recently inserted resources checked before
// the map lookup. Dispatch loops insert the same executable and buffers over
// and over.
const mruSize = 8

// Set is a deduplicating set of retained resources.
//
// Set is NOT safe for concurrent use.
type Set struct {
	entries  map[Resource]struct{}
	capacity int

	mru     [mruSize]Resource
	mruNext int
}

// NewSet creates an empty set. A capacity of 0 means unlimited.
func NewSet(capacity int) *Set {
	return &Set{
		entries:  make(map[Resource]struct{}),
		capacity: capacity,
	}
}

// Insert retains every resource not already present in the set.
// Nil resources are skipped. Inserting a resource twice is a no-op.
//
// Returns a ResourceExhausted error if the set is full. Resources inserted
// before the failing one stay in the set.
func (s *Set) Insert(resources ...Resource) error {
	for _, r := range resources {
		if r == nil || s.recent(r) {
			continue
		}
		if _, ok := s.entries[r]; ok {
			s.remember(r)
			continue
		}
		if s.capacity > 0 && len(s.entries) >= s.capacity {
			return status.Newf(status.ResourceExhausted,
				"resource set capacity %d reached", s.capacity)
		}
		r.Retain()
		s.entries[r] = struct{}{}
		s.remember(r)
	}
	return nil
}

// Contains reports whether r is retained by the set.
func (s *Set) Contains(r Resource) bool {
	_, ok := s.entries[r]
	return ok
}

// Len returns the number of retained resources.
func (s *Set) Len() int {
	return len(s.entries)
}

// Capacity returns the maximum number of resources, 0 meaning unlimited.
func (s *Set) Capacity() int {
	return s.capacity
}

// Each calls fn for every retained resource, in no particular order.
func (s *Set) Each(fn func(Resource)) {
	for r := range s.entries {
		fn(r)
	}
}

// Release drops the claim on every retained resource and empties the set.
func (s *Set) Release() {
	for r := range s.entries {
		r.Release()
	}
	clear(s.entries)
	s.mru = [mruSize]Resource{}
	s.mruNext = 0
}

// recent reports whether r was one of the last inserted resources.
func (s *Set) recent(r Resource) bool {
	for _, m := range s.mru {
		if m == r {
			return true
		}
	}
	return false
}

// remember records r in the MRU ring.
func (s *Set) remember(r Resource) {
	s.mru[s.mruNext] = r
	s.mruNext = (s.mruNext + 1) % mruSize
}
