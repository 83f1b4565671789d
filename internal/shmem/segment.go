// Package shmem provides the host's shared segment: a fixed budget of memory,
// sized from the requests made during preload, out of which named regions are
// carved exactly once per segment lifetime.
//
// Extensions request space while the host is still preloading, the host
// creates the segment when it starts, and each extension then calls
// InitStruct from its startup hook. The first caller allocates zeroed storage;
// later callers (a restarted server reusing the same segment, or a second
// extension instance) attach to the existing region and must not reinitialize
// it.
package shmem

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

var (
	// ErrNotCreated is returned when a region is requested before Create.
	ErrNotCreated = errors.New("shared segment not created")

	// ErrOutOfSharedMemory is returned when a region does not fit in the
	// remaining budget.
	ErrOutOfSharedMemory = errors.New("out of shared memory")

	// ErrRegionMismatch is returned when an existing region has a different
	// element type or length than requested.
	ErrRegionMismatch = errors.New("shared region mismatch")
)

// Segment is the host's shared memory segment.
//
// Thread-safety: all methods are safe for concurrent use. Region lookup and
// allocation happen under one lock, the equivalent of the host's add-in
// initialization lock.
type Segment struct {
	mu        sync.Mutex
	requested int
	size      int
	used      int
	created   bool
	regions   map[string]*region
}

type region struct {
	data  any
	bytes int
}

// NewSegment creates an empty segment that accepts size requests.
func NewSegment() *Segment {
	return &Segment{regions: make(map[string]*region)}
}

// Request reserves bytes in the segment that will be created later.
// Returns false once the segment has been created; the request is ignored.
func (s *Segment) Request(bytes int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.created {
		return false
	}
	if bytes > 0 {
		s.requested += bytes
	}
	return true
}

// Create freezes the segment size at the sum of all requests.
// Calling Create again is a no-op.
func (s *Segment) Create() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.created {
		return
	}
	s.size = s.requested
	s.created = true
}

// Created reports whether Create has been called.
func (s *Segment) Created() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// HasRegion reports whether a region called name has been allocated.
func (s *Segment) HasRegion(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.regions[name]
	return ok
}

// Size returns the segment size (0 before Create).
func (s *Segment) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Used returns the number of bytes taken by regions.
func (s *Segment) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Regions returns the number of named regions.
func (s *Segment) Regions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regions)
}

// InitStruct returns the region called name, holding n elements of T.
//
// If the region already exists it is returned with found=true and its
// contents untouched. Otherwise a zero-filled region is allocated from the
// segment budget and found is false.
func InitStruct[T any](s *Segment, name string, n int) ([]T, bool, error) {
	if n < 0 {
		return nil, false, fmt.Errorf("region %q: negative length %d", name, n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.created {
		return nil, false, fmt.Errorf("region %q: %w", name, ErrNotCreated)
	}

	if r, ok := s.regions[name]; ok {
		data, typeOK := r.data.([]T)
		if !typeOK {
			return nil, true, fmt.Errorf("region %q holds %T: %w", name, r.data, ErrRegionMismatch)
		}
		if len(data) != n {
			return nil, true, fmt.Errorf("region %q has %d elements, want %d: %w", name, len(data), n, ErrRegionMismatch)
		}
		return data, true, nil
	}

	var zero T
	bytes := n * int(unsafe.Sizeof(zero))
	if s.used+bytes > s.size {
		return nil, false, fmt.Errorf("region %q needs %d bytes, %d of %d free: %w",
			name, bytes, s.size-s.used, s.size, ErrOutOfSharedMemory)
	}

	data := make([]T, n)
	s.regions[name] = &region{data: data, bytes: bytes}
	s.used += bytes

	return data, false, nil
}
