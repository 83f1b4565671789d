// Package registry implements the slot registry: one 64-bit cell per host
// process slot, holding the last query identifier that slot recorded.
//
// The registry lives in a named region of the host's shared segment and is
// sized once from the host limits. Cell i belongs to process-table entry i;
// only the process holding slot i writes cell i, so writes need no locking.
// Readers may observe a stale value but never a torn one, because every cell
// is an atomic.Uint64.
package registry

import (
	"fmt"
	"sync/atomic"

	"github.com/roach88/qidtrack/internal/ir"
	"github.com/roach88/qidtrack/internal/shmem"
)

// RegionName is the shared segment region holding the registry.
const RegionName = "queryid proc entry array"

// cellSize is the size in bytes of one registry cell.
const cellSize = 8

// Capacity returns the number of registry cells for the given host limits:
// regular backends, auxiliary processes and prepared-transaction slots.
// It matches the size of the host's process table.
func Capacity(limits ir.HostLimits) int {
	count := 0
	count += limits.MaxBackends()
	count += ir.NumAuxiliaryProcs
	count += limits.MaxPreparedXacts
	return count
}

// SizeBytes returns the shared memory needed for capacity cells.
func SizeBytes(capacity int) int {
	return capacity * cellSize
}

// RequestSpace reserves room for the registry in a segment that has not been
// created yet. Returns false if the segment no longer accepts requests.
func RequestSpace(seg *shmem.Segment, capacity int) bool {
	return seg.Request(SizeBytes(capacity))
}

// Allocated reports whether seg already holds a registry region, left by an
// earlier server sharing the segment.
func Allocated(seg *shmem.Segment) bool {
	return seg.HasRegion(RegionName)
}

// Registry is the fixed-size array of per-slot query identifiers.
type Registry struct {
	cells []atomic.Uint64
}

// Attach returns the registry stored in seg, creating it zero-filled on first
// use. found reports whether it already existed; an existing registry is
// returned as-is and never cleared.
func Attach(seg *shmem.Segment, capacity int) (*Registry, bool, error) {
	cells, found, err := shmem.InitStruct[atomic.Uint64](seg, RegionName, capacity)
	if err != nil {
		return nil, found, fmt.Errorf("attach registry: %w", err)
	}
	return &Registry{cells: cells}, found, nil
}

// New creates a standalone registry outside any shared segment.
func New(capacity int) *Registry {
	return &Registry{cells: make([]atomic.Uint64, capacity)}
}

// Len returns the number of cells.
func (r *Registry) Len() int {
	return len(r.cells)
}

// Set overwrites cell i. Indices outside the registry are ignored.
func (r *Registry) Set(i int, id ir.QueryID) {
	if i < 0 || i >= len(r.cells) {
		return
	}
	r.cells[i].Store(uint64(id))
}

// Get returns cell i, or InvalidQueryID for indices outside the registry.
func (r *Registry) Get(i int) ir.QueryID {
	if i < 0 || i >= len(r.cells) {
		return ir.InvalidQueryID
	}
	return ir.QueryID(r.cells[i].Load())
}

// Recorded counts the cells holding a non-zero identifier.
func (r *Registry) Recorded() int {
	n := 0
	for i := range r.cells {
		if r.cells[i].Load() != 0 {
			n++
		}
	}
	return n
}

// Snapshot copies every cell. Each value is read atomically but the copy as
// a whole is not a consistent point-in-time view.
func (r *Registry) Snapshot() []ir.QueryID {
	out := make([]ir.QueryID, len(r.cells))
	for i := range r.cells {
		out[i] = ir.QueryID(r.cells[i].Load())
	}
	return out
}
