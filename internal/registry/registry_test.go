package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qidtrack/internal/ir"
	"github.com/roach88/qidtrack/internal/shmem"
)

func newSegment(t *testing.T, capacity int) *shmem.Segment {
	t.Helper()
	seg := shmem.NewSegment()
	require.True(t, RequestSpace(seg, capacity))
	seg.Create()
	return seg
}

func TestCapacity_Formula(t *testing.T) {
	limits := ir.HostLimits{
		MaxConnections:       10,
		AutovacuumMaxWorkers: 2,
		MaxWorkerProcesses:   4,
		MaxWalSenders:        1,
		MaxPreparedXacts:     3,
	}

	// 10 + 2 + 1 + 4 + 1 backends, 5 auxiliary, 3 prepared
	assert.Equal(t, 18+ir.NumAuxiliaryProcs+3, Capacity(limits))
	assert.Equal(t, limits.TotalProcs(), Capacity(limits))
}

func TestCapacity_Deterministic(t *testing.T) {
	a := Capacity(ir.DefaultHostLimits())
	b := Capacity(ir.DefaultHostLimits())
	assert.Equal(t, a, b)
}

func TestSizeBytes(t *testing.T) {
	assert.Equal(t, 0, SizeBytes(0))
	assert.Equal(t, 8*132, SizeBytes(132))
}

func TestAttach_StartsZeroed(t *testing.T) {
	seg := newSegment(t, 16)

	reg, found, err := Attach(seg, 16)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 16, reg.Len())

	for i := 0; i < reg.Len(); i++ {
		assert.Equal(t, ir.InvalidQueryID, reg.Get(i))
	}
	assert.Equal(t, SizeBytes(16), seg.Used())
}

func TestAttach_ReattachSharesStorage(t *testing.T) {
	seg := newSegment(t, 8)

	first, found, err := Attach(seg, 8)
	require.NoError(t, err)
	require.False(t, found)
	first.Set(3, 777)

	second, found, err := Attach(seg, 8)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, ir.QueryID(777), second.Get(3), "re-attach must not clear cells")

	second.Set(4, 888)
	assert.Equal(t, ir.QueryID(888), first.Get(4))
}

func TestAllocated(t *testing.T) {
	seg := newSegment(t, 8)
	assert.False(t, Allocated(seg))

	_, _, err := Attach(seg, 8)
	require.NoError(t, err)
	assert.True(t, Allocated(seg))
}

func TestAttach_CapacityMismatch(t *testing.T) {
	seg := newSegment(t, 8)

	_, _, err := Attach(seg, 8)
	require.NoError(t, err)

	_, _, err = Attach(seg, 9)
	require.Error(t, err)
	assert.ErrorIs(t, err, shmem.ErrRegionMismatch)
}

func TestAttach_WithoutRequest(t *testing.T) {
	seg := shmem.NewSegment()
	seg.Create()

	_, _, err := Attach(seg, 4)
	assert.ErrorIs(t, err, shmem.ErrOutOfSharedMemory)
}

func TestSetGet(t *testing.T) {
	reg := New(4)

	for i := 0; i < reg.Len(); i++ {
		v := ir.QueryID(1000 + i)
		reg.Set(i, v)
		assert.Equal(t, v, reg.Get(i))
	}

	// Overwrite is unconditional, including back to zero.
	reg.Set(2, 0)
	assert.Equal(t, ir.InvalidQueryID, reg.Get(2))
}

func TestSetGet_OutOfRange(t *testing.T) {
	reg := New(2)

	reg.Set(-1, 5)
	reg.Set(2, 5)

	assert.Equal(t, ir.InvalidQueryID, reg.Get(-1))
	assert.Equal(t, ir.InvalidQueryID, reg.Get(2))
	assert.Equal(t, 0, reg.Recorded())
}

func TestRecordedAndSnapshot(t *testing.T) {
	reg := New(5)
	reg.Set(0, 11)
	reg.Set(3, 33)

	assert.Equal(t, 2, reg.Recorded())
	assert.Equal(t, []ir.QueryID{11, 0, 0, 33, 0}, reg.Snapshot())
}

func TestConcurrentOwnersAndReaders(t *testing.T) {
	const slots = 64
	const writes = 500
	reg := New(slots)

	var wg sync.WaitGroup

	// One writer per slot, each only touching its own cell.
	for slot := 0; slot < slots; slot++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 1; n <= writes; n++ {
				reg.Set(i, ir.QueryID(uint64(i)<<32|uint64(n)))
			}
		}(slot)
	}

	// Readers scan everything while writers run.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < writes; n++ {
				for i := 0; i < slots; i++ {
					v := uint64(reg.Get(i))
					if v != 0 && v>>32 != uint64(i) {
						t.Errorf("slot %d holds value %x written for another slot", i, v)
					}
				}
			}
		}()
	}

	wg.Wait()

	for i := 0; i < slots; i++ {
		assert.Equal(t, ir.QueryID(uint64(i)<<32|writes), reg.Get(i))
	}
}
