package memalloc_test

import (
	"io"
	"testing"
	"unsafe"

	"github.com/memalloc/memalloc"
	"github.com/memalloc/memalloc/memutils"
	"github.com/memalloc/memalloc/memutils/metadata"
	"github.com/memalloc/memalloc/osmem"
	"github.com/memalloc/memalloc/osmem/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func readyAllocator(t *testing.T, backend osmem.Backend, options memalloc.CreateOptions) *memalloc.Allocator {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	allocator, err := memalloc.New(logger, backend, options)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, allocator.Destroy())
	})

	return allocator
}

// heapBackedMock is a mock backend that hands real memory out of a heap backend, so that tests can
// count acquisitions and releases
func heapBackedMock(ctrl *gomock.Controller) (*mocks.MockBackend, *osmem.HeapBackend) {
	heap := osmem.Heap()
	backend := mocks.NewMockBackend(ctrl)
	backend.EXPECT().PageSize().Return(heap.PageSize()).AnyTimes()
	return backend, heap
}

// slot is the payload size a request of size bytes ends up with
func slot(size int) int {
	return memutils.AlignUp(max(size, metadata.MinimumPayload)+memutils.DebugMargin, metadata.DefaultAlignment)
}

func fill(ptr unsafe.Pointer, size int, seed byte) {
	data := unsafe.Slice((*byte)(ptr), size)
	for i := range data {
		data[i] = seed + byte(i)
	}
}

func requireFilled(t *testing.T, ptr unsafe.Pointer, size int, seed byte) {
	data := unsafe.Slice((*byte)(ptr), size)
	for i := range data {
		if data[i] != seed+byte(i) {
			require.Failf(t, "payload was overwritten", "byte %d of %p is %d, expected %d", i, ptr, data[i], seed+byte(i))
		}
	}
}

func requireStatistics(t *testing.T, allocator *memalloc.Allocator, regions, allocations int) {
	var stats memutils.Statistics
	allocator.Statistics(&stats)
	require.Equal(t, regions, stats.RegionCount)
	require.Equal(t, allocations, stats.AllocationCount)
	require.NoError(t, allocator.Validate())
}
