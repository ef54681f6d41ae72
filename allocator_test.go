package memalloc_test

import (
	"math"
	"math/rand"
	"sort"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/memalloc/memalloc"
	"github.com/memalloc/memalloc/memutils"
	"github.com/memalloc/memalloc/memutils/metadata"
	"github.com/memalloc/memalloc/osmem"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestAllocateUsesNextSlot(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{})
	require.Equal(t, 0, allocator.RegionCount())

	first, err := allocator.Allocate(64, metadata.DefaultAlignment)
	require.NoError(t, err)
	require.Equal(t, 1, allocator.RegionCount())

	second, err := allocator.Allocate(64, metadata.DefaultAlignment)
	require.NoError(t, err)
	require.Equal(t, 1, allocator.RegionCount())
	require.Equal(t, unsafe.Add(first, slot(64)+metadata.HeaderSize), second)

	require.NoError(t, allocator.Free(first))
	require.NoError(t, allocator.Free(second))
	requireStatistics(t, allocator, 1, 0)
}

func TestAllocateReusesFreedBlock(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{})

	ptr, err := allocator.Allocate(100, metadata.DefaultAlignment)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(ptr))

	again, err := allocator.Allocate(100, metadata.DefaultAlignment)
	require.NoError(t, err)
	require.Equal(t, ptr, again)
	require.NoError(t, allocator.Free(again))
}

func TestCoalescedBlocksHostTheirCombinedSize(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{})

	a, err := allocator.Allocate(256, metadata.DefaultAlignment)
	require.NoError(t, err)
	b, err := allocator.Allocate(256, metadata.DefaultAlignment)
	require.NoError(t, err)
	guard, err := allocator.Allocate(64, metadata.DefaultAlignment)
	require.NoError(t, err)

	require.NoError(t, allocator.Free(a))
	require.NoError(t, allocator.Free(b))

	combined := 2*slot(256) + metadata.HeaderSize - memutils.DebugMargin
	ptr, err := allocator.Allocate(combined, metadata.DefaultAlignment)
	require.NoError(t, err)
	require.Equal(t, a, ptr)
	require.Equal(t, 1, allocator.RegionCount())

	require.NoError(t, allocator.Free(ptr))
	require.NoError(t, allocator.Free(guard))
	requireStatistics(t, allocator, 1, 0)
}

func TestZeroSizeAllocationsAreDistinct(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{})

	first, err := allocator.Allocate(0, metadata.DefaultAlignment)
	require.NoError(t, err)
	second, err := allocator.Allocate(0, metadata.DefaultAlignment)
	require.NoError(t, err)

	require.NotNil(t, first)
	require.NotEqual(t, first, second)
	require.Equal(t, metadata.MinimumPayload, allocator.UsableSize(first))

	bytes, err := allocator.AllocateBytes(0)
	require.NoError(t, err)
	require.Len(t, bytes, 0)
	require.NoError(t, allocator.FreeBytes(bytes))

	require.NoError(t, allocator.Free(first))
	require.NoError(t, allocator.Free(second))
}

func TestAllocationTooLargeNeverReachesBackend(t *testing.T) {
	ctrl := gomock.NewController(t)
	// No Acquire expected
	backend, _ := heapBackedMock(ctrl)

	allocator := readyAllocator(t, backend, memalloc.CreateOptions{
		RegionMinimumSize: 64 * 1024,
		MaxRegionSize:     1024 * 1024,
	})

	_, err := allocator.Allocate(1024*1024, metadata.DefaultAlignment)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	_, err = allocator.Allocate(math.MaxInt, metadata.DefaultAlignment)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	_, err = allocator.Allocate(64, 1<<30)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	_, err = allocator.AllocateZeroed(math.MaxInt, 2)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	require.Equal(t, 0, allocator.RegionCount())
}

func TestHugeRequestWithUnboundedRegions(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{
		MaxRegionSize: math.MaxInt,
	})

	ptr, err := allocator.Allocate(64, metadata.DefaultAlignment)
	require.NoError(t, err)

	_, err = allocator.Allocate(math.MaxInt/4*3, uint(math.MaxInt/2+1))
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	_, err = allocator.Allocate(math.MaxInt/4*3, metadata.DefaultAlignment)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	requireStatistics(t, allocator, 1, 1)
	require.NoError(t, allocator.Free(ptr))
}

func TestFailedRegionReleaseKeepsRegion(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, heap := heapBackedMock(ctrl)
	backend.EXPECT().Acquire(gomock.Any()).DoAndReturn(heap.Acquire).Times(1)
	gomock.InOrder(
		backend.EXPECT().Release(gomock.Any()).Return(errors.New("munmap failed")),
		backend.EXPECT().Release(gomock.Any()).DoAndReturn(heap.Release),
	)

	allocator := readyAllocator(t, backend, memalloc.CreateOptions{
		Flags: memalloc.CreateReleaseEmptyRegions,
	})

	ptr, err := allocator.Allocate(64, metadata.DefaultAlignment)
	require.NoError(t, err)

	err = allocator.Free(ptr)
	require.ErrorContains(t, err, "munmap failed")

	// The free went through, the region is still owned
	requireStatistics(t, allocator, 1, 0)
	budget := allocator.Budget()
	require.Equal(t, 1, budget.MappingCount)
	require.Equal(t, 1, allocator.RegionCount())

	again, err := allocator.Allocate(64, metadata.DefaultAlignment)
	require.NoError(t, err)
	require.Equal(t, ptr, again)

	require.NoError(t, allocator.Free(again))
	requireStatistics(t, allocator, 0, 0)
	require.Equal(t, osmem.Budget{}, allocator.Budget())
}

func TestBackendFailureIsOutOfMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, _ := heapBackedMock(ctrl)
	backend.EXPECT().Acquire(gomock.Any()).Return(osmem.Mapping{}, errors.New("mmap: cannot allocate memory"))

	allocator := readyAllocator(t, backend, memalloc.CreateOptions{})

	_, err := allocator.Allocate(64, metadata.DefaultAlignment)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.ErrorContains(t, err, "cannot allocate memory")

	requireStatistics(t, allocator, 0, 0)
	require.Equal(t, osmem.Budget{}, allocator.Budget())
}

func TestMaxHeapSize(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{
		RegionMinimumSize: 64 * 1024,
		MaxHeapSize:       64 * 1024,
	})

	ptr, err := allocator.Allocate(32*1024, metadata.DefaultAlignment)
	require.NoError(t, err)

	_, err = allocator.Allocate(48*1024, metadata.DefaultAlignment)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, 1, allocator.RegionCount())
	require.Equal(t, osmem.Budget{MappingCount: 1, MappedBytes: 64 * 1024, Limit: 64 * 1024}, allocator.Budget())

	require.NoError(t, allocator.Free(ptr))
}

func TestEmptyRegionRelease(t *testing.T) {
	testCases := map[string]struct {
		flags             memalloc.CreateFlags
		regionsAfterLarge int
		regionsAfterSmall int
	}{
		// One empty region stays mapped for reuse
		"RetainOne": {regionsAfterLarge: 2, regionsAfterSmall: 1},
		"ReleaseImmediately": {
			flags:             memalloc.CreateReleaseEmptyRegions,
			regionsAfterLarge: 1,
			regionsAfterSmall: 0,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			backend, heap := heapBackedMock(ctrl)
			// Every mapping is released exactly once, either when it empties or at Destroy
			backend.EXPECT().Acquire(gomock.Any()).DoAndReturn(heap.Acquire).Times(2)
			backend.EXPECT().Release(gomock.Any()).DoAndReturn(heap.Release).Times(2)

			allocator := readyAllocator(t, backend, memalloc.CreateOptions{
				Flags:             testCase.flags,
				RegionMinimumSize: 64 * 1024,
			})

			small, err := allocator.Allocate(1000, metadata.DefaultAlignment)
			require.NoError(t, err)
			large, err := allocator.Allocate(100*1024, metadata.DefaultAlignment)
			require.NoError(t, err)
			requireStatistics(t, allocator, 2, 2)

			require.NoError(t, allocator.Free(large))
			requireStatistics(t, allocator, testCase.regionsAfterLarge, 1)

			require.NoError(t, allocator.Free(small))
			requireStatistics(t, allocator, testCase.regionsAfterSmall, 0)
		})
	}
}

func TestRetainedRegionIsReused(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, heap := heapBackedMock(ctrl)
	backend.EXPECT().Acquire(gomock.Any()).DoAndReturn(heap.Acquire).Times(1)
	backend.EXPECT().Release(gomock.Any()).DoAndReturn(heap.Release).Times(1)

	allocator := readyAllocator(t, backend, memalloc.CreateOptions{})

	for i := 0; i < 10; i++ {
		ptr, err := allocator.Allocate(4096, metadata.DefaultAlignment)
		require.NoError(t, err)
		require.NoError(t, allocator.Free(ptr))
		require.Equal(t, 1, allocator.RegionCount())
	}
}

func TestDestroyReleasesLiveAllocations(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, heap := heapBackedMock(ctrl)
	backend.EXPECT().Acquire(gomock.Any()).DoAndReturn(heap.Acquire).Times(2)
	backend.EXPECT().Release(gomock.Any()).DoAndReturn(heap.Release).Times(2)

	allocator := readyAllocator(t, backend, memalloc.CreateOptions{})

	_, err := allocator.Allocate(64, metadata.DefaultAlignment)
	require.NoError(t, err)

	err = allocator.Destroy()
	require.ErrorContains(t, err, "were not freed")
	requireStatistics(t, allocator, 0, 0)

	// The allocator maps a fresh region when used again
	ptr, err := allocator.Allocate(64, metadata.DefaultAlignment)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(ptr))
}

func TestRoundTripPattern(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{})

	var ptrs []unsafe.Pointer
	for i := 0; i < 100; i++ {
		ptr, err := allocator.Allocate(i*13, metadata.DefaultAlignment)
		require.NoError(t, err)
		fill(ptr, i*13, byte(i))
		ptrs = append(ptrs, ptr)
	}

	for i, ptr := range ptrs {
		requireFilled(t, ptr, i*13, byte(i))
	}

	for i, ptr := range ptrs {
		if i%2 == 0 {
			require.NoError(t, allocator.Free(ptr))
		}
	}

	for i, ptr := range ptrs {
		if i%2 == 1 {
			requireFilled(t, ptr, i*13, byte(i))
			require.NoError(t, allocator.Free(ptr))
		}
	}

	requireStatistics(t, allocator, 1, 0)
}

type liveRange struct {
	start, end uintptr
	seed       byte
	size       int
	ptr        unsafe.Pointer
}

func TestRandomizedNoOverlap(t *testing.T) {
	strategies := map[string]metadata.AllocationStrategy{
		"FirstFit": metadata.StrategyFirstFit,
		"BestFit":  metadata.StrategyBestFit,
	}

	for name, strategy := range strategies {
		t.Run(name, func(t *testing.T) {
			allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{
				Strategy:          strategy,
				RegionMinimumSize: 64 * 1024,
			})
			rng := rand.New(rand.NewSource(1))

			var live []liveRange
			for op := 0; op < 3000; op++ {
				if len(live) > 0 && rng.Intn(3) == 0 {
					index := rng.Intn(len(live))
					r := live[index]
					requireFilled(t, r.ptr, r.size, r.seed)
					require.NoError(t, allocator.Free(r.ptr))
					live = append(live[:index], live[index+1:]...)
					continue
				}

				size := rng.Intn(2048)
				if rng.Intn(50) == 0 {
					size = 64*1024 + rng.Intn(64*1024)
				}
				alignment := uint(1) << rng.Intn(10)

				ptr, err := allocator.Allocate(size, alignment)
				require.NoError(t, err)
				require.True(t, memutils.IsAligned(uintptr(ptr), alignment))
				require.GreaterOrEqual(t, allocator.UsableSize(ptr), size)

				seed := byte(op)
				fill(ptr, size, seed)
				live = append(live, liveRange{
					start: uintptr(ptr),
					end:   uintptr(ptr) + uintptr(size),
					seed:  seed,
					size:  size,
					ptr:   ptr,
				})

				if op%100 == 0 {
					require.NoError(t, allocator.Validate())
				}
			}

			sorted := append([]liveRange(nil), live...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })
			for i := 1; i < len(sorted); i++ {
				require.LessOrEqual(t, sorted[i-1].end, sorted[i].start, "live allocations overlap")
			}

			var stats memutils.DetailedStatistics
			allocator.CalculateStatistics(&stats)
			require.Equal(t, len(live), stats.AllocationCount)
			require.Equal(t, stats.RegionBytes, stats.AllocationBytes+stats.UnusedBytes+metadata.HeaderSize*(stats.AllocationCount+stats.UnusedRangeCount))

			for _, r := range live {
				requireFilled(t, r.ptr, r.size, r.seed)
				require.NoError(t, allocator.Free(r.ptr))
			}

			requireStatistics(t, allocator, allocator.RegionCount(), 0)
			require.LessOrEqual(t, allocator.RegionCount(), memalloc.DefaultRetainEmptyRegions)
		})
	}
}

func TestInvalidPointers(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{})

	require.NoError(t, allocator.Free(nil))

	ptr, err := allocator.AllocateZeroed(1, 256)
	require.NoError(t, err)
	guard, err := allocator.Allocate(64, metadata.DefaultAlignment)
	require.NoError(t, err)

	err = allocator.Free(unsafe.Add(ptr, 1))
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))

	// Zeroed payload bytes don't look like a header
	err = allocator.Free(unsafe.Add(ptr, 128))
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))
	require.Equal(t, 0, allocator.UsableSize(unsafe.Add(ptr, 128)))

	require.NoError(t, allocator.Free(ptr))
	err = allocator.Free(ptr)
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))

	_, err = allocator.Reallocate(ptr, 512)
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))

	require.NoError(t, allocator.Free(guard))
	requireStatistics(t, allocator, 1, 0)
}

func TestInvalidRequests(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{})

	_, err := allocator.Allocate(64, 3)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = allocator.Allocate(64, 0)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = allocator.Allocate(-1, metadata.DefaultAlignment)
	require.Error(t, err)

	_, err = allocator.AllocateZeroed(-1, 8)
	require.Error(t, err)

	require.Equal(t, 0, allocator.RegionCount())
}

func TestAlignedAllocations(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{})

	for shift := 0; shift <= 13; shift++ {
		alignment := uint(1) << shift

		ptr, err := allocator.Allocate(100, alignment)
		require.NoError(t, err)
		require.True(t, memutils.IsAligned(uintptr(ptr), max(alignment, metadata.DefaultAlignment)))
		require.NoError(t, allocator.Validate())

		err = allocator.FreeLayout(ptr, 100, alignment)
		require.NoError(t, err)
	}

	requireStatistics(t, allocator, 1, 0)

	// Padding was given back: the region is a single free block again
	var stats memutils.DetailedStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.UnusedRangeCount)
}

func TestFreeLayoutChecksLayout(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{})

	ptr, err := allocator.Allocate(100, 256)
	require.NoError(t, err)
	usable := allocator.UsableSize(ptr)

	err = allocator.FreeLayout(ptr, usable+1, 256)
	require.True(t, errors.Is(err, memutils.ErrLayoutMismatch))

	if !memutils.IsAligned(uintptr(ptr), 8192) {
		err = allocator.FreeLayout(ptr, 100, 8192)
		require.True(t, errors.Is(err, memutils.ErrLayoutMismatch))
	}

	err = allocator.FreeLayout(ptr, 100, 5)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	require.NoError(t, allocator.FreeLayout(ptr, 100, 256))
	require.NoError(t, allocator.FreeLayout(nil, 100, 256))
	requireStatistics(t, allocator, 1, 0)
}

func TestAllocateZeroed(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{})

	dirty, err := allocator.Allocate(400, metadata.DefaultAlignment)
	require.NoError(t, err)
	fill(dirty, 400, 1)
	require.NoError(t, allocator.Free(dirty))

	ptr, err := allocator.AllocateZeroed(50, 8)
	require.NoError(t, err)
	require.Equal(t, dirty, ptr)

	for _, b := range unsafe.Slice((*byte)(ptr), 400) {
		require.Zero(t, b)
	}

	require.NoError(t, allocator.Free(ptr))
}

func TestAllocateBytes(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{})

	data, err := allocator.AllocateBytes(300)
	require.NoError(t, err)
	require.Len(t, data, 300)
	copy(data, "hello")
	require.Equal(t, "hello", string(data[:5]))
	require.GreaterOrEqual(t, allocator.UsableSize(unsafe.Pointer(unsafe.SliceData(data))), 300)

	require.NoError(t, allocator.FreeBytes(data))
	requireStatistics(t, allocator, 1, 0)
}

func TestStatistics(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{
		RegionMinimumSize: 64 * 1024,
	})

	a, err := allocator.Allocate(100, metadata.DefaultAlignment)
	require.NoError(t, err)
	b, err := allocator.Allocate(1000, metadata.DefaultAlignment)
	require.NoError(t, err)

	var stats memutils.Statistics
	allocator.Statistics(&stats)
	require.Equal(t, memutils.Statistics{
		RegionCount:     1,
		RegionBytes:     64 * 1024,
		AllocationCount: 2,
		AllocationBytes: slot(100) + slot(1000),
	}, stats)

	var detailed memutils.DetailedStatistics
	allocator.CalculateStatistics(&detailed)

	free := 64*1024 - slot(100) - slot(1000) - 3*metadata.HeaderSize
	require.Equal(t, memutils.DetailedStatistics{
		Statistics:         stats,
		UnusedRangeCount:   1,
		UnusedBytes:        free,
		AllocationSizeMin:  slot(100),
		AllocationSizeMax:  slot(1000),
		UnusedRangeSizeMin: free,
		UnusedRangeSizeMax: free,
	}, detailed)
	require.Equal(t, free, allocator.FreeBytesAvailable())
	require.Equal(t, 3*metadata.HeaderSize, detailed.OverheadBytes(detailed.UnusedBytes))

	require.NoError(t, allocator.Free(a))
	require.NoError(t, allocator.Free(b))
}

func TestCheckCorruption(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{})

	ptr, err := allocator.Allocate(100, metadata.DefaultAlignment)
	require.NoError(t, err)
	fill(ptr, 100, 7)

	if memutils.DebugMargin == 0 {
		require.Error(t, allocator.CheckCorruption())
	} else {
		require.NoError(t, allocator.CheckCorruption())

		// Write one byte past the usable size
		*(*byte)(unsafe.Add(ptr, allocator.UsableSize(ptr))) ^= 0xff
		require.Error(t, allocator.CheckCorruption())
		*(*byte)(unsafe.Add(ptr, allocator.UsableSize(ptr))) ^= 0xff
	}

	require.NoError(t, allocator.Free(ptr))
}

func TestExternallySynchronized(t *testing.T) {
	allocator := readyAllocator(t, osmem.System(), memalloc.CreateOptions{
		Flags: memalloc.CreateExternallySynchronized,
	})

	ptr, err := allocator.Allocate(64, metadata.DefaultAlignment)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(ptr))
	requireStatistics(t, allocator, 1, 0)
}

func TestNewRejectsBadOptions(t *testing.T) {
	testCases := map[string]memalloc.CreateOptions{
		"UnknownStrategy":  {Strategy: metadata.AllocationStrategy(9)},
		"NegativeMinimum":  {RegionMinimumSize: -1},
		"TinyMaximum":      {MaxRegionSize: 1},
		"MinimumAboveMax":  {RegionMinimumSize: 1024 * 1024, MaxRegionSize: 64 * 1024},
		"NegativeHeapSize": {MaxHeapSize: -1},
		"NegativeRetain":   {RetainEmptyRegions: -1},
	}

	for name, options := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := memalloc.New(nil, osmem.System(), options)
			require.Error(t, err)
		})
	}

	_, err := memalloc.New(nil, nil, memalloc.CreateOptions{})
	require.Error(t, err)
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "None", memalloc.CreateFlags(0).String())
	require.Equal(t, "CreateExternallySynchronized", memalloc.CreateExternallySynchronized.String())
	require.Equal(t, "CreateExternallySynchronized|CreateReleaseEmptyRegions",
		(memalloc.CreateExternallySynchronized | memalloc.CreateReleaseEmptyRegions).String())
}
