package memalloc

import (
	"fmt"
	"math"
	"math/bits"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memalloc/memalloc/internal/utils"
	"github.com/memalloc/memalloc/memutils"
	"github.com/memalloc/memalloc/memutils/metadata"
	"github.com/memalloc/memalloc/osmem"
	"golang.org/x/exp/slog"
)

// Allocator hands out memory carved from regions that it maps through an osmem.Backend. Every
// mutating operation runs under a single lock, unless the allocator was created with
// CreateExternallySynchronized.
//
// Pointers returned by an Allocator refer to memory the Go garbage collector does not scan: they
// must not be used to hold the only reference to Go heap objects.
type Allocator struct {
	logger      *slog.Logger
	createFlags CreateFlags
	strategy    metadata.AllocationStrategy
	backend     *osmem.Limited

	mutex    utils.OptionalMutex
	regions  regionList
	freeList metadata.FreeList

	allocationCount int
	allocationBytes int
}

// lockedValidator validates an allocator whose lock is already held
type lockedValidator struct {
	allocator *Allocator
}

func (v lockedValidator) Validate() error {
	return v.allocator.validateLocked()
}

func (a *Allocator) debugValidate() {
	memutils.DebugValidate(lockedValidator{allocator: a})
}

// Allocate returns a pointer to at least size bytes, aligned to alignment, which must be a power of
// two. Alignments below metadata.DefaultAlignment are raised to it. A size of 0 is treated as
// metadata.MinimumPayload, so every call returns a distinct pointer.
//
// The memory is not zeroed; see AllocateZeroed. memutils.ErrOutOfMemory is returned (errors.Is)
// when the backend cannot provide a region large enough.
func (a *Allocator) Allocate(size int, alignment uint) (unsafe.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocateLocked(size, alignment)
}

// AllocateZeroed returns a pointer to count*size zeroed bytes at the default alignment
func (a *Allocator) AllocateZeroed(count, size int) (unsafe.Pointer, error) {
	if count < 0 || size < 0 {
		return nil, errors.Newf("cannot allocate %d elements of %d bytes", count, size)
	}

	hi, total := bits.Mul(uint(count), uint(size))
	if hi != 0 || total > math.MaxInt {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "%d elements of %d bytes overflow the address space", count, size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	ptr, err := a.allocateLocked(int(total), metadata.DefaultAlignment)
	if err != nil {
		return nil, err
	}

	// Fresh regions are zero-filled by the backend, but recycled blocks are not
	clear(unsafe.Slice((*byte)(ptr), int(total)))
	return ptr, nil
}

// AllocateBytes allocates size bytes at the default alignment and exposes them as a slice. The
// slice must be given back with FreeBytes, and must not be appended to beyond its capacity.
func (a *Allocator) AllocateBytes(size int) ([]byte, error) {
	ptr, err := a.Allocate(size, metadata.DefaultAlignment)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(ptr), size), nil
}

// FreeBytes frees a slice returned by AllocateBytes
func (a *Allocator) FreeBytes(data []byte) error {
	return a.Free(unsafe.Pointer(unsafe.SliceData(data)))
}

// Free returns an allocation to the allocator. Freeing nil does nothing. Freeing a pointer whose
// header does not describe a live allocation, such as one that was already freed, returns
// memutils.ErrInvalidPointer; pointers that never came from this allocator may crash instead.
//
// When the free empties a region that the backend then fails to release, the allocation is freed
// all the same and the release error is returned. The region stays mapped until a later free empties
// it again, or until Destroy.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	block, r, err := a.lookup(ptr)
	if err != nil {
		return err
	}

	return a.freeLocked(block, r)
}

// FreeLayout frees an allocation after checking that size and alignment describe it: the pointer
// must satisfy alignment and the allocation must be able to hold size bytes. A mismatch returns
// memutils.ErrLayoutMismatch and leaves the allocation alone.
func (a *Allocator) FreeLayout(ptr unsafe.Pointer, size int, alignment uint) error {
	if ptr == nil {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	block, r, err := a.lookup(ptr)
	if err != nil {
		return err
	}

	err = checkLayout(ptr, block, size, alignment)
	if err != nil {
		return err
	}

	return a.freeLocked(block, r)
}

// Reallocate resizes an allocation made at the default alignment, returning its new address. The
// first min(old size, newSize) bytes are preserved. Reallocating nil allocates, and reallocating to
// 0 frees the allocation and returns nil.
//
// Shrinking always happens in place. Growing happens in place when the allocation is followed by
// enough free space; otherwise the contents are moved to a new allocation. If that fails, the
// original allocation is left untouched.
func (a *Allocator) Reallocate(ptr unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if ptr == nil {
		return a.allocateLocked(newSize, metadata.DefaultAlignment)
	}

	block, r, err := a.lookup(ptr)
	if err != nil {
		return nil, err
	}

	return a.reallocateLocked(ptr, block, r, newSize, metadata.DefaultAlignment)
}

// ReallocateLayout is Reallocate for allocations made with an explicit alignment. oldSize and
// alignment must describe the allocation, as with FreeLayout, and a moved allocation keeps the
// alignment.
func (a *Allocator) ReallocateLayout(ptr unsafe.Pointer, oldSize int, alignment uint, newSize int) (unsafe.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if ptr == nil {
		return a.allocateLocked(newSize, alignment)
	}

	block, r, err := a.lookup(ptr)
	if err != nil {
		return nil, err
	}

	err = checkLayout(ptr, block, oldSize, alignment)
	if err != nil {
		return nil, err
	}

	return a.reallocateLocked(ptr, block, r, newSize, alignment)
}

// UsableSize returns the number of bytes that can be used at ptr, which is at least the size that
// was requested. It returns 0 for nil and for pointers that are not live allocations.
func (a *Allocator) UsableSize(ptr unsafe.Pointer) int {
	if ptr == nil {
		return 0
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	block, _, err := a.lookup(ptr)
	if err != nil {
		return 0
	}

	return usableSize(block)
}

// RegionCount returns the number of regions currently mapped
func (a *Allocator) RegionCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.regions.RegionCount()
}

// Statistics fills stats from running counters, without walking any region
func (a *Allocator) Statistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.RegionCount = a.regions.RegionCount()
	stats.RegionBytes = a.regions.RegionBytes()
	stats.AllocationCount = a.allocationCount
	stats.AllocationBytes = a.allocationBytes
}

// CalculateStatistics walks every region and fills stats with the sizes of all allocations and
// free ranges. Block headers account for the difference between RegionBytes and the sum of
// AllocationBytes and UnusedBytes.
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.Clear()
	a.regions.AddDetailedStatistics(stats)
}

// FreeBytesAvailable returns the number of payload bytes held by free blocks
func (a *Allocator) FreeBytesAvailable() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.freeList.SumFreeSize()
}

// Budget returns what the allocator currently has mapped from its backend
func (a *Allocator) Budget() osmem.Budget {
	return a.backend.Budget()
}

// Validate checks every region's block chain, the free list, and the allocator's counters
// against each other. A non-nil error means the allocator's memory has been corrupted.
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.validateLocked()
}

func (a *Allocator) validateLocked() error {
	err := a.freeList.Validate()
	if err != nil {
		return err
	}

	err = a.regions.Validate()
	if err != nil {
		return err
	}

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.regions.AddDetailedStatistics(&stats)

	if stats.UnusedRangeCount != a.freeList.Len() {
		return errors.Newf("the regions hold %d free blocks, but the free list holds %d", stats.UnusedRangeCount, a.freeList.Len())
	}
	if stats.UnusedBytes != a.freeList.SumFreeSize() {
		return errors.Newf("the regions hold %d free bytes, but the free list holds %d", stats.UnusedBytes, a.freeList.SumFreeSize())
	}
	if stats.AllocationCount != a.allocationCount {
		return errors.Newf("the regions hold %d allocations, but %d were counted", stats.AllocationCount, a.allocationCount)
	}
	if stats.AllocationBytes != a.allocationBytes {
		return errors.Newf("the regions hold %d allocated bytes, but %d were counted", stats.AllocationBytes, a.allocationBytes)
	}

	return nil
}

// CheckCorruption verifies the guard bytes written after every allocation. Guard bytes are only
// written when memalloc is built with the debug_mem_utils build tag; otherwise an error is
// returned.
func (a *Allocator) CheckCorruption() error {
	if memutils.DebugMargin == 0 {
		return errors.New("corruption detection requires the debug_mem_utils build tag")
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.regions.CheckCorruption()
}

// BuildStatsString returns a json document describing the allocator's statistics, and, if
// detailedMap is true, every block of every region
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.regions.AddDetailedStatistics(&stats)

	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Strategy").String(a.strategy.String())
	total := obj.Name("Total").Object()
	printStatistics(&total, &stats)
	total.End()

	budget := a.backend.Budget()
	budgetObj := obj.Name("Budget").Object()
	budgetObj.Name("MappingCount").Int(budget.MappingCount)
	budgetObj.Name("MappedBytes").Int(budget.MappedBytes)
	budgetObj.Name("Limit").Int(budget.Limit)
	budgetObj.End()

	if detailedMap {
		a.regions.PrintDetailedMap(obj.Name("Regions"))
	}

	obj.End()
	return string(writer.Bytes())
}

func printStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("RegionCount").Int(stats.RegionCount)
	json.Name("RegionBytes").Int(stats.RegionBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	json.Name("UnusedBytes").Int(stats.UnusedBytes)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// Destroy releases every region back to the backend. Allocations that are still live are logged,
// and an error is returned if there were any, but their memory is released all the same. The
// allocator can be used again afterward and will map new regions as needed.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.regions.Destroy()
	a.allocationCount = 0
	a.allocationBytes = 0
	return err
}

func (a *Allocator) roundSize(size int) (int, error) {
	if size < 0 {
		return 0, errors.Newf("cannot allocate a negative size %d", size)
	}
	if size < metadata.MinimumPayload {
		size = metadata.MinimumPayload
	}

	if size > a.regions.MaximumPayload()-memutils.DebugMargin-int(metadata.DefaultAlignment) {
		return 0, errors.Wrapf(memutils.ErrOutOfMemory, "an allocation of %d bytes can never fit in a region", size)
	}

	return memutils.AlignUp(size+memutils.DebugMargin, metadata.DefaultAlignment), nil
}

func (a *Allocator) allocateLocked(size int, alignment uint) (unsafe.Pointer, error) {
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}
	alignment = max(alignment, metadata.DefaultAlignment)
	if alignment > uint(a.regions.MaximumPayload()) {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "an alignment of %d can never be satisfied by a region", alignment)
	}

	rounded, err := a.roundSize(size)
	if err != nil {
		return nil, err
	}

	found, request := a.freeList.CreateAllocationRequest(rounded, alignment, a.strategy)
	if !found {
		_, err = a.regions.CreateRegion(rounded, alignment)
		if err != nil {
			return nil, err
		}

		found, request = a.freeList.CreateAllocationRequest(rounded, alignment, a.strategy)
		if !found {
			panic(fmt.Sprintf("a new region could not host the %d byte allocation it was created for", rounded))
		}
	}

	block, err := a.freeList.Alloc(request)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when committing an allocation request: %+v", err))
	}

	a.allocationCount++
	a.allocationBytes += block.Size()
	memutils.WriteMagicValue(block.PayloadAddress(), usableSize(block))
	a.debugValidate()

	return block.PayloadAddress(), nil
}

func (a *Allocator) freeLocked(block *metadata.Block, r *region) error {
	checkGuard(block)

	a.allocationCount--
	a.allocationBytes -= block.Size()
	a.freeList.Free(block)
	a.debugValidate()

	if r.IsEmpty() {
		return a.regions.ReleaseIfSurplus(r)
	}
	return nil
}

func (a *Allocator) reallocateLocked(ptr unsafe.Pointer, block *metadata.Block, r *region, newSize int, alignment uint) (unsafe.Pointer, error) {
	if newSize == 0 {
		return nil, a.freeLocked(block, r)
	}

	rounded, err := a.roundSize(newSize)
	if err != nil {
		return nil, err
	}

	checkGuard(block)
	oldSize := block.Size()

	if rounded <= oldSize {
		a.freeList.Shrink(block, rounded)
	} else if !a.freeList.Grow(block, rounded) {
		return a.moveLocked(ptr, block, r, newSize, alignment)
	}

	a.allocationBytes += block.Size() - oldSize
	memutils.WriteMagicValue(block.PayloadAddress(), usableSize(block))
	a.debugValidate()

	return ptr, nil
}

func (a *Allocator) moveLocked(ptr unsafe.Pointer, block *metadata.Block, r *region, newSize int, alignment uint) (unsafe.Pointer, error) {
	newPtr, err := a.allocateLocked(newSize, alignment)
	if err != nil {
		return nil, err
	}

	count := min(usableSize(block), newSize)
	copy(unsafe.Slice((*byte)(newPtr), count), unsafe.Slice((*byte)(ptr), count))

	err = a.freeLocked(block, r)
	if err != nil {
		// The move itself succeeded, only the release of an emptied region did not
		a.logger.Error("failed to release a region emptied by a reallocation", slog.Any("error", err))
	}

	return newPtr, nil
}

// lookup recovers the block behind a pointer handed out by this allocator, with a best-effort
// check that it still is a live allocation
func (a *Allocator) lookup(ptr unsafe.Pointer) (*metadata.Block, *region, error) {
	if !memutils.IsAligned(uintptr(ptr), metadata.DefaultAlignment) {
		return nil, nil, errors.Wrapf(memutils.ErrInvalidPointer, "%p is not aligned like any allocation", ptr)
	}

	block := metadata.FromPayload(ptr)
	if !block.IsTaken() {
		return nil, nil, errors.Wrapf(memutils.ErrInvalidPointer, "%p is not a live allocation, it may have been freed already", ptr)
	}

	r := a.regions.Lookup(block)
	if r == nil {
		return nil, nil, errors.Wrapf(memutils.ErrInvalidPointer, "%p does not belong to any region of this allocator", ptr)
	}

	return block, r, nil
}

func checkLayout(ptr unsafe.Pointer, block *metadata.Block, size int, alignment uint) error {
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return err
	}

	if !memutils.IsAligned(uintptr(ptr), alignment) {
		return errors.Wrapf(memutils.ErrLayoutMismatch, "%p is not aligned to %d", ptr, alignment)
	}
	if size < 0 || size > usableSize(block) {
		return errors.Wrapf(memutils.ErrLayoutMismatch, "the allocation at %p holds %d bytes, not %d", ptr, usableSize(block), size)
	}

	return nil
}

func checkGuard(block *metadata.Block) {
	if !memutils.ValidateMagicValue(block.PayloadAddress(), usableSize(block)) {
		panic(fmt.Sprintf("memory corruption detected after the allocation at %p", block.PayloadAddress()))
	}
}

func usableSize(block *metadata.Block) int {
	return block.Size() - memutils.DebugMargin
}
