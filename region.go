package memalloc

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memalloc/memalloc/memutils"
	"github.com/memalloc/memalloc/memutils/metadata"
	"github.com/memalloc/memalloc/osmem"
	"golang.org/x/exp/slog"
)

// region is one mapping acquired from the backend, carved into a chain of blocks
type region struct {
	id      uint32
	mapping osmem.Mapping
	first   *metadata.Block
	logger  *slog.Logger
}

func (r *region) Init(logger *slog.Logger, id uint32, mapping osmem.Mapping) {
	if r.first != nil {
		panic("attempting to initialize a region that is already in use")
	}

	r.id = id
	r.mapping = mapping
	r.logger = logger
	r.first = metadata.Format(mapping.Base(), mapping.Size(), id)
}

func (r *region) Base() unsafe.Pointer { return r.mapping.Base() }
func (r *region) Size() int            { return r.mapping.Size() }

// IsEmpty reports whether the region's chain has collapsed into a single free block
func (r *region) IsEmpty() bool {
	return r.first.IsFree() && r.first.Next() == nil
}

// Contains reports whether the block's header lies inside the region's mapping
func (r *region) Contains(block *metadata.Block) bool {
	base := uintptr(r.Base())
	addr := block.Address()
	return addr >= base && addr+uintptr(metadata.HeaderSize) <= base+uintptr(r.Size())
}

// Destroy gives the mapping back to the backend as part of tearing down the whole allocator, so the
// free list has to be reset afterward. Allocations that are still live are logged and reported,
// but the mapping is released all the same.
func (r *region) Destroy(backend osmem.Backend) error {
	if r.first == nil {
		panic("attempting to destroy a region that was never initialized or was already destroyed")
	}

	var leaked error
	if r.liveAllocations() > 0 {
		// Log all remaining allocations
		_ = metadata.VisitChain(r.first, func(block *metadata.Block) error {
			if block.IsTaken() {
				r.logUnreleasedMemory(block)
			}
			return nil
		})

		leaked = errors.Newf("%d allocations were not freed before the destruction of region %d", r.liveAllocations(), r.id)
	}

	return errors.CombineErrors(leaked, r.release(backend))
}

func (r *region) liveAllocations() int {
	count := 0
	for block := r.first; block != nil; block = block.Next() {
		if block.IsTaken() {
			count++
		}
	}
	return count
}

// release unmaps the region. On failure the region is left intact, still owning its mapping.
func (r *region) release(backend osmem.Backend) error {
	err := backend.Release(r.mapping)
	if err != nil {
		return errors.Wrapf(err, "failed to release region %d (%s)", r.id, humanize.IBytes(uint64(r.Size())))
	}

	r.first = nil
	r.mapping = osmem.Mapping{}
	return nil
}

func (r *region) logUnreleasedMemory(block *metadata.Block) {
	r.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("region", int(r.id)),
		slog.Int("offset", int(block.Address()-uintptr(r.Base()))),
		slog.Int("size", block.Size()-memutils.DebugMargin),
	)
}

func (r *region) Validate() error {
	if r.first == nil {
		return errors.Newf("region %d has no block chain", r.id)
	}

	_, err := metadata.ValidateChain(r.first, r.Base(), r.Size(), r.id)
	if err != nil {
		return errors.Wrapf(err, "region %d", r.id)
	}
	return nil
}

func (r *region) CheckCorruption() error {
	err := metadata.CheckCorruption(r.first)
	if err != nil {
		return errors.Wrapf(err, "region %d", r.id)
	}
	return nil
}

func (r *region) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.RegionCount++
	stats.RegionBytes += r.Size()
	metadata.AddDetailedStatistics(r.first, stats)
}

func (r *region) PrintDetailedMap(json *jwriter.ObjectState) {
	json.Name("Id").Int(int(r.id))
	json.Name("Size").Int(r.Size())

	blocks := json.Name("Blocks").Array()
	defer blocks.End()

	metadata.PrintDetailedMap(r.first, r.Base(), &blocks)
}
