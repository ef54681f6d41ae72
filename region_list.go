package memalloc

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memalloc/memalloc/memutils"
	"github.com/memalloc/memalloc/memutils/metadata"
	"github.com/memalloc/memalloc/osmem"
	"golang.org/x/exp/slog"
)

var regionPool = sync.Pool{
	New: func() any {
		return &region{}
	},
}

// regionList owns every region of an allocator. It is not synchronized: the allocator's lock
// covers it.
type regionList struct {
	logger   *slog.Logger
	backend  osmem.Backend
	freeList *metadata.FreeList

	pageSize          int
	minimumRegionSize int
	maximumRegionSize int
	retainEmpty       int

	regions      []*region
	regionsByID  *swiss.Map[uint32, *region]
	nextRegionID uint32
	regionBytes  int
}

func (l *regionList) Init(
	logger *slog.Logger,
	backend osmem.Backend,
	freeList *metadata.FreeList,
	minimumRegionSize, maximumRegionSize int,
	retainEmpty int,
) {
	l.logger = logger
	l.backend = backend
	l.freeList = freeList
	l.pageSize = backend.PageSize()
	l.minimumRegionSize = memutils.AlignUp(minimumRegionSize, uint(l.pageSize))
	l.maximumRegionSize = memutils.AlignDown(maximumRegionSize, uint(l.pageSize))
	l.retainEmpty = retainEmpty
	l.regionsByID = swiss.NewMap[uint32, *region](8)
	l.nextRegionID = 1
}

func (l *regionList) RegionCount() int { return len(l.regions) }
func (l *regionList) RegionBytes() int { return l.regionBytes }

// MaximumPayload is the largest payload that a freshly created region could host at the default
// alignment
func (l *regionList) MaximumPayload() int {
	return l.maximumRegionSize - metadata.HeaderSize
}

// Lookup finds the region that owns the block, or returns nil if the block's header names a region
// that does not exist or the block lies outside of it
func (l *regionList) Lookup(block *metadata.Block) *region {
	r, ok := l.regionsByID.Get(block.Region())
	if !ok || !r.Contains(block) {
		return nil
	}
	return r
}

// regionSizeFor is the mapping size needed to host a payload of size bytes at the given alignment,
// no matter where in its first block the aligned payload ends up
func (l *regionList) regionSizeFor(size int, alignment uint) (int, bool) {
	need := metadata.HeaderSize + size
	if alignment > metadata.DefaultAlignment {
		need += int(alignment) + metadata.HeaderSize + metadata.MinimumPayload
	}
	if need > l.maximumRegionSize || need < size {
		return 0, false
	}

	regionSize := memutils.AlignUp(max(need, l.minimumRegionSize), uint(l.pageSize))
	if regionSize > l.maximumRegionSize || regionSize < need {
		regionSize = l.maximumRegionSize
	}
	return regionSize, true
}

// CreateRegion acquires a mapping large enough for a payload of size bytes at the given alignment,
// formats it as a single block, and puts that block into the free list
func (l *regionList) CreateRegion(size int, alignment uint) (*region, error) {
	regionSize, ok := l.regionSizeFor(size, alignment)
	if !ok {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory,
			"a payload of %d bytes aligned to %d cannot fit in a region of at most %s",
			size, alignment, humanize.IBytes(uint64(l.maximumRegionSize)))
	}

	mapping, err := l.backend.Acquire(regionSize)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to acquire a region of %s", humanize.IBytes(uint64(regionSize))), memutils.ErrOutOfMemory)
	}

	r := regionPool.Get().(*region)
	r.Init(l.logger, l.nextRegionID, mapping)
	l.nextRegionID++

	l.add(r)
	l.freeList.Insert(r.first)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new region",
		slog.Int("region.id", int(r.id)),
		slog.String("region.size", humanize.IBytes(uint64(r.Size()))),
	)

	return r, nil
}

func (l *regionList) add(r *region) {
	l.regions = append(l.regions, r)
	l.regionsByID.Put(r.id, r)
	l.regionBytes += r.Size()
}

func (l *regionList) remove(r *region) {
	for regionIndex := 0; regionIndex < len(l.regions); regionIndex++ {
		if l.regions[regionIndex] == r {
			l.regions = append(l.regions[0:regionIndex], l.regions[regionIndex+1:]...)
			l.regionsByID.Delete(r.id)
			l.regionBytes -= r.Size()
			return
		}
	}

	panic(fmt.Sprintf("attempted to remove region %d from a region list that did not own it", r.id))
}

func (l *regionList) emptyRegionCount() int {
	count := 0
	for regionIndex := 0; regionIndex < len(l.regions); regionIndex++ {
		if l.regions[regionIndex].IsEmpty() {
			count++
		}
	}
	return count
}

// ReleaseIfSurplus is called after a free left r empty. The region goes back to the backend when
// keeping it would leave more than retainEmpty empty regions around.
func (l *regionList) ReleaseIfSurplus(r *region) error {
	if !r.IsEmpty() {
		panic(fmt.Sprintf("region %d is not empty", r.id))
	}

	if l.emptyRegionCount() <= l.retainEmpty {
		return nil
	}

	// The header lives in the mapping, so it has to leave the free list before the unmap
	l.freeList.Remove(r.first)
	l.remove(r)
	id, size := r.id, r.Size()

	err := r.release(l.backend)
	if err != nil {
		// Keep the region so that a later release, or Destroy, can try again
		l.add(r)
		l.freeList.Insert(r.first)
		l.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release empty region",
			slog.Int("region.id", int(r.id)),
			slog.Any("error", err),
		)
		return err
	}

	regionPool.Put(r)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Released empty region",
		slog.Int("region.id", int(id)),
		slog.String("region.size", humanize.IBytes(uint64(size))),
	)
	return nil
}

// Destroy releases every region, live allocations or not, and empties the free list
func (l *regionList) Destroy() error {
	var err error
	for _, r := range l.regions {
		err = errors.CombineErrors(err, r.Destroy(l.backend))
		if r.first == nil {
			regionPool.Put(r)
		}
	}

	l.regions = nil
	l.regionsByID.Clear()
	l.regionBytes = 0
	l.freeList.Reset()
	return err
}

func (l *regionList) Validate() error {
	if len(l.regions) != l.regionsByID.Count() {
		return errors.Newf("the region list holds %d regions, but %d are indexed", len(l.regions), l.regionsByID.Count())
	}

	regionBytes := 0
	for _, r := range l.regions {
		indexed, ok := l.regionsByID.Get(r.id)
		if !ok || indexed != r {
			return errors.Newf("region %d is missing from the index", r.id)
		}

		err := r.Validate()
		if err != nil {
			return err
		}
		regionBytes += r.Size()
	}

	if regionBytes != l.regionBytes {
		return errors.Newf("the region list claims %d bytes, but its regions add up to %d", l.regionBytes, regionBytes)
	}

	return nil
}

func (l *regionList) CheckCorruption() error {
	for _, r := range l.regions {
		err := r.CheckCorruption()
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *regionList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, r := range l.regions {
		r.AddDetailedStatistics(stats)
	}
}

func (l *regionList) PrintDetailedMap(writer *jwriter.Writer) {
	arrayState := writer.Array()
	defer arrayState.End()

	for _, r := range l.regions {
		regionObj := arrayState.Object()
		r.PrintDetailedMap(&regionObj)
		regionObj.End()
	}
}
