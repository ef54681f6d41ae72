package memalloc

import (
	"io"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/memalloc/memalloc/internal/utils"
	"github.com/memalloc/memalloc/memutils"
	"github.com/memalloc/memalloc/memutils/metadata"
	"github.com/memalloc/memalloc/osmem"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateExternallySynchronized ensures that this allocator will not be synchronized internally.
	// The consumer must guarantee it is used from only one goroutine at a time or is synchronized by
	// some other mechanism, but performance may improve because the internal mutex is not used.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateReleaseEmptyRegions returns every region to the backend as soon as its last allocation
	// is freed, ignoring CreateOptions.RetainEmptyRegions.
	CreateReleaseEmptyRegions
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
	CreateReleaseEmptyRegions:    "CreateReleaseEmptyRegions",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}
	return strings.Join(names, "|")
}

const (
	// DefaultRegionMinimumSize is the smallest mapping requested from the backend when none is
	// provided via CreateOptions: 256KiB.
	DefaultRegionMinimumSize int = 256 * 1024
	// DefaultMaxRegionSize caps the size of a single mapping when none is provided via CreateOptions.
	// It is large enough that only requests no system could satisfy run into it.
	DefaultMaxRegionSize int = math.MaxInt >> 1
	// DefaultRetainEmptyRegions is the number of empty regions kept around when none is provided via
	// CreateOptions.
	DefaultRetainEmptyRegions int = 1
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Strategy decides which free block hosts an allocation when more than one could
	Strategy metadata.AllocationStrategy

	// RegionMinimumSize is the smallest mapping that will be requested from the backend. Requests
	// that don't fit are given a region of their own, rounded up to the page size.
	RegionMinimumSize int
	// MaxRegionSize is the largest mapping that will be requested from the backend. Allocations
	// that cannot fit a region of this size fail with memutils.ErrOutOfMemory without ever
	// reaching the backend.
	MaxRegionSize int
	// MaxHeapSize caps the total size of all regions. 0 means no limit. The limit is enforced at
	// runtime: allocations that would need a region beyond it fail with memutils.ErrOutOfMemory.
	MaxHeapSize int
	// RetainEmptyRegions is the number of regions left without allocations that are kept mapped
	// for future use. 0 means DefaultRetainEmptyRegions; use CreateReleaseEmptyRegions to keep none.
	// Config.RetainEmptyRegions differs: there, 0 keeps none, and Config.CreateOptions sets
	// CreateReleaseEmptyRegions to say so.
	RetainEmptyRegions int

	// Callbacks is an optional set of hooks executed whenever a region is mapped or unmapped.
	Callbacks osmem.Callbacks
}

func (o CreateOptions) retainEmptyRegions() int {
	if o.Flags&CreateReleaseEmptyRegions != 0 {
		return 0
	}
	if o.RetainEmptyRegions == 0 {
		return DefaultRetainEmptyRegions
	}
	return o.RetainEmptyRegions
}

// New creates a new Allocator
//
// logger - Receives debug output about regions and errors about leaked allocations. May be nil.
//
// backend - The source of address space, usually osmem.System()
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, backend osmem.Backend, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if backend == nil {
		return nil, errors.New("memalloc.New requires a backend")
	}

	if options.RegionMinimumSize == 0 {
		options.RegionMinimumSize = DefaultRegionMinimumSize
	}
	if options.MaxRegionSize == 0 {
		options.MaxRegionSize = DefaultMaxRegionSize
	}

	err := validateCreateOptions(options, backend.PageSize())
	if err != nil {
		return nil, err
	}

	limited, err := osmem.NewLimited(backend, options.MaxHeapSize, options.Callbacks)
	if err != nil {
		return nil, err
	}

	allocator := &Allocator{
		logger:      logger,
		createFlags: options.Flags,
		strategy:    options.Strategy,
		backend:     limited,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
	}
	allocator.regions.Init(
		logger,
		limited,
		&allocator.freeList,
		options.RegionMinimumSize,
		options.MaxRegionSize,
		options.retainEmptyRegions(),
	)

	return allocator, nil
}

func validateCreateOptions(options CreateOptions, pageSize int) error {
	err := memutils.CheckPow2(pageSize, "backend page size")
	if err != nil {
		return err
	}

	if !options.Strategy.IsValid() {
		return errors.Newf("memalloc.CreateOptions.Strategy has unknown value %d", options.Strategy)
	}
	if options.RegionMinimumSize < 0 {
		return errors.Newf("memalloc.CreateOptions.RegionMinimumSize is negative: %d", options.RegionMinimumSize)
	}
	if options.MaxRegionSize < pageSize {
		return errors.Newf("memalloc.CreateOptions.MaxRegionSize must be at least one page (%d bytes), but it is %d", pageSize, options.MaxRegionSize)
	}
	if options.RegionMinimumSize > options.MaxRegionSize {
		return errors.Newf("memalloc.CreateOptions.RegionMinimumSize (%d) is larger than MaxRegionSize (%d)", options.RegionMinimumSize, options.MaxRegionSize)
	}
	if options.MaxHeapSize < 0 {
		return errors.Newf("memalloc.CreateOptions.MaxHeapSize is negative: %d", options.MaxHeapSize)
	}
	if options.RetainEmptyRegions < 0 {
		return errors.Newf("memalloc.CreateOptions.RetainEmptyRegions is negative: %d", options.RetainEmptyRegions)
	}

	return nil
}
