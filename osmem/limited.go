package osmem

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/memalloc/memalloc/memutils"
)

// Budget is a snapshot of what a Limited backend currently has mapped
type Budget struct {
	// Number of mappings that have been acquired and not yet released
	MappingCount int
	// Total size of those mappings
	MappedBytes int
	// The most that may be mapped at once, or 0 if there is no limit
	Limit int
}

// AcquireCallback is called after a mapping has been acquired from the wrapped backend
type AcquireCallback func(mapping Mapping, userData any)

// ReleaseCallback is called right before a mapping is released to the wrapped backend
type ReleaseCallback func(mapping Mapping, userData any)

// Callbacks are optional hooks that observe every mapping that passes through a Limited backend.
// They are invoked without any lock held, possibly from several goroutines at once.
type Callbacks struct {
	Acquire  AcquireCallback
	Release  ReleaseCallback
	UserData any
}

// Limited wraps a Backend with a byte budget and mapping counters. It is safe for concurrent use
// as long as the wrapped backend is.
type Limited struct {
	backend   Backend
	limit     int64
	callbacks Callbacks

	mappingCount int32
	mappedBytes  int64
}

var _ Backend = &Limited{}

// NewLimited wraps backend. maxBytes caps the total size of live mappings; 0 means no cap.
func NewLimited(backend Backend, maxBytes int, callbacks Callbacks) (*Limited, error) {
	if backend == nil {
		return nil, errors.New("osmem.NewLimited requires a backend")
	}
	if maxBytes < 0 {
		return nil, errors.Newf("osmem.NewLimited received a negative byte limit %d", maxBytes)
	}
	err := memutils.CheckPow2(backend.PageSize(), "backend page size")
	if err != nil {
		return nil, err
	}

	return &Limited{
		backend:   backend,
		limit:     int64(maxBytes),
		callbacks: callbacks,
	}, nil
}

func (l *Limited) PageSize() int { return l.backend.PageSize() }

func (l *Limited) reserve(size int) error {
	if l.limit == 0 {
		atomic.AddInt64(&l.mappedBytes, int64(size))
		return nil
	}

	for {
		currentVal := atomic.LoadInt64(&l.mappedBytes)
		targetVal := currentVal + int64(size)

		if targetVal > l.limit {
			return errors.Mark(
				errors.Newf("mapping %d more bytes would exceed the limit of %d (%d already mapped)", size, l.limit, currentVal),
				memutils.ErrOutOfMemory,
			)
		}

		if atomic.CompareAndSwapInt64(&l.mappedBytes, currentVal, targetVal) {
			return nil
		}
	}
}

func (l *Limited) unreserve(size int) {
	newVal := atomic.AddInt64(&l.mappedBytes, int64(-size))
	if newVal < 0 {
		panic(fmt.Sprintf("mapped bytes went negative after releasing %d bytes", size))
	}
}

// Acquire reserves size bytes of the budget and then maps them through the wrapped backend. The
// reservation is rolled back if the backend fails. Every failure is marked as
// memutils.ErrOutOfMemory.
func (l *Limited) Acquire(size int) (mapping Mapping, err error) {
	err = l.reserve(size)
	if err != nil {
		return Mapping{}, err
	}
	defer func() {
		// If we failed out, roll back the reservation
		if err != nil {
			l.unreserve(size)
		}
	}()

	mapping, err = l.backend.Acquire(size)
	if err != nil {
		return Mapping{}, errors.Mark(err, memutils.ErrOutOfMemory)
	}
	if len(mapping.Data) != size {
		releaseErr := l.backend.Release(mapping)
		err = errors.CombineErrors(
			errors.Newf("backend returned a mapping of %d bytes for a request of %d", len(mapping.Data), size),
			releaseErr,
		)
		return Mapping{}, errors.Mark(err, memutils.ErrOutOfMemory)
	}

	atomic.AddInt32(&l.mappingCount, 1)

	if l.callbacks.Acquire != nil {
		l.callbacks.Acquire(mapping, l.callbacks.UserData)
	}

	return mapping, nil
}

// Release hands the mapping back to the wrapped backend and returns its bytes to the budget
func (l *Limited) Release(mapping Mapping) error {
	if l.callbacks.Release != nil {
		l.callbacks.Release(mapping, l.callbacks.UserData)
	}

	size := len(mapping.Data)
	err := l.backend.Release(mapping)
	if err != nil {
		return err
	}

	l.unreserve(size)
	newCountVal := atomic.AddInt32(&l.mappingCount, -1)
	if newCountVal < 0 {
		panic("mapping count went negative")
	}

	return nil
}

// Budget returns a snapshot of the counters. The fields are loaded separately, so they may be
// momentarily inconsistent with each other while other goroutines acquire or release.
func (l *Limited) Budget() Budget {
	return Budget{
		MappingCount: int(atomic.LoadInt32(&l.mappingCount)),
		MappedBytes:  int(atomic.LoadInt64(&l.mappedBytes)),
		Limit:        int(l.limit),
	}
}
