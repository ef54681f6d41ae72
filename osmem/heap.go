package osmem

import (
	"os"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// heapPageSize is used by the heap backend on platforms that don't report a page size
const heapPageSize = 4096

// HeapBackend hands out page-aligned spans of Go heap memory. It is the system backend on
// platforms without mmap or VirtualAlloc, and it is handy wherever a real mapping is undesirable.
//
// Spans are kept reachable by the backend until they are released, since the allocator only holds
// on to them through raw addresses.
type HeapBackend struct {
	pageSize int

	mutex sync.Mutex
	live  map[unsafe.Pointer][]byte
}

// Heap returns a new HeapBackend
func Heap() *HeapBackend {
	pageSize := os.Getpagesize()
	if pageSize <= 0 {
		pageSize = heapPageSize
	}

	return &HeapBackend{
		pageSize: pageSize,
		live:     make(map[unsafe.Pointer][]byte),
	}
}

func (b *HeapBackend) PageSize() int { return b.pageSize }

func (b *HeapBackend) Acquire(size int) (Mapping, error) {
	if size <= 0 || size%b.pageSize != 0 {
		return Mapping{}, errors.Newf("mapping size %d is not a positive multiple of the page size %d", size, b.pageSize)
	}

	// Over-allocate by a page so the span can start on a page boundary
	backing := make([]byte, size+b.pageSize)
	start := uintptr(unsafe.Pointer(unsafe.SliceData(backing)))
	skip := int((uintptr(b.pageSize) - start%uintptr(b.pageSize)) % uintptr(b.pageSize))
	data := backing[skip : skip+size : skip+size]

	mapping := Mapping{Data: data}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.live[mapping.Base()] = backing

	return mapping, nil
}

func (b *HeapBackend) Release(mapping Mapping) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	base := mapping.Base()
	if _, ok := b.live[base]; !ok {
		return errors.Newf("mapping at %p was not acquired from this backend or was already released", base)
	}

	delete(b.live, base)
	return nil
}
