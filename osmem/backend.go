// Package osmem acquires and releases raw address space for memalloc. A Backend hands out zeroed,
// read/write mappings whose size is a multiple of its page size, and takes them back exactly once.
package osmem

import (
	"unsafe"
)

//go:generate mockgen -destination=mocks/backend.go -package=mocks github.com/memalloc/memalloc/osmem Backend

// Mapping is one span of address space acquired from a Backend. Data covers the whole span; it is
// also the handle that must be passed back to Release.
type Mapping struct {
	Data []byte
}

// Base returns the address of the first byte of the mapping
func (m Mapping) Base() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(m.Data))
}

// Size returns the length of the mapping in bytes
func (m Mapping) Size() int {
	return len(m.Data)
}

// Backend is the contract between the allocator and the operating system.
type Backend interface {
	// Acquire maps size bytes of zero-filled, read/write memory. size is always a positive
	// multiple of PageSize.
	Acquire(size int) (Mapping, error)
	// Release returns a mapping obtained from Acquire. It must be called at most once per
	// mapping; calling it twice is not guaranteed to be harmless.
	Release(mapping Mapping) error
	// PageSize is the granularity of the mappings this backend hands out
	PageSize() int
}

// System returns the backend for the current platform: anonymous mmap on unix-like systems,
// VirtualAlloc on windows, and Go heap memory everywhere else.
func System() Backend {
	return newSystemBackend()
}
