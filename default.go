package memalloc

import (
	"sync"
	"unsafe"

	"github.com/memalloc/memalloc/memutils/metadata"
	"github.com/memalloc/memalloc/osmem"
)

var (
	defaultMutex     sync.Mutex
	defaultAllocator *Allocator
)

// Default returns the process-wide allocator, creating it over osmem.System() on first use. After
// Shutdown, the next call creates a fresh one.
func Default() *Allocator {
	defaultMutex.Lock()
	defer defaultMutex.Unlock()

	if defaultAllocator == nil {
		allocator, err := New(nil, osmem.System(), CreateOptions{})
		if err != nil {
			panic(err)
		}
		defaultAllocator = allocator
	}

	return defaultAllocator
}

// Shutdown releases every region of the process-wide allocator. Pointers obtained through it must
// not be used afterward.
func Shutdown() error {
	defaultMutex.Lock()
	defer defaultMutex.Unlock()

	if defaultAllocator == nil {
		return nil
	}

	err := defaultAllocator.Destroy()
	defaultAllocator = nil
	return err
}

// Malloc allocates size bytes at the default alignment from the process-wide allocator
func Malloc(size int) (unsafe.Pointer, error) {
	return Default().Allocate(size, metadata.DefaultAlignment)
}

// AlignedAlloc allocates size bytes at the given alignment from the process-wide allocator
func AlignedAlloc(size int, alignment uint) (unsafe.Pointer, error) {
	return Default().Allocate(size, alignment)
}

// Calloc allocates count*size zeroed bytes from the process-wide allocator
func Calloc(count, size int) (unsafe.Pointer, error) {
	return Default().AllocateZeroed(count, size)
}

// Realloc resizes an allocation made by Malloc or Calloc
func Realloc(ptr unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	return Default().Reallocate(ptr, newSize)
}

// FreePtr returns an allocation to the process-wide allocator
func FreePtr(ptr unsafe.Pointer) error {
	return Default().Free(ptr)
}

// Dealloc returns an allocation to the process-wide allocator after checking its layout
func Dealloc(ptr unsafe.Pointer, size int, alignment uint) error {
	return Default().FreeLayout(ptr, size, alignment)
}
