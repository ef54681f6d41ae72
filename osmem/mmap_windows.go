//go:build windows

package osmem

import (
	"os"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"
)

type virtualAllocBackend struct {
	pageSize int
}

func newSystemBackend() Backend {
	return &virtualAllocBackend{pageSize: os.Getpagesize()}
}

func (b *virtualAllocBackend) PageSize() int { return b.pageSize }

func (b *virtualAllocBackend) Acquire(size int) (Mapping, error) {
	if size <= 0 || size%b.pageSize != 0 {
		return Mapping{}, errors.Newf("mapping size %d is not a positive multiple of the page size %d", size, b.pageSize)
	}

	// Committed pages are zero-filled by the system
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return Mapping{}, errors.Wrapf(err, "VirtualAlloc of %d bytes failed", size)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return Mapping{Data: data}, nil
}

func (b *virtualAllocBackend) Release(mapping Mapping) error {
	if len(mapping.Data) == 0 {
		return errors.New("cannot release an empty mapping")
	}

	// MEM_RELEASE requires a size of 0 and frees the whole reservation
	err := windows.VirtualFree(uintptr(mapping.Base()), 0, windows.MEM_RELEASE)
	if err != nil {
		return errors.Wrapf(err, "VirtualFree of %d bytes at %p failed", len(mapping.Data), mapping.Base())
	}
	return nil
}
