//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package osmem

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

type mmapBackend struct {
	pageSize int
}

func newSystemBackend() Backend {
	return &mmapBackend{pageSize: os.Getpagesize()}
}

func (b *mmapBackend) PageSize() int { return b.pageSize }

func (b *mmapBackend) Acquire(size int) (Mapping, error) {
	if size <= 0 || size%b.pageSize != 0 {
		return Mapping{}, errors.Newf("mapping size %d is not a positive multiple of the page size %d", size, b.pageSize)
	}

	// MAP_ANON memory is zero-filled by the kernel
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return Mapping{}, errors.Wrapf(err, "mmap of %d bytes failed", size)
	}

	return Mapping{Data: data}, nil
}

func (b *mmapBackend) Release(mapping Mapping) error {
	if len(mapping.Data) == 0 {
		return errors.New("cannot release an empty mapping")
	}

	err := unix.Munmap(mapping.Data)
	if err != nil {
		return errors.Wrapf(err, "munmap of %d bytes at %p failed", len(mapping.Data), mapping.Base())
	}
	return nil
}
