package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrOutOfMemory is returned when a request could not be satisfied because the operating system
// (or a configured limit) refused to provide more address space. Backend failures are marked with
// this error, so errors.Is can be used to detect them regardless of the underlying cause.
var ErrOutOfMemory error = errors.New("out of memory")

// ErrInvalidPointer is returned when a pointer handed back to the allocator does not carry the
// header of a live allocation. Detection is best-effort: a pointer that did not originate from the
// allocator may just as well crash the process.
var ErrInvalidPointer error = errors.New("pointer does not refer to a live allocation")

// ErrLayoutMismatch is returned when the size or alignment passed alongside a pointer does not
// match the allocation behind it
var ErrLayoutMismatch error = errors.New("layout does not match allocation")
