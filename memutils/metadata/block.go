package metadata

import (
	"fmt"
	"unsafe"

	"github.com/memalloc/memalloc/memutils"
)

const (
	// DefaultAlignment is the alignment of every payload handed out without an explicit
	// alignment request: two pointer widths, which covers every scalar type on the supported
	// platforms.
	DefaultAlignment uint = 2 * uint(unsafe.Sizeof(uintptr(0)))
	// MinimumPayload is the smallest payload a block may carry. A split that would leave a
	// remainder smaller than this does not happen; the whole block is handed out instead.
	MinimumPayload int = int(DefaultAlignment)
	// HeaderSize is the number of bytes that precede every payload. It is rounded up to
	// DefaultAlignment so that a payload that follows an aligned header is aligned too.
	HeaderSize int = int((unsafe.Sizeof(Block{}) + uintptr(DefaultAlignment) - 1) &^ (uintptr(DefaultAlignment) - 1))
)

const (
	stateFree  uint32 = 0x46524545
	stateTaken uint32 = 0x54414b4e
)

// Block is the header placed in front of every payload. Blocks are never allocated on the Go
// heap: they are overlaid on memory acquired from the operating system, so every *Block is an
// address inside some region.
//
// Physically adjacent blocks of a region are chained through prevPhysical/nextPhysical in address
// order. Free blocks are additionally threaded through prevFree/nextFree, see FreeList.
type Block struct {
	size         uintptr
	prevPhysical *Block
	nextPhysical *Block
	prevFree     *Block
	nextFree     *Block
	region       uint32
	state        uint32
}

// Format overlays a single block over the size bytes starting at base and returns it.
// base must be aligned to DefaultAlignment and size must leave room for a MinimumPayload payload.
// The block starts out taken; inserting it into a FreeList makes it available.
func Format(base unsafe.Pointer, size int, region uint32) *Block {
	if size < HeaderSize+MinimumPayload {
		panic(fmt.Sprintf("cannot format a region of %d bytes: at least %d are required", size, HeaderSize+MinimumPayload))
	}
	if !memutils.IsAligned(uintptr(base), DefaultAlignment) {
		panic(fmt.Sprintf("cannot format a region at unaligned address %#x", uintptr(base)))
	}

	b := (*Block)(base)
	*b = Block{
		size:   uintptr(size - HeaderSize),
		region: region,
		state:  stateTaken,
	}
	return b
}

// FromPayload recovers the header of a payload previously returned by PayloadAddress.
//
// This is the allocator's trust boundary: nothing about ptr can be verified before its header is
// read, so ptr must have come from this package. Valid can be used afterward for a best-effort
// check that the memory in front of ptr looks like a header.
func FromPayload(ptr unsafe.Pointer) *Block {
	return (*Block)(unsafe.Add(ptr, -HeaderSize))
}

// PayloadAddress is the first usable byte after the header
func (b *Block) PayloadAddress() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(b), HeaderSize)
}

// PayloadEnd is the address one past the last payload byte. For every block except the last one
// of a region, it is the address of the next block's header.
func (b *Block) PayloadEnd() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(b), HeaderSize+int(b.size))
}

func (b *Block) Size() int        { return int(b.size) }
func (b *Block) Extent() int      { return HeaderSize + int(b.size) }
func (b *Block) Region() uint32   { return b.region }
func (b *Block) IsFree() bool     { return b.state == stateFree }
func (b *Block) IsTaken() bool    { return b.state == stateTaken }
func (b *Block) Next() *Block     { return b.nextPhysical }
func (b *Block) Previous() *Block { return b.prevPhysical }
func (b *Block) NextFree() *Block { return b.nextFree }
func (b *Block) Valid() bool      { return b.state == stateFree || b.state == stateTaken }
func (b *Block) Address() uintptr { return uintptr(unsafe.Pointer(b)) }
func (b *Block) markTaken()       { b.state = stateTaken }
func (b *Block) markFree()        { b.state = stateFree }
func (b *Block) isAdjacentTo(n *Block) bool {
	return b.PayloadEnd() == unsafe.Pointer(n)
}

// CanSplit reports whether carving size bytes off the front of the block would leave a remainder
// large enough to be a block of its own
func (b *Block) CanSplit(size int) bool {
	return b.Size() >= size+HeaderSize+MinimumPayload
}

// Split shrinks the block's payload to size bytes and turns the bytes that follow into a new free
// block, which is inserted into list (after merging with its successor, if that one is free too).
// The remainder is returned. If the remainder would be smaller than MinimumPayload, nothing is
// changed and nil is returned.
//
// size must be a multiple of DefaultAlignment, and the block must have been taken out of list.
func (b *Block) Split(size int, list *FreeList) *Block {
	if !memutils.IsAligned(size, DefaultAlignment) {
		panic(fmt.Sprintf("split size %d is not a multiple of %d", size, DefaultAlignment))
	}
	if !b.IsTaken() {
		panic("only a taken block can be split")
	}
	if !b.CanSplit(size) {
		return nil
	}

	remainderAddr := unsafe.Add(b.PayloadAddress(), size)
	memutils.DebugCheckBounds(remainderAddr, HeaderSize+MinimumPayload, unsafe.Pointer(b), b.Extent())

	remainder := (*Block)(remainderAddr)
	*remainder = Block{
		size:         b.size - uintptr(size+HeaderSize),
		prevPhysical: b,
		nextPhysical: b.nextPhysical,
		region:       b.region,
		state:        stateTaken,
	}
	if b.nextPhysical != nil {
		b.nextPhysical.prevPhysical = remainder
	}
	b.nextPhysical = remainder
	b.size = uintptr(size)

	remainder.TryMergeWithNext(list)
	list.Insert(remainder)
	return remainder
}

// TryMergeWithNext absorbs the block's physical successor if that block is free, removing the
// successor from list first. Blocks never merge across a region boundary, because the last block
// of a region has no successor. It reports whether a merge happened.
func (b *Block) TryMergeWithNext(list *FreeList) bool {
	next := b.nextPhysical
	if next == nil || !next.IsFree() {
		return false
	}
	if !b.isAdjacentTo(next) || next.region != b.region {
		panic(fmt.Sprintf("block %#x lists %#x as its successor, but they are not adjacent", b.Address(), next.Address()))
	}

	list.Remove(next)
	b.absorbNext()
	return true
}

// TryMergeWithPrevious merges the block into its physical predecessor if that block is free. The
// predecessor is removed from list and returned; the caller must continue with it, since b no
// longer exists. If no merge happens, b is returned.
func (b *Block) TryMergeWithPrevious(list *FreeList) *Block {
	prev := b.prevPhysical
	if prev == nil || !prev.IsFree() {
		return b
	}
	if !prev.isAdjacentTo(b) || prev.region != b.region {
		panic(fmt.Sprintf("block %#x lists %#x as its predecessor, but they are not adjacent", b.Address(), prev.Address()))
	}

	list.Remove(prev)
	prev.absorbNext()
	return prev
}

func (b *Block) absorbNext() {
	next := b.nextPhysical
	b.size += uintptr(next.Extent())
	b.nextPhysical = next.nextPhysical
	if b.nextPhysical != nil {
		b.nextPhysical.prevPhysical = b
	}

	// The absorbed header is now payload: scrub it so a stale pointer into it can't pass Valid
	*next = Block{}
}
