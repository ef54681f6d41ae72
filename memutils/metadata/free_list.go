package metadata

import (
	"fmt"
	"unsafe"

	"github.com/memalloc/memalloc/memutils"
	"github.com/pkg/errors"
)

// FreeList threads every free block of every region into a single list. It owns no memory of its
// own: the links live in the headers of the free blocks, and the list itself is only a head
// pointer plus a few counters.
//
// New free blocks are prepended, and removal unlinks in constant time through the prevFree link.
// A FreeList is not safe for concurrent use.
type FreeList struct {
	head  *Block
	count int
	bytes int
}

// Len returns the number of free blocks in the list
func (l *FreeList) Len() int { return l.count }

// SumFreeSize returns the number of payload bytes held by free blocks in the list
func (l *FreeList) SumFreeSize() int { return l.bytes }

// First returns the block at the head of the list, or nil if the list is empty
func (l *FreeList) First() *Block { return l.head }

// Insert marks the block free and prepends it. The block must currently be taken.
func (l *FreeList) Insert(block *Block) {
	if block.IsFree() {
		panic(fmt.Sprintf("block %#x is already free", block.Address()))
	}

	block.markFree()
	block.prevFree = nil
	block.nextFree = l.head
	if l.head != nil {
		l.head.prevFree = block
	}
	l.head = block

	l.count++
	l.bytes += block.Size()
}

// Remove splices a free block out of the list and marks it taken
func (l *FreeList) Remove(block *Block) {
	if !block.IsFree() {
		panic(fmt.Sprintf("block %#x is not free", block.Address()))
	}

	if block.nextFree != nil {
		block.nextFree.prevFree = block.prevFree
	}
	if block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
	} else {
		if l.head != block {
			panic(fmt.Sprintf("block %#x has no previous free block but is not the head of the free list", block.Address()))
		}
		l.head = block.nextFree
	}

	block.prevFree = nil
	block.nextFree = nil
	block.markTaken()

	l.count--
	l.bytes -= block.Size()
}

// Reset forgets every block in the list without touching their headers. It is used when all
// regions are released at once.
func (l *FreeList) Reset() {
	l.head = nil
	l.count = 0
	l.bytes = 0
}

// CreateAllocationRequest searches the list for a block that can host size payload bytes at the
// requested alignment. size must already be rounded up to DefaultAlignment. It returns false if no
// free block qualifies.
//
// StrategyFirstFit returns the first qualifying block in list order. StrategyBestFit returns the
// smallest qualifying block, preferring the lowest address when sizes tie.
func (l *FreeList) CreateAllocationRequest(size int, alignment uint, strategy AllocationStrategy) (bool, AllocationRequest) {
	memutils.DebugCheckPow2(alignment, "alignment")

	var request AllocationRequest
	found := false

	for block := l.head; block != nil; block = block.nextFree {
		offset, fits := fitOffset(block, size, alignment)
		if !fits {
			continue
		}

		if strategy == StrategyFirstFit {
			return true, AllocationRequest{Block: block, Offset: offset, Size: size}
		}

		if !found || block.size < request.Block.size ||
			(block.size == request.Block.size && block.Address() < request.Block.Address()) {
			request = AllocationRequest{Block: block, Offset: offset, Size: size}
			found = true
		}
	}

	return found, request
}

// fitOffset finds the distance from the block's payload to the first address that satisfies
// alignment and still leaves room to carve the skipped bytes into their own free block. A
// distance of zero means the payload can be used as is.
func fitOffset(block *Block, size int, alignment uint) (int, bool) {
	payload := uintptr(block.PayloadAddress())
	aligned := memutils.AlignUp(payload, alignment)
	if aligned != payload && aligned-payload < uintptr(HeaderSize+MinimumPayload) {
		aligned = memutils.AlignUp(payload+uintptr(HeaderSize+MinimumPayload), alignment)
	}

	// Huge alignments wrap around the address space
	if aligned < payload || aligned-payload > uintptr(block.Size()) {
		return 0, false
	}

	offset := int(aligned - payload)
	return offset, fitsWithin(block, offset, size)
}

// fitsWithin reports whether size bytes starting offset bytes into the block's payload stay inside it,
// without overflowing on huge requests
func fitsWithin(block *Block, offset, size int) bool {
	return offset >= 0 && size >= 0 && offset <= block.Size() && size <= block.Size()-offset
}

// Alloc commits a request returned by CreateAllocationRequest. The chosen block leaves the list,
// alignment padding in front of the payload becomes a free block of its own, and the bytes past
// the requested size are split off when they are large enough. The taken block is returned.
func (l *FreeList) Alloc(request AllocationRequest) (*Block, error) {
	block := request.Block
	if block == nil || !block.IsFree() {
		return nil, errors.New("allocation request refers to a block that is no longer free")
	}
	if !fitsWithin(block, request.Offset, request.Size) {
		return nil, errors.Errorf("allocation request for %d bytes at offset %d does not fit a block of %d bytes", request.Size, request.Offset, block.Size())
	}

	l.Remove(block)

	if request.Offset > 0 {
		lead := block
		block = lead.carveAt(request.Offset)
		l.Insert(lead)
	}

	block.Split(request.Size, l)
	return block, nil
}

// carveAt places a new taken block so that its payload starts offset bytes into b's payload, and
// shrinks b to end right before it. offset must leave b with at least MinimumPayload bytes.
func (b *Block) carveAt(offset int) *Block {
	if offset < HeaderSize+MinimumPayload {
		panic(fmt.Sprintf("cannot carve a block at offset %d: the leading block would be too small", offset))
	}

	headerAddr := unsafe.Add(b.PayloadAddress(), offset-HeaderSize)
	memutils.DebugCheckBounds(headerAddr, HeaderSize, b.PayloadAddress(), b.Size())

	carved := (*Block)(headerAddr)
	*carved = Block{
		size:         b.size - uintptr(offset),
		prevPhysical: b,
		nextPhysical: b.nextPhysical,
		region:       b.region,
		state:        stateTaken,
	}
	if b.nextPhysical != nil {
		b.nextPhysical.prevPhysical = carved
	}
	b.nextPhysical = carved
	b.size = uintptr(offset - HeaderSize)
	return carved
}

// Free returns a taken block to the list, merging it with free physical neighbours first. The
// block that ends up in the list is returned; it starts at or before the freed block.
func (l *FreeList) Free(block *Block) *Block {
	if !block.IsTaken() {
		panic(fmt.Sprintf("block %#x is not taken", block.Address()))
	}

	block = block.TryMergeWithPrevious(l)
	block.TryMergeWithNext(l)
	l.Insert(block)
	return block
}

// Shrink cuts a taken block down to size payload bytes, returning the tail to the list. It reports
// whether the block changed; a tail too small to stand alone stays with the block.
func (l *FreeList) Shrink(block *Block, size int) bool {
	return block.Split(size, l) != nil
}

// Grow tries to extend a taken block to at least size payload bytes by absorbing its free physical
// successor. Bytes beyond size are split off again when large enough. Nothing changes if the
// successor is missing, taken, or too small.
func (l *FreeList) Grow(block *Block, size int) bool {
	if !block.IsTaken() {
		panic(fmt.Sprintf("block %#x is not taken", block.Address()))
	}

	next := block.nextPhysical
	if next == nil || !next.IsFree() || block.Size()+next.Extent() < size {
		return false
	}

	block.TryMergeWithNext(l)
	block.Split(size, l)
	return true
}

// Validate walks the list and checks that it is acyclic, that every member is free, that the
// back-links agree with the forward links, and that the counters match what was found.
func (l *FreeList) Validate() error {
	count := 0
	bytes := 0

	var prev *Block
	for block := l.head; block != nil; block = block.nextFree {
		if count >= l.count {
			return errors.Errorf("the free list holds more than the %d blocks it claims, or it has a cycle", l.count)
		}
		if !block.IsFree() {
			return errors.Errorf("block %#x is in the free list but is not free", block.Address())
		}
		if block.prevFree != prev {
			return errors.Errorf("block %#x is in the free list after block %#x, but the reverse reference is broken", block.Address(), addressOf(prev))
		}

		count++
		bytes += block.Size()
		prev = block
	}

	if count != l.count {
		return errors.Errorf("the free list claims %d blocks, but only %d were found", l.count, count)
	}
	if bytes != l.bytes {
		return errors.Errorf("the free list claims %d free bytes, but its blocks only added up to %d", l.bytes, bytes)
	}

	return nil
}

func addressOf(b *Block) uintptr {
	if b == nil {
		return 0
	}
	return b.Address()
}
