package metadata

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memalloc/memalloc/memutils"
	"github.com/pkg/errors"
)

// ChainSummary is what ValidateChain learned about a region's blocks
type ChainSummary struct {
	BlockCount int
	FreeCount  int
	FreeBytes  int
	TakenCount int
	TakenBytes int
}

// VisitChain calls handleBlock once for each block of the chain that starts at first, in address
// order. It stops at the first error returned by the callback.
func VisitChain(first *Block, handleBlock func(block *Block) error) error {
	for block := first; block != nil; block = block.nextPhysical {
		err := handleBlock(block)
		if err != nil {
			return err
		}
	}

	return nil
}

// ValidateChain checks the chain of blocks overlaid on the size bytes starting at base: the first
// block sits at base, every block begins where the previous one's payload ends, back-links agree
// with forward links, every header belongs to region, no two free blocks are adjacent, and the
// extents add up to size exactly.
func ValidateChain(first *Block, base unsafe.Pointer, size int, region uint32) (ChainSummary, error) {
	var summary ChainSummary

	if first == nil {
		return summary, errors.New("the chain has no first block")
	}
	if unsafe.Pointer(first) != base {
		return summary, errors.Errorf("the first block is at %#x, but the region starts at %#x", first.Address(), uintptr(base))
	}
	if first.prevPhysical != nil {
		return summary, errors.Errorf("the first block at %#x has a previous physical block", first.Address())
	}

	expected := base
	covered := 0
	end := unsafe.Add(base, size)

	for block := first; block != nil; block = block.nextPhysical {
		if unsafe.Pointer(block) != expected {
			return summary, errors.Errorf("block at %#x does not start where the previous payload ends (%#x)", block.Address(), uintptr(expected))
		}
		if uintptr(unsafe.Pointer(block)) >= uintptr(end) {
			return summary, errors.Errorf("block at %#x lies past the end of its region", block.Address())
		}
		if !block.Valid() {
			return summary, errors.Errorf("block at %#x has a corrupted header", block.Address())
		}
		if block.region != region {
			return summary, errors.Errorf("block at %#x belongs to region %d, but it was found in region %d", block.Address(), block.region, region)
		}
		if !memutils.IsAligned(block.size, DefaultAlignment) {
			return summary, errors.Errorf("block at %#x has a payload size of %d, which is not a multiple of %d", block.Address(), block.size, DefaultAlignment)
		}
		if block.nextPhysical != nil && block.nextPhysical.prevPhysical != block {
			return summary, errors.Errorf("block at %#x has a next physical block, but the reverse reference is broken", block.Address())
		}
		if block.nextPhysical != nil && block.IsFree() && block.nextPhysical.IsFree() {
			return summary, errors.Errorf("free blocks at %#x and %#x are adjacent but were not merged", block.Address(), block.nextPhysical.Address())
		}

		summary.BlockCount++
		if block.IsFree() {
			summary.FreeCount++
			summary.FreeBytes += block.Size()
		} else {
			summary.TakenCount++
			summary.TakenBytes += block.Size()
		}

		covered += block.Extent()
		expected = block.PayloadEnd()
	}

	if covered != size {
		return summary, errors.Errorf("the region is %d bytes, but its blocks only added up to %d", size, covered)
	}

	return summary, nil
}

// AddDetailedStatistics sums the chain's allocations and free ranges into stats. Region counters
// are left to the caller.
func AddDetailedStatistics(first *Block, stats *memutils.DetailedStatistics) {
	for block := first; block != nil; block = block.nextPhysical {
		if block.IsFree() {
			stats.AddUnusedRange(block.Size())
		} else {
			stats.AddAllocation(block.Size())
		}
	}
}

// CheckCorruption verifies the anti-corruption marker at the end of every taken payload in the
// chain. Markers only exist when memutils is built with the debug_mem_utils build tag; without it,
// this method always succeeds.
func CheckCorruption(first *Block) error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	for block := first; block != nil; block = block.nextPhysical {
		if block.IsTaken() && !memutils.ValidateMagicValue(block.PayloadAddress(), block.Size()-memutils.DebugMargin) {
			return errors.Errorf("memory corruption detected after the allocation at %#x", uintptr(block.PayloadAddress()))
		}
	}

	return nil
}

// PrintDetailedMap writes one object per block of the chain into json, with offsets relative to
// base
func PrintDetailedMap(first *Block, base unsafe.Pointer, json *jwriter.ArrayState) {
	for block := first; block != nil; block = block.nextPhysical {
		obj := json.Object()

		obj.Name("Offset").Int(int(block.Address() - uintptr(base)))
		obj.Name("Size").Int(block.Size())
		if block.IsFree() {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("TAKEN")
		}

		obj.End()
	}
}
