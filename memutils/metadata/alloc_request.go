package metadata

// AllocationRequest is returned from FreeList.CreateAllocationRequest and indicates where the
// list intends to place an allocation. It can be inspected and then committed with FreeList.Alloc.
type AllocationRequest struct {
	// Block is the free block the allocation will be carved from
	Block *Block
	// Offset is the distance in bytes from Block's payload to the payload of the new allocation.
	// It is zero when no alignment padding is required, and otherwise large enough for the
	// padding to become a free block of its own.
	Offset int
	// Size is the payload size of the allocation, already rounded to DefaultAlignment
	Size int
}
