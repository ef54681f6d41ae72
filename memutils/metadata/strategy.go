package metadata

import "github.com/cockroachdb/errors"

// AllocationStrategy selects how FreeList.CreateAllocationRequest picks among the free blocks
// that could host a request.
type AllocationStrategy uint32

const (
	// StrategyFirstFit takes the first block in free list order that is large enough. It touches
	// the fewest headers, at the cost of some fragmentation.
	StrategyFirstFit AllocationStrategy = iota
	// StrategyBestFit takes the smallest block that is large enough, breaking ties by taking the
	// lowest address. Every free block is visited on each request.
	StrategyBestFit
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	StrategyFirstFit: "first-fit",
	StrategyBestFit:  "best-fit",
}

func (s AllocationStrategy) String() string {
	name, ok := allocationStrategyMapping[s]
	if !ok {
		return "Unknown"
	}
	return name
}

// IsValid reports whether s is one of the strategies declared in this package
func (s AllocationStrategy) IsValid() bool {
	_, ok := allocationStrategyMapping[s]
	return ok
}

// ParseAllocationStrategy maps the output of AllocationStrategy.String back to a strategy
func ParseAllocationStrategy(name string) (AllocationStrategy, error) {
	for strategy, strategyName := range allocationStrategyMapping {
		if strategyName == name {
			return strategy, nil
		}
	}

	return StrategyFirstFit, errors.Newf("unknown allocation strategy %q", name)
}
