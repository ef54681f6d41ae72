// Package metrics exports allocator statistics to Prometheus.
package metrics

import (
	"github.com/memalloc/memalloc/memutils"
	"github.com/memalloc/memalloc/osmem"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is the part of a memalloc.Allocator the collector reads from
type StatsSource interface {
	Statistics(stats *memutils.Statistics)
	FreeBytesAvailable() int
	Budget() osmem.Budget
}

var (
	regionsDesc = prometheus.NewDesc(
		"memalloc_regions",
		"The current number of regions mapped from the operating system.",
		[]string{"allocator"},
		nil,
	)
	regionBytesDesc = prometheus.NewDesc(
		"memalloc_region_bytes",
		"The total size of all mapped regions.",
		[]string{"allocator"},
		nil,
	)
	allocationsDesc = prometheus.NewDesc(
		"memalloc_allocations",
		"The current number of live allocations.",
		[]string{"allocator"},
		nil,
	)
	allocationBytesDesc = prometheus.NewDesc(
		"memalloc_allocation_bytes",
		"The payload bytes held by live allocations, including rounding.",
		[]string{"allocator"},
		nil,
	)
	freeBytesDesc = prometheus.NewDesc(
		"memalloc_free_bytes",
		"The payload bytes held by free blocks.",
		[]string{"allocator"},
		nil,
	)
	heapLimitDesc = prometheus.NewDesc(
		"memalloc_heap_limit_bytes",
		"The most that may be mapped at once. 0 means unlimited.",
		[]string{"allocator"},
		nil,
	)
)

// Collector is a prometheus.Collector reporting the state of one or more allocators, each under
// its own "allocator" label
type Collector struct {
	sources map[string]StatsSource
}

var _ prometheus.Collector = &Collector{}

// NewCollector returns a collector over the given allocators, keyed by label value
func NewCollector(sources map[string]StatsSource) *Collector {
	return &Collector{sources: sources}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- regionsDesc
	descs <- regionBytesDesc
	descs <- allocationsDesc
	descs <- allocationBytesDesc
	descs <- freeBytesDesc
	descs <- heapLimitDesc
}

func (c *Collector) Collect(m chan<- prometheus.Metric) {
	for name, source := range c.sources {
		var stats memutils.Statistics
		source.Statistics(&stats)
		budget := source.Budget()

		m <- prometheus.MustNewConstMetric(regionsDesc, prometheus.GaugeValue, float64(stats.RegionCount), name)
		m <- prometheus.MustNewConstMetric(regionBytesDesc, prometheus.GaugeValue, float64(stats.RegionBytes), name)
		m <- prometheus.MustNewConstMetric(allocationsDesc, prometheus.GaugeValue, float64(stats.AllocationCount), name)
		m <- prometheus.MustNewConstMetric(allocationBytesDesc, prometheus.GaugeValue, float64(stats.AllocationBytes), name)
		m <- prometheus.MustNewConstMetric(freeBytesDesc, prometheus.GaugeValue, float64(source.FreeBytesAvailable()), name)
		m <- prometheus.MustNewConstMetric(heapLimitDesc, prometheus.GaugeValue, float64(budget.Limit), name)
	}
}
