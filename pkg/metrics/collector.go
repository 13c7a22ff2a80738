package metrics

import "time"

// Source is implemented by whatever component owns live worker state
// (resource pool, caches, run table) and is polled periodically to refresh
// the gauges that aren't updated inline by their owning operation.
type Source interface {
	// FreeCapacity reports currently unallocated cpus, gpus, and memory bytes.
	FreeCapacity() (cpus, gpus int, memoryBytes int64)

	// DependencyCacheStats reports total bytes on disk and entry counts
	// keyed by download state ("downloading", "ready", "failed").
	DependencyCacheStats() (bytes int64, countsByState map[string]int)

	// ImageCacheStats reports total bytes on disk and number of images held.
	ImageCacheStats() (bytes int64, count int)

	// ActiveRunCounts reports the number of runs currently in each
	// non-terminal state.
	ActiveRunCounts() map[string]int
}

// Collector periodically polls a Source and refreshes the corresponding
// gauges.
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every interval.
func (c *Collector) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectResourcePool()
	c.collectDependencyCache()
	c.collectImageCache()
	c.collectRuns()
}

func (c *Collector) collectResourcePool() {
	cpus, gpus, mem := c.source.FreeCapacity()
	ResourcePoolCPUsFree.Set(float64(cpus))
	ResourcePoolGPUsFree.Set(float64(gpus))
	ResourcePoolMemoryFreeBytes.Set(float64(mem))
}

func (c *Collector) collectDependencyCache() {
	bytes, counts := c.source.DependencyCacheStats()
	DependencyCacheBytes.Set(float64(bytes))
	for state, count := range counts {
		DependencyCacheEntries.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectImageCache() {
	bytes, count := c.source.ImageCacheStats()
	ImageCacheBytes.Set(float64(bytes))
	ImageCacheEntries.Set(float64(count))
}

func (c *Collector) collectRuns() {
	for state, count := range c.source.ActiveRunCounts() {
		RunsActive.WithLabelValues(state).Set(float64(count))
	}
}
