package imagecache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/codalab/worker-agent/pkg/cache"
	"github.com/codalab/worker-agent/pkg/log"
	"github.com/codalab/worker-agent/pkg/metrics"
	"github.com/codalab/worker-agent/pkg/runtime"
)

// Runtime is the subset of the container runtime adapter the image cache
// needs; satisfied by *runtime.ContainerdRuntime.
type Runtime interface {
	PullImage(ctx context.Context, imageRef string) error
	ListImages(ctx context.Context) ([]runtime.ImageInfo, error)
	RemoveImage(ctx context.Context, imageRef string) error
}

// Config holds imagecache tuning knobs.
type Config struct {
	QuotaBytes       int64
	EvictionInterval time.Duration
}

// Cache is the worker's image cache.
type Cache struct {
	cfg Config
	rt  Runtime

	engine *cache.Engine
	sf     singleflight.Group

	stopCh chan struct{}
}

// New creates an image cache backed by rt.
func New(cfg Config, rt Runtime) *Cache {
	return &Cache{
		cfg:    cfg,
		rt:     rt,
		engine: cache.NewEngine(cfg.QuotaBytes),
		stopCh: make(chan struct{}),
	}
}

// Reconcile adopts every image the runtime already has pulled as a
// ready, zero-refcount entry. Call once at startup, before resuming any
// previous runs.
func (c *Cache) Reconcile(ctx context.Context) error {
	images, err := c.rt.ListImages(ctx)
	if err != nil {
		return fmt.Errorf("imagecache: reconcile: %w", err)
	}
	for _, img := range images {
		if !c.engine.Has(img.Reference) {
			c.engine.Add(img.Reference, img.SizeBytes)
			c.engine.Release(img.Reference)
		}
	}
	return nil
}

// EnsurePresent pulls imageRef if it is not already cached, and marks it
// in-use. Concurrent EnsurePresent calls for the same reference collapse
// into a single pull; each caller takes its own reference, so a
// successful return always means the image is present AND pinned until
// this caller releases.
func (c *Cache) EnsurePresent(ctx context.Context, imageRef string) error {
	for {
		if c.engine.Acquire(imageRef) {
			return nil
		}

		_, err, _ := c.sf.Do(imageRef, func() (interface{}, error) {
			if c.engine.Has(imageRef) {
				return nil, nil
			}

			timer := metrics.NewTimer()
			pullErr := c.rt.PullImage(ctx, imageRef)
			timer.ObserveDuration(metrics.ImagePullDuration)
			if pullErr != nil {
				return nil, fmt.Errorf("imagecache: pull %s: %w", imageRef, pullErr)
			}

			images, listErr := c.rt.ListImages(ctx)
			if listErr != nil {
				return nil, fmt.Errorf("imagecache: list after pull: %w", listErr)
			}

			var size int64
			for _, img := range images {
				if img.Reference == imageRef {
					size = img.SizeBytes
					break
				}
			}

			// Add starts the entry at refcount 1; release that placeholder
			// hold so each caller sharing this result accounts for itself.
			c.engine.Add(imageRef, size)
			c.engine.Release(imageRef)
			log.WithComponent("imagecache").Info().Str("image", imageRef).Int64("bytes", size).Msg("image ready")
			return nil, nil
		})
		if err != nil {
			return err
		}

		// Loop rather than assume: eviction may have removed the entry
		// between the pull completing and this caller taking its
		// reference, in which case the next iteration re-pulls.
		if c.engine.Acquire(imageRef) {
			return nil
		}
	}
}

// Release decrements imageRef's refcount; it becomes eligible for
// background eviction once it reaches zero.
func (c *Cache) Release(imageRef string) {
	c.engine.Release(imageRef)
}

// Start begins the background eviction loop.
func (c *Cache) Start() {
	go func() {
		ticker := time.NewTicker(c.cfg.EvictionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.evict()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the background eviction loop.
func (c *Cache) Stop() {
	close(c.stopCh)
}

func (c *Cache) evict() {
	ctx := context.Background()

	sizes := make(map[string]int64)
	for _, e := range c.engine.Entries() {
		sizes[e.Key] = e.Size
	}

	for _, ref := range c.engine.EvictionCandidates() {
		// Removal runs through the same singleflight key as pulls, so a
		// remove and a re-pull of one reference can never interleave; a
		// caller that instead joins this removal's flight gets a no-op
		// result, fails its Acquire, and re-pulls on its next loop turn.
		c.sf.Do(ref, func() (interface{}, error) {
			// Drop the bookkeeping first, atomically re-checking the
			// refcount: an EnsurePresent that raced in since candidate
			// selection keeps the image alive instead of having it
			// deleted out from under it.
			if !c.engine.RemoveIfIdle(ref) {
				return nil, nil
			}

			if err := c.rt.RemoveImage(ctx, ref); err != nil {
				// likely still backing a container; restore the entry so
				// the next cycle retries
				c.engine.Add(ref, sizes[ref])
				c.engine.Release(ref)
				log.WithComponent("imagecache").Warn().Err(err).Str("image", ref).Msg("eviction failed, will retry next cycle")
				return nil, nil
			}

			metrics.ImageCacheEvictionsTotal.Inc()
			log.WithComponent("imagecache").Info().Str("image", ref).Msg("image evicted")
			return nil, nil
		})
	}
}

// Stats reports total bytes and entry count, for the metrics collector.
func (c *Cache) Stats() (bytes int64, count int) {
	entries := c.engine.Entries()
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total, len(entries)
}
