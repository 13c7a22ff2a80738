package depcache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/codalab/worker-agent/pkg/cache"
	"github.com/codalab/worker-agent/pkg/log"
	"github.com/codalab/worker-agent/pkg/metrics"
)

// ErrDependencyFailed is returned to every waiter (leader and followers
// alike) when a dependency download fails.
var ErrDependencyFailed = errors.New("depcache: dependency download failed")

// Fetcher materializes one dependency into partialPath, calling onProgress
// as bytes arrive; onProgress returning false cancels the fetch. kind
// reports whether the payload was a single file or an unpacked directory
// tree.
type Fetcher interface {
	FetchDependency(ctx context.Context, parentUUID, subpath, partialPath string, onProgress func(bytesSoFar int64) bool) (isDirectory bool, byteSize int64, err error)
}

// Config holds depcache tuning knobs.
type Config struct {
	WorkDir          string
	QuotaBytes       int64
	EvictionInterval time.Duration
}

// ReadyEntry is one entry reported during check-in.
type ReadyEntry struct {
	ParentUUID string
	ParentPath string
}

// Cache is the worker's dependency cache.
type Cache struct {
	cfg     Config
	fetcher Fetcher
	engine  *cache.Engine
	sf      singleflight.Group

	mu       sync.Mutex
	paths    map[string]string // key -> local path, ready entries only
	keyParts map[string][2]string

	stopCh chan struct{}
}

// New creates a dependency cache rooted at cfg.WorkDir.
func New(cfg Config, fetcher Fetcher) *Cache {
	return &Cache{
		cfg:      cfg,
		fetcher:  fetcher,
		engine:   cache.NewEngine(cfg.QuotaBytes),
		paths:    make(map[string]string),
		keyParts: make(map[string][2]string),
		stopCh:   make(chan struct{}),
	}
}

func key(parentUUID, subpath string) string {
	return parentUUID + "/" + subpath
}

// diskKey flattens a cache key into a single path segment so every entry
// lives directly under WorkDir, whatever its subpath contains, and can be
// mapped back to its (parent_uuid, subpath) pair on reconcile.
func diskKey(k string) string {
	return url.QueryEscape(k)
}

func parseDiskKey(name string) (parentUUID, subpath string, ok bool) {
	k, err := url.QueryUnescape(name)
	if err != nil {
		return "", "", false
	}
	i := strings.Index(k, "/")
	if i < 0 {
		return "", "", false
	}
	return k[:i], k[i+1:], true
}

// Acquire registers the caller as a user of (parentUUID, subpath), fetching
// it first if necessary. Exactly one Fetcher call happens per key no matter
// how many goroutines call Acquire concurrently for it. ctx cancellation
// aborts the fetch only when the caller is the one performing it (the
// singleflight leader); followers simply stop waiting.
func (c *Cache) Acquire(ctx context.Context, parentUUID, subpath string) (localPath string, err error) {
	k := key(parentUUID, subpath)

	if c.engine.Acquire(k) {
		c.mu.Lock()
		p := c.paths[k]
		c.mu.Unlock()
		return p, nil
	}

	resCh := make(chan singleflightResult, 1)
	go func() {
		v, err, shared := c.sf.Do(k, func() (interface{}, error) {
			return c.download(ctx, parentUUID, subpath, k)
		})
		resCh <- singleflightResult{v: v, err: err, shared: shared}
	}()

	select {
	case r := <-resCh:
		if r.err != nil {
			return "", r.err
		}
		res := r.v.(downloadResult)
		// Every caller sharing this singleflight result — leader and
		// followers alike — holds its own reference; download() leaves
		// the entry at refcount 0 so each concurrent Acquire accounts
		// for exactly the callers actually present.
		c.engine.Acquire(k)
		return res.path, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type singleflightResult struct {
	v      interface{}
	err    error
	shared bool
}

type downloadResult struct {
	path string
	size int64
}

func (c *Cache) download(ctx context.Context, parentUUID, subpath, k string) (interface{}, error) {
	partialPath := filepath.Join(c.cfg.WorkDir, diskKey(k)+".partial")
	finalPath := filepath.Join(c.cfg.WorkDir, diskKey(k))

	if err := os.MkdirAll(c.cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("depcache: failed to create cache dir: %w", err)
	}

	timer := metrics.NewTimer()
	_, size, err := c.fetcher.FetchDependency(ctx, parentUUID, subpath, partialPath, func(int64) bool {
		return ctx.Err() == nil
	})
	timer.ObserveDuration(metrics.DependencyDownloadDuration)

	if err != nil {
		os.RemoveAll(partialPath)
		log.WithComponent("depcache").Error().Err(err).Str("key", k).Msg("dependency download failed")
		return nil, fmt.Errorf("%w: %v", ErrDependencyFailed, err)
	}

	if err := os.Rename(partialPath, finalPath); err != nil {
		os.RemoveAll(partialPath)
		return nil, fmt.Errorf("%w: rename failed: %v", ErrDependencyFailed, err)
	}

	c.mu.Lock()
	c.paths[k] = finalPath
	c.keyParts[k] = [2]string{parentUUID, subpath}
	c.mu.Unlock()

	// Add leaves a fresh entry at refcount 1; release that placeholder
	// hold immediately since the real holders (every concurrent Acquire
	// sharing this result, including this one) register themselves right
	// after download returns.
	c.engine.Add(k, size)
	c.engine.Release(k)
	log.WithComponent("depcache").Info().Str("key", k).Int64("bytes", size).Msg("dependency ready")

	return downloadResult{path: finalPath, size: size}, nil
}

// Release decrements the refcount on (parentUUID, subpath); the entry
// becomes eligible for background eviction once it reaches zero.
func (c *Cache) Release(parentUUID, subpath string) {
	c.engine.Release(key(parentUUID, subpath))
}

// Pin marks an already-present entry as in use without fetching anything,
// reporting whether the entry existed. Used when resuming runs that
// already hold the entry's files as live bind mounts.
func (c *Cache) Pin(parentUUID, subpath string) bool {
	return c.engine.Acquire(key(parentUUID, subpath))
}

// Reconcile adopts whatever the on-disk cache directory already holds as
// ready, zero-refcount entries, and clears out partial downloads left
// behind by a crash. Call once at startup, before resuming any previous
// runs.
func (c *Cache) Reconcile() error {
	dirents, err := os.ReadDir(c.cfg.WorkDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("depcache: reconcile: %w", err)
	}

	for _, de := range dirents {
		name := de.Name()
		p := filepath.Join(c.cfg.WorkDir, name)

		if strings.HasSuffix(name, ".partial") {
			if rmErr := os.RemoveAll(p); rmErr != nil {
				log.WithComponent("depcache").Warn().Err(rmErr).Str("path", p).Msg("failed to remove stale partial download")
			}
			continue
		}

		parentUUID, subpath, ok := parseDiskKey(name)
		if !ok {
			log.WithComponent("depcache").Warn().Str("path", p).Msg("unrecognized file in cache dir, leaving in place")
			continue
		}
		k := key(parentUUID, subpath)
		if c.engine.Has(k) {
			continue
		}

		size := entrySize(p)
		c.mu.Lock()
		c.paths[k] = p
		c.keyParts[k] = [2]string{parentUUID, subpath}
		c.mu.Unlock()
		c.engine.Add(k, size)
		c.engine.Release(k)
	}
	return nil
}

// entrySize reports an entry's on-disk footprint: the file's size, or the
// sum over an unpacked directory tree's regular files.
func entrySize(p string) int64 {
	info, err := os.Stat(p)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	filepath.Walk(p, func(_ string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return nil
		}
		total += fi.Size()
		return nil
	})
	return total
}

// EnumerateReady lists every ready entry, for check-in reporting.
func (c *Cache) EnumerateReady() []ReadyEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ReadyEntry, 0, len(c.keyParts))
	for k, parts := range c.keyParts {
		if !c.engine.Has(k) {
			continue
		}
		out = append(out, ReadyEntry{ParentUUID: parts[0], ParentPath: parts[1]})
	}
	return out
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
	for _, k := range c.engine.EvictionCandidates() {
		c.mu.Lock()
		p := c.paths[k]
		c.mu.Unlock()

		if p == "" {
			continue
		}

		// Drop the bookkeeping first: a run that re-acquired the entry
		// since candidate selection keeps it (RemoveIfIdle fails), and
		// once the entry is gone a concurrent Acquire re-downloads
		// rather than handing out a path about to be deleted.
		if !c.engine.RemoveIfIdle(k) {
			continue
		}
		c.mu.Lock()
		delete(c.paths, k)
		delete(c.keyParts, k)
		c.mu.Unlock()

		if err := os.RemoveAll(p); err != nil {
			log.WithComponent("depcache").Warn().Err(err).Str("key", k).Str("path", p).
				Msg("evicted entry left orphaned bytes on disk")
		}

		metrics.DependencyCacheEvictionsTotal.Inc()
		log.WithComponent("depcache").Info().Str("key", k).Msg("dependency evicted")
	}
}

// Stats reports total bytes and entry counts, for the metrics collector.
func (c *Cache) Stats() (bytes int64, countsByState map[string]int) {
	entries := c.engine.Entries()
	counts := map[string]int{"ready": len(entries)}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total, counts
}
