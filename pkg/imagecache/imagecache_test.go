package imagecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codalab/worker-agent/pkg/runtime"
)

type fakeRuntime struct {
	mu         sync.Mutex
	images     map[string]int64
	pullCalls  int32
	removed    []string
	pullDelay  time.Duration
	removeErrs int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{images: make(map[string]int64)}
}

func (f *fakeRuntime) PullImage(ctx context.Context, imageRef string) error {
	atomic.AddInt32(&f.pullCalls, 1)
	if f.pullDelay > 0 {
		time.Sleep(f.pullDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[imageRef] = 500
	return nil
}

func (f *fakeRuntime) ListImages(ctx context.Context) ([]runtime.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtime.ImageInfo, 0, len(f.images))
	for ref, size := range f.images {
		out = append(out, runtime.ImageInfo{Reference: ref, SizeBytes: size})
	}
	return out, nil
}

func (f *fakeRuntime) RemoveImage(ctx context.Context, imageRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErrs > 0 {
		f.removeErrs--
		return errors.New("image in use by a running container")
	}
	delete(f.images, imageRef)
	f.removed = append(f.removed, imageRef)
	return nil
}

func (f *fakeRuntime) has(imageRef string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.images[imageRef]
	return ok
}

func TestEnsurePresent_SinglePullUnderConcurrency(t *testing.T) {
	rt := newFakeRuntime()
	rt.pullDelay = 10 * time.Millisecond
	c := New(Config{QuotaBytes: 0, EvictionInterval: time.Hour}, rt)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, c.EnsurePresent(context.Background(), "alpine:3.19"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&rt.pullCalls))
}

func TestEnsurePresent_AlreadyReadySkipsPull(t *testing.T) {
	rt := newFakeRuntime()
	c := New(Config{QuotaBytes: 0, EvictionInterval: time.Hour}, rt)

	require.NoError(t, c.EnsurePresent(context.Background(), "alpine:3.19"))
	require.NoError(t, c.EnsurePresent(context.Background(), "alpine:3.19"))

	assert.Equal(t, int32(1), atomic.LoadInt32(&rt.pullCalls))
}

func TestReconcile_AdoptsExistingImagesAsIdle(t *testing.T) {
	rt := newFakeRuntime()
	rt.images["ubuntu:22.04"] = 900

	c := New(Config{QuotaBytes: 100, EvictionInterval: time.Hour}, rt)
	require.NoError(t, c.Reconcile(context.Background()))

	c.evict()
	assert.Contains(t, rt.removed, "ubuntu:22.04", "adopted images start idle and are evictable immediately")
}

func TestRelease_MakesImageEvictable(t *testing.T) {
	rt := newFakeRuntime()
	c := New(Config{QuotaBytes: 1, EvictionInterval: time.Hour}, rt)

	require.NoError(t, c.EnsurePresent(context.Background(), "alpine:3.19"))
	c.evict()
	assert.Empty(t, rt.removed, "in-use image must not be evicted")

	c.Release("alpine:3.19")
	c.evict()
	assert.Contains(t, rt.removed, "alpine:3.19")
}

func TestEvict_RemoveFailureKeepsEntryForRetry(t *testing.T) {
	rt := newFakeRuntime()
	rt.removeErrs = 1
	c := New(Config{QuotaBytes: 1, EvictionInterval: time.Hour}, rt)

	require.NoError(t, c.EnsurePresent(context.Background(), "alpine:3.19"))
	c.Release("alpine:3.19")

	c.evict()
	assert.Empty(t, rt.removed, "refused removal must not count as evicted")
	_, count := c.Stats()
	assert.Equal(t, 1, count, "entry must stay tracked so the next cycle retries")

	c.evict()
	assert.Contains(t, rt.removed, "alpine:3.19")
}

// An image a caller holds a reference to must never be deleted, no matter
// how eviction interleaves with acquire/release on the same reference.
func TestEvict_ConcurrentAcquireNeverLosesHeldImage(t *testing.T) {
	rt := newFakeRuntime()
	c := New(Config{QuotaBytes: 1, EvictionInterval: time.Hour}, rt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			c.evict()
		}
	}()

	for i := 0; i < 200; i++ {
		require.NoError(t, c.EnsurePresent(context.Background(), "alpine:3.19"))
		assert.True(t, rt.has("alpine:3.19"), "held image was deleted by concurrent eviction")
		c.Release("alpine:3.19")
	}
	<-done
}

func TestStats_ReportsBytesAndCount(t *testing.T) {
	rt := newFakeRuntime()
	c := New(Config{QuotaBytes: 0, EvictionInterval: time.Hour}, rt)

	require.NoError(t, c.EnsurePresent(context.Background(), "alpine:3.19"))

	bytes, count := c.Stats()
	assert.Equal(t, int64(500), bytes)
	assert.Equal(t, 1, count)
}
