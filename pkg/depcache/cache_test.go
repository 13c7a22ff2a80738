package depcache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	calls   int32
	delay   time.Duration
	failKey string
}

func (f *fakeFetcher) FetchDependency(ctx context.Context, parentUUID, subpath, partialPath string, onProgress func(int64) bool) (bool, int64, error) {
	atomic.AddInt32(&f.calls, 1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return false, 0, ctx.Err()
		}
	}

	if f.failKey != "" && subpath == f.failKey {
		return false, 0, fmt.Errorf("simulated failure")
	}

	if err := os.WriteFile(partialPath, []byte("payload"), 0o644); err != nil {
		return false, 0, err
	}
	onProgress(7)
	return false, 7, nil
}

func newTestCache(t *testing.T, quota int64, fetcher Fetcher) *Cache {
	dir := t.TempDir()
	return New(Config{WorkDir: dir, QuotaBytes: quota, EvictionInterval: time.Hour}, fetcher)
}

func TestAcquire_SingleDownloadUnderConcurrency(t *testing.T) {
	fetcher := &fakeFetcher{delay: 20 * time.Millisecond}
	c := newTestCache(t, 0, fetcher)

	const n = 20
	var wg sync.WaitGroup
	paths := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.Acquire(context.Background(), "parent-1", "data/file.csv")
			paths[i] = p
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls), "exactly one physical download for N concurrent acquirers")

	entries := c.engine.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, n, entries[0].Refcount, "refcount must track every concurrent acquirer, not just the singleflight leader")
}

func TestAcquire_ReacquireReadyEntrySkipsFetch(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := newTestCache(t, 0, fetcher)

	_, err := c.Acquire(context.Background(), "parent-1", "sub")
	require.NoError(t, err)

	_, err = c.Acquire(context.Background(), "parent-1", "sub")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))
}

func TestAcquire_DownloadFailurePropagatesToAllWaiters(t *testing.T) {
	fetcher := &fakeFetcher{delay: 10 * time.Millisecond, failKey: "broken"}
	c := newTestCache(t, 0, fetcher)

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Acquire(context.Background(), "parent-1", "broken")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.ErrorIs(t, errs[i], ErrDependencyFailed)
	}

	c.mu.Lock()
	_, stillPending := c.paths[key("parent-1", "broken")]
	c.mu.Unlock()
	assert.False(t, stillPending, "a failed download must not be registered as ready")
}

func TestReleaseThenEvict_RemovesIdleEntry(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := newTestCache(t, 1, fetcher) // tiny quota: any ready entry is over quota

	localPath, err := c.Acquire(context.Background(), "parent-1", "sub")
	require.NoError(t, err)
	require.FileExists(t, localPath)

	c.Release("parent-1", "sub")
	c.evict()

	assert.NoFileExists(t, localPath)
	assert.Empty(t, c.EnumerateReady())

	// an evicted entry is gone for real: the next acquire re-downloads
	_, err = c.Acquire(context.Background(), "parent-1", "sub")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetcher.calls))
}

func TestEvict_LeavesInUseEntriesAlone(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := newTestCache(t, 1, fetcher)

	localPath, err := c.Acquire(context.Background(), "parent-1", "sub")
	require.NoError(t, err)

	// no Release: refcount stays 1, entry must survive eviction
	c.evict()
	assert.FileExists(t, localPath)
	assert.Len(t, c.EnumerateReady(), 1)
}

// The leader (the acquirer whose goroutine wins the race to start the
// singleflight call) drives the actual fetch context: cancelling it aborts
// the one shared download, failing every waiter, matching the behavior
// expected when a run is killed mid-staging.
func TestAcquire_LeaderCancelAbortsSharedDownloadForAllWaiters(t *testing.T) {
	fetcher := &fakeFetcher{delay: 50 * time.Millisecond}
	c := newTestCache(t, 0, fetcher)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()

	var leaderErr, followerErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, leaderErr = c.Acquire(leaderCtx, "parent-1", "sub")
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		defer wg.Done()
		_, followerErr = c.Acquire(context.Background(), "parent-1", "sub")
	}()

	time.Sleep(5 * time.Millisecond)
	cancelLeader()
	wg.Wait()

	assert.Error(t, leaderErr)
	assert.Error(t, followerErr, "a follower sharing the aborted download must also observe failure")
}

// A follower's own context cancelling does not affect the leader or the
// shared download: it only stops that one caller's wait.
func TestAcquire_FollowerCancelDoesNotAbortLeaderDownload(t *testing.T) {
	fetcher := &fakeFetcher{delay: 30 * time.Millisecond}
	c := newTestCache(t, 0, fetcher)

	var leaderErr, followerErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, leaderErr = c.Acquire(context.Background(), "parent-1", "sub")
	}()

	followerCtx, cancelFollower := context.WithCancel(context.Background())
	time.Sleep(5 * time.Millisecond)
	go func() {
		defer wg.Done()
		_, followerErr = c.Acquire(followerCtx, "parent-1", "sub")
	}()

	time.Sleep(5 * time.Millisecond)
	cancelFollower()
	wg.Wait()

	assert.NoError(t, leaderErr, "leader's own wait is unaffected by a follower cancelling")
	assert.ErrorIs(t, followerErr, context.Canceled)
}
