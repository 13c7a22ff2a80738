/*
Package depcache implements the dependency cache: each (parent_uuid,
parent_subpath) pair is fetched from the bundle service at most once, even
under concurrent acquirers, and materialized under workDir/dependencies.

Acquire/Release track per-entry refcounts; a background goroutine evicts
idle, zero-refcount entries, oldest last-used first, once total bytes
exceed the configured quota. A single download in flight for a given key is
enforced with golang.org/x/sync/singleflight, so N concurrent Acquire calls
for the same key result in exactly one Fetcher invocation.

In-flight downloads are written to a "<key>.partial" path and renamed into
place only on success; a failed or canceled download leaves no partial file
behind. On startup, Reconcile adopts whatever the cache directory already
holds as idle ready entries and sweeps stale partials, so cached bytes
survive a worker restart.
*/
package depcache
