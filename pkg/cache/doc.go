/*
Package cache implements the "refcounted LRU over a byte quota" bookkeeping
shared by the dependency cache and the image cache: both need to track
entry size, last-use time, and in-use refcount, and evict least-recently-used
zero-refcount entries once the quota is exceeded. Neither cache's disk or
runtime I/O belongs here — Engine only decides what to evict, the caller
performs the deletion, dropping the entry with RemoveIfIdle so an entry
re-acquired in the meantime is left alone.
*/
package cache
