/*
Package resourcepool tracks the worker's installed CPUs, GPUs, and memory
and hands out disjoint slices of them to runs.

Allocation is deterministic lowest-index-first: asking for 2 cores on a
4-core pool with core 1 already taken returns {0, 2}, never {0, 3} or a
randomized pick, so behavior is reproducible across runs of the worker
itself. A single mutex serializes every Allocate/Release; neither blocks —
an Allocate that cannot be satisfied returns ErrInsufficientCapacity rather
than waiting for capacity to free up.
*/
package resourcepool
