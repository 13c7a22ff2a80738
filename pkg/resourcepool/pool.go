package resourcepool

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInsufficientCapacity is returned by TryAllocate when the pool cannot
// satisfy a request; it never blocks waiting for capacity to free up.
var ErrInsufficientCapacity = errors.New("resourcepool: insufficient capacity")

// Allocation is a disjoint slice of the pool's capacity handed to one run.
// Zero value means "no allocation" and is safe to Release (a no-op).
type Allocation struct {
	CPUSet      []int
	GPUSet      []int
	MemoryBytes int64
}

// Pool tracks a worker's installed cpus, gpus, and memory and hands out
// disjoint slices of them. Allocate/Release never block.
type Pool struct {
	mu sync.Mutex

	// cpuInUse[i] / gpuInUse[i] is true while core/device i is allocated
	// to a live run.
	cpuInUse []bool
	gpuInUse []bool

	totalMemoryBytes int64
	usedMemoryBytes  int64
}

// New creates a pool with the given installed capacity.
func New(cpus, gpus int, totalMemoryBytes int64) *Pool {
	return &Pool{
		cpuInUse:         make([]bool, cpus),
		gpuInUse:         make([]bool, gpus),
		totalMemoryBytes: totalMemoryBytes,
	}
}

func allocateLowest(inUse []bool, count int) ([]int, bool) {
	if count == 0 {
		return nil, true
	}
	var picked []int
	for i, taken := range inUse {
		if !taken {
			picked = append(picked, i)
			if len(picked) == count {
				return picked, true
			}
		}
	}
	return nil, false
}

// TryAllocate attempts to reserve cpus cores, gpus devices, and memoryBytes
// of memory, choosing the lowest-index free cores/devices deterministically.
// Returns ErrInsufficientCapacity if any one of the three cannot be
// satisfied; partial allocations are never made.
func (p *Pool) TryAllocate(cpus, gpus int, memoryBytes int64) (Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.usedMemoryBytes+memoryBytes > p.totalMemoryBytes {
		return Allocation{}, fmt.Errorf("%w: memory", ErrInsufficientCapacity)
	}

	cpuSet, ok := allocateLowest(p.cpuInUse, cpus)
	if !ok {
		return Allocation{}, fmt.Errorf("%w: cpus", ErrInsufficientCapacity)
	}
	gpuSet, ok := allocateLowest(p.gpuInUse, gpus)
	if !ok {
		return Allocation{}, fmt.Errorf("%w: gpus", ErrInsufficientCapacity)
	}

	for _, c := range cpuSet {
		p.cpuInUse[c] = true
	}
	for _, g := range gpuSet {
		p.gpuInUse[g] = true
	}
	p.usedMemoryBytes += memoryBytes

	return Allocation{CPUSet: cpuSet, GPUSet: gpuSet, MemoryBytes: memoryBytes}, nil
}

// Reattach marks a specific, previously-known allocation as in use without
// going through lowest-index selection. Used when resuming runs that
// survived a worker crash and already hold specific cores/devices.
func (p *Pool) Reattach(a Allocation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range a.CPUSet {
		if c < 0 || c >= len(p.cpuInUse) {
			return fmt.Errorf("resourcepool: cpu index %d out of range", c)
		}
	}
	for _, g := range a.GPUSet {
		if g < 0 || g >= len(p.gpuInUse) {
			return fmt.Errorf("resourcepool: gpu index %d out of range", g)
		}
	}

	for _, c := range a.CPUSet {
		p.cpuInUse[c] = true
	}
	for _, g := range a.GPUSet {
		p.gpuInUse[g] = true
	}
	p.usedMemoryBytes += a.MemoryBytes

	return nil
}

// Release returns an allocation's cores, devices, and memory to the pool.
func (p *Pool) Release(a Allocation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range a.CPUSet {
		if c >= 0 && c < len(p.cpuInUse) {
			p.cpuInUse[c] = false
		}
	}
	for _, g := range a.GPUSet {
		if g >= 0 && g < len(p.gpuInUse) {
			p.gpuInUse[g] = false
		}
	}
	p.usedMemoryBytes -= a.MemoryBytes
	if p.usedMemoryBytes < 0 {
		p.usedMemoryBytes = 0
	}
}

// FreeCapacity reports currently unallocated cpus, gpus, and memory bytes.
func (p *Pool) FreeCapacity() (cpus, gpus int, memoryBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, taken := range p.cpuInUse {
		if !taken {
			cpus++
		}
	}
	for _, taken := range p.gpuInUse {
		if !taken {
			gpus++
		}
	}
	return cpus, gpus, p.totalMemoryBytes - p.usedMemoryBytes
}

// TotalCapacity reports the pool's installed cpus, gpus, and memory bytes.
func (p *Pool) TotalCapacity() (cpus, gpus int, memoryBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cpuInUse), len(p.gpuInUse), p.totalMemoryBytes
}
