package resourcepool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAllocate_LowestIndexFirst(t *testing.T) {
	p := New(4, 2, 1<<30)

	a1, err := p.TryAllocate(2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, a1.CPUSet)

	p.Release(Allocation{CPUSet: []int{0}})

	a2, err := p.TryAllocate(1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, a2.CPUSet, "released lowest index should be picked again before higher-index free cores")
}

func TestTryAllocate_InsufficientCapacity(t *testing.T) {
	tests := []struct {
		name        string
		cpus, gpus  int
		memoryBytes int64
	}{
		{"too many cpus", 5, 0, 0},
		{"too many gpus", 0, 3, 0},
		{"too much memory", 0, 0, 2 << 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(4, 2, 1<<30)
			_, err := p.TryAllocate(tt.cpus, tt.gpus, tt.memoryBytes)
			assert.ErrorIs(t, err, ErrInsufficientCapacity)
		})
	}
}

func TestTryAllocate_PartialFailureAllocatesNothing(t *testing.T) {
	p := New(2, 0, 1<<30)

	_, err := p.TryAllocate(1, 5, 0)
	require.ErrorIs(t, err, ErrInsufficientCapacity)

	cpus, _, _ := p.FreeCapacity()
	assert.Equal(t, 2, cpus, "a failed allocation must not consume any of the cpus it would have used")
}

func TestReattachThenRelease(t *testing.T) {
	p := New(4, 0, 1<<30)

	require.NoError(t, p.Reattach(Allocation{CPUSet: []int{2, 3}, MemoryBytes: 100}))

	cpus, _, mem := p.FreeCapacity()
	assert.Equal(t, 2, cpus)
	assert.Equal(t, int64(1<<30-100), mem)

	a, err := p.TryAllocate(2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, a.CPUSet)

	p.Release(Allocation{CPUSet: []int{2, 3}, MemoryBytes: 100})
	cpus, _, mem = p.FreeCapacity()
	assert.Equal(t, 2, cpus)
	assert.Equal(t, int64(1<<30), mem)
}

// TestConcurrentAllocateRelease seeds concurrent allocate/release traffic and
// asserts the pool never exceeds its installed capacity (invariant: sum over
// live allocations never exceeds installed capacity).
func TestConcurrentAllocateRelease(t *testing.T) {
	const cores = 8
	p := New(cores, 0, 0)

	var wg sync.WaitGroup
	allocs := make(chan Allocation, 1000)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				a, err := p.TryAllocate(1, 0, 0)
				if err == nil {
					allocs <- a
				}
			}
		}()
	}
	wg.Wait()
	close(allocs)

	seen := make(map[int]bool)
	for a := range allocs {
		for _, c := range a.CPUSet {
			require.False(t, seen[c], "core %d double-allocated", c)
			seen[c] = true
		}
		p.Release(a)
	}

	cpus, _, _ := p.FreeCapacity()
	assert.Equal(t, cores, cpus, "all cores must be freed after every allocation is released")
}
