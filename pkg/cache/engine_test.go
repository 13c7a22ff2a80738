package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquireUnknownKey(t *testing.T) {
	e := NewEngine(1000)
	assert.False(t, e.Acquire("missing"))
}

func TestAddAcquireRelease(t *testing.T) {
	e := NewEngine(1000)
	e.Add("a", 100)

	assert.True(t, e.Acquire("a"))
	assert.Equal(t, 2, e.Entries()[0].Refcount)

	e.Release("a")
	e.Release("a")
	assert.Equal(t, 0, e.Entries()[0].Refcount)

	// releasing past zero must not go negative
	e.Release("a")
	assert.Equal(t, 0, e.Entries()[0].Refcount)
}

func TestEvictionCandidates_OnlyIdleEntries(t *testing.T) {
	e := NewEngine(150)
	e.Add("busy", 100) // refcount 1, never released: not a candidate
	e.Add("idle", 100) // refcount 1
	e.Release("idle")  // refcount 0: eviction candidate

	candidates := e.EvictionCandidates()
	assert.Equal(t, []string{"idle"}, candidates)
}

func TestEvictionCandidates_OldestFirst(t *testing.T) {
	e := NewEngine(50)

	e.Add("first", 40)
	e.Release("first")
	time.Sleep(time.Millisecond)
	e.Add("second", 40)
	e.Release("second")

	candidates := e.EvictionCandidates()
	assert.Equal(t, []string{"first"}, candidates, "oldest last-used entry must be evicted first")
}

func TestEvictionCandidates_UnderQuotaReturnsNil(t *testing.T) {
	e := NewEngine(1000)
	e.Add("a", 10)
	e.Release("a")
	assert.Nil(t, e.EvictionCandidates())
}

func TestEvictionCandidates_UnboundedEngineNeverEvicts(t *testing.T) {
	e := NewEngine(0)
	e.Add("a", 1<<40)
	e.Release("a")
	assert.Nil(t, e.EvictionCandidates())
}

func TestRemoveIfIdle(t *testing.T) {
	e := NewEngine(1000)
	e.Add("a", 10)

	assert.False(t, e.RemoveIfIdle("a"), "an in-use entry must survive")
	assert.True(t, e.Has("a"))

	e.Release("a")
	assert.True(t, e.RemoveIfIdle("a"))
	assert.False(t, e.Has("a"))

	assert.False(t, e.RemoveIfIdle("a"), "removing an absent key reports false")
}

func TestRemove(t *testing.T) {
	e := NewEngine(1000)
	e.Add("a", 10)
	e.Remove("a")
	assert.False(t, e.Has("a"))
	assert.Equal(t, int64(0), e.TotalBytes())
}
