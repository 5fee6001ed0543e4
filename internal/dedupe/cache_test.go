// ABOUTME: Tests for the processed-id window
// ABOUTME: Covers expiry, size eviction, sweeping, and the single-winner guarantee

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_FirstSightingIsNotSeen(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.Seen("m1"))
	assert.True(t, c.Seen("m1"))
	assert.True(t, c.Contains("m1"))
	assert.False(t, c.Contains("m2"))
}

func TestCache_Expiry(t *testing.T) {
	c := New(10*time.Millisecond, 10)
	defer c.Close()

	assert.False(t, c.Seen("m1"))
	time.Sleep(20 * time.Millisecond)

	assert.False(t, c.Contains("m1"))
	assert.False(t, c.Seen("m1"), "an expired id counts as new")
	assert.True(t, c.Seen("m1"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for _, id := range []string{"a", "b", "c", "d"} {
		c.Seen(id)
	}

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))
	assert.True(t, c.Contains("d"))
}

func TestCache_SweepStopsAtLiveEntry(t *testing.T) {
	c := New(30*time.Millisecond, 10)
	defer c.Close()

	c.Seen("old-1")
	c.Seen("old-2")
	time.Sleep(40 * time.Millisecond)
	c.Seen("fresh")

	c.sweep()

	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Contains("fresh"))
}

func TestCache_ConcurrentSingleWinner(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("contested") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, c.Close)
}

func TestSweepInterval(t *testing.T) {
	assert.Equal(t, time.Second, sweepInterval(100*time.Millisecond))
	assert.Equal(t, 5*time.Second, sweepInterval(10*time.Second))
	assert.Equal(t, time.Minute, sweepInterval(time.Hour))
}
