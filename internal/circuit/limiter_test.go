package circuit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiterCeiling(t *testing.T) {
	l := NewLimiter()
	l.SetCeiling("provA", 2)

	assert.True(t, l.TryAcquire("provA"))
	assert.True(t, l.TryAcquire("provA"))
	assert.False(t, l.TryAcquire("provA"), "third acquire must fail at ceiling 2")
	assert.Equal(t, 2, l.InFlight("provA"))

	l.Release("provA")
	assert.True(t, l.TryAcquire("provA"))
}

func TestLimiterUnlimitedWhenNoCeiling(t *testing.T) {
	l := NewLimiter()
	for i := 0; i < 100; i++ {
		assert.True(t, l.TryAcquire("provB"))
	}
	assert.Equal(t, 100, l.InFlight("provB"))
}

func TestLimiterHasCapacityReadOnly(t *testing.T) {
	l := NewLimiter()
	l.SetCeiling("provA", 1)

	assert.True(t, l.HasCapacity("provA"))
	assert.True(t, l.HasCapacity("provA"))
	assert.Equal(t, 0, l.InFlight("provA"), "HasCapacity must not acquire")

	assert.True(t, l.TryAcquire("provA"))
	assert.False(t, l.HasCapacity("provA"))
}

func TestLimiterReleaseClampsAtZero(t *testing.T) {
	l := NewLimiter()
	l.Release("provA")
	assert.Equal(t, 0, l.InFlight("provA"))
}

func TestLimiterConcurrent(t *testing.T) {
	l := NewLimiter()
	l.SetCeiling("provA", 10)

	var admitted sync.Map
	var wg sync.WaitGroup
	var count int64
	var mu sync.Mutex

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if l.TryAcquire("provA") {
				admitted.Store(n, true)
				mu.Lock()
				count++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, count, int64(10), "admissions must never exceed the ceiling")
	assert.Equal(t, int(count), l.InFlight("provA"))
}
