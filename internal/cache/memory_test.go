package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetBumpsAccessCount(t *testing.T) {
	m := NewMemory(DefaultMemoryConfig(), nil)
	m.Put(Entry{Key: "k", Payload: []byte("v"), ExpiresAt: time.Now().Add(time.Hour)})

	first := m.Get("k")
	require.NotNil(t, first)
	assert.Equal(t, int64(1), first.AccessCount)

	second := m.Get("k")
	require.NotNil(t, second)
	assert.Equal(t, int64(2), second.AccessCount)
	assert.Equal(t, int64(1), first.AccessCount,
		"returned entries are copies; later lookups must not mutate them")
}

func TestMemoryConcurrentGets(t *testing.T) {
	m := NewMemory(DefaultMemoryConfig(), nil)
	m.Put(Entry{Key: "k", Payload: []byte("v"), ExpiresAt: time.Now().Add(time.Hour)})

	const goroutines = 8
	const lookups = 200
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < lookups; j++ {
				if e := m.Get("k"); e == nil {
					t.Error("resident entry read as miss")
					return
				}
			}
		}()
	}
	wg.Wait()

	e := m.Get("k")
	require.NotNil(t, e)
	assert.Equal(t, int64(goroutines*lookups+1), e.AccessCount,
		"every concurrent lookup must be counted exactly once")
}

func TestMemoryExpiredEntryIsMiss(t *testing.T) {
	m := NewMemory(DefaultMemoryConfig(), nil)
	m.Put(Entry{Key: "k", ExpiresAt: time.Now().Add(-time.Second)})

	assert.Nil(t, m.Get("k"))
	assert.Zero(t, m.Len(), "an expired entry is removed on read")
}

func TestMemoryEvictionCallback(t *testing.T) {
	evicted := 0
	m := NewMemory(MemoryConfig{MaxEntries: 2, TTL: time.Hour}, func(string) { evicted++ })

	for i := 0; i < 3; i++ {
		m.Put(Entry{Key: fmt.Sprintf("k%d", i), ExpiresAt: time.Now().Add(time.Hour)})
	}
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 2, m.Len())
}
