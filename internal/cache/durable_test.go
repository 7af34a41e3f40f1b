package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDurable(t *testing.T) *Durable {
	t.Helper()
	d, err := NewDurable(DurableConfig{Path: ":memory:", MaxEntries: 10})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func testEntry(key string, ttl time.Duration) Entry {
	now := time.Now()
	return Entry{
		Key:              key,
		Payload:          []byte(`{"content":"hello"}`),
		Provider:         "alpha",
		Model:            "alpha-large",
		NormalizedPrompt: "what is the capital of france",
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
		LastAccessed:     now,
		InputTokens:      12,
		OutputTokens:     5,
		CostUSD:          0.0003,
	}
}

func TestDurableRoundTrip(t *testing.T) {
	d := newTestDurable(t)
	ctx := context.Background()

	require.NoError(t, d.Put(ctx, testEntry("k1", time.Hour)))

	got, err := d.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "k1", got.Key)
	assert.Equal(t, "alpha", got.Provider)
	assert.Equal(t, []byte(`{"content":"hello"}`), got.Payload)
	assert.Equal(t, int64(1), got.AccessCount, "hit should bump the access count")

	got, err = d.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.AccessCount)
}

func TestDurableMiss(t *testing.T) {
	d := newTestDurable(t)
	got, err := d.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDurableExpiredRowIsDeleted(t *testing.T) {
	d := newTestDurable(t)
	ctx := context.Background()

	require.NoError(t, d.Put(ctx, testEntry("stale", -time.Minute)))

	got, err := d.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, got, "expired entry must read as a miss")

	n, err := d.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "expired row should be removed on read")
}

func TestDurableScanCandidates(t *testing.T) {
	d := newTestDurable(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		e := testEntry(fmt.Sprintf("k%d", i), time.Hour)
		e.NormalizedPrompt = fmt.Sprintf("prompt %d", i)
		e.LastAccessed = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, d.Put(ctx, e))
	}
	// A different provider and an expired row must both be excluded.
	other := testEntry("other", time.Hour)
	other.Provider = "beta"
	require.NoError(t, d.Put(ctx, other))
	require.NoError(t, d.Put(ctx, testEntry("expired", -time.Minute)))

	got, err := d.ScanCandidates(ctx, "alpha", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "k4", got[0].Key, "scan must be most recently accessed first")
	assert.Equal(t, "k3", got[1].Key)
	assert.Equal(t, "k2", got[2].Key)
}

func TestDurablePurgeExpired(t *testing.T) {
	d := newTestDurable(t)
	ctx := context.Background()

	require.NoError(t, d.Put(ctx, testEntry("live", time.Hour)))
	require.NoError(t, d.Put(ctx, testEntry("dead1", -time.Minute)))
	require.NoError(t, d.Put(ctx, testEntry("dead2", -time.Hour)))

	n, err := d.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := d.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDurableTrimEvictsLRU(t *testing.T) {
	d, err := NewDurable(DurableConfig{Path: ":memory:", MaxEntries: 3})
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		e := testEntry(fmt.Sprintf("k%d", i), time.Hour)
		e.LastAccessed = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, d.Put(ctx, e))
	}

	n, err := d.Trim(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The two least recently accessed rows are gone.
	for _, key := range []string{"k0", "k1"} {
		got, err := d.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got, "%s should have been trimmed", key)
	}
	got, err := d.Get(ctx, "k4")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestDurableDeleteAndClear(t *testing.T) {
	d := newTestDurable(t)
	ctx := context.Background()

	require.NoError(t, d.Put(ctx, testEntry("a", time.Hour)))
	require.NoError(t, d.Put(ctx, testEntry("b", time.Hour)))

	require.NoError(t, d.Delete(ctx, "a"))
	got, err := d.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, d.Clear(ctx))
	n, err := d.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
