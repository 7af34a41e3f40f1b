package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	bus.Emit(Event{Type: TypeCacheHit, Tier: "memory"})

	select {
	case e := <-sub.C:
		assert.Equal(t, TypeCacheHit, e.Type)
		assert.Equal(t, "memory", e.Tier)
		assert.False(t, e.Timestamp.IsZero(), "timestamp must be stamped")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	// Fill the buffer, then emit more; Emit must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(Event{Type: TypeCacheMiss})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	assert.Equal(t, 1, bus.SubscriberCount())
	bus.Unsubscribe(sub)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestMultiSink(t *testing.T) {
	var a, b []Event
	sink := Multi(
		SinkFunc(func(e Event) { a = append(a, e) }),
		SinkFunc(func(e Event) { b = append(b, e) }),
	)
	sink.Emit(Event{Type: TypeBudgetWarning, Scope: "daily"})
	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
	assert.Equal(t, "daily", a[0].Scope)
}

func TestEventJSONOmitsEmpty(t *testing.T) {
	e := Event{Type: TypeCircuitOpen, Provider: "provA", Timestamp: time.Now()}
	js := string(e.JSON())
	assert.Contains(t, js, `"circuit:open"`)
	assert.Contains(t, js, `"provA"`)
	assert.NotContains(t, js, "similarity")
	assert.NotContains(t, js, "used_usd")
}
