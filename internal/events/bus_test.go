package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWildcardReceivesEverything(t *testing.T) {
	b := NewBus()

	var seen []string
	b.Subscribe(Wildcard, func(ev Event) { seen = append(seen, ev.Type) })

	b.Emit(TaskCreated, "t1", nil)
	b.Emit(TaskStarted, "t1", nil)
	b.Emit(TaskCompleted, "t1", nil)

	assert.Equal(t, []string{TaskCreated, TaskStarted, TaskCompleted}, seen)
}

func TestExactTypeSubscription(t *testing.T) {
	b := NewBus()

	var started int
	cancel := b.Subscribe(TaskStarted, func(ev Event) { started++ })

	b.Emit(TaskStarted, "t1", nil)
	b.Emit(TaskCreated, "t2", nil)
	assert.Equal(t, 1, started)

	cancel()
	b.Emit(TaskStarted, "t3", nil)
	assert.Equal(t, 1, started, "unsubscribed handler must not fire")
}

func TestPanickingSubscriberIsolated(t *testing.T) {
	b := NewBus()

	var after int
	b.Subscribe(Wildcard, func(Event) { panic("boom") })
	b.Subscribe(Wildcard, func(Event) { after++ })

	assert.NotPanics(t, func() { b.Emit(TaskCreated, "t1", nil) })
	assert.Equal(t, 1, after, "later subscribers still run")
}

func TestGetRecentFilters(t *testing.T) {
	b := NewBus()

	b.Emit(TaskCreated, "t1", nil)
	cut := time.Now()
	time.Sleep(2 * time.Millisecond)
	b.Emit(TaskStarted, "t1", nil)
	b.Emit(TaskCreated, "t2", nil)

	all := b.GetRecent(RecentFilter{})
	require.Len(t, all, 3)

	created := b.GetRecent(RecentFilter{Type: TaskCreated})
	require.Len(t, created, 2)
	assert.Equal(t, "t1", created[0].Subject)
	assert.Equal(t, "t2", created[1].Subject)

	since := b.GetRecent(RecentFilter{Since: cut})
	require.Len(t, since, 2)
}

func TestRingDropsOldestWhenFull(t *testing.T) {
	b := NewBus()
	for i := 0; i < RingCapacity+5; i++ {
		b.Emit(TaskCreated, "spam", nil)
	}
	b.Emit(TaskVerified, "last", nil)

	assert.Equal(t, RingCapacity, b.RingSize())
	recent := b.GetRecent(RecentFilter{Type: TaskVerified})
	require.Len(t, recent, 1)
	assert.Equal(t, "last", recent[0].Subject)
}

func TestEmissionOrderWithinHandler(t *testing.T) {
	b := NewBus()

	var order []string
	b.Subscribe(Wildcard, func(ev Event) { order = append(order, ev.Type) })
	b.Subscribe(TaskCreated, func(ev Event) {
		// Nested emission from a handler preserves observed order.
		b.Emit(TaskAssigned, ev.Subject, nil)
	})

	b.Emit(TaskCreated, "t1", nil)

	assert.Equal(t, []string{TaskAssigned, TaskCreated}, order[:2])
}
