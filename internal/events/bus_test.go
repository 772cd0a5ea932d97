package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFansOut(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	a, stopA := bus.Subscribe(4)
	b, stopB := bus.Subscribe(4)
	defer stopB()

	bus.Publish(Event{Kind: BrowserClosed, BrowserID: "b1"})

	got := <-a
	assert.Equal(t, BrowserClosed, got.Kind)
	assert.False(t, got.At.IsZero())
	assert.Equal(t, "b1", (<-b).BrowserID)

	stopA()
	stopA()
	_, open := <-a
	assert.False(t, open)

	bus.Publish(Event{Kind: WorkerReady, WorkerID: "w1"})
	assert.Equal(t, "w1", (<-b).WorkerID)
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	ch, stop := bus.Subscribe(1)
	defer stop()

	bus.Publish(Event{Kind: WorkerReady, WorkerID: "first"})
	bus.Publish(Event{Kind: WorkerReady, WorkerID: "second"})

	require.Len(t, ch, 1)
	assert.Equal(t, "first", (<-ch).WorkerID)
}
