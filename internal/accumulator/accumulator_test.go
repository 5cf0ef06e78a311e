package accumulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix/id"
)

func TestConsumeReturnsWhatWasProduced(t *testing.T) {
	a := New()
	batch := &AccumulatedSync{Rooms: []RoomDelta{{RoomID: id.RoomID("!a:example.org")}}}

	done := make(chan struct{})
	go func() {
		a.Produce(batch)
		close(done)
	}()

	got := a.Consume()
	assert.Same(t, batch, got)
	a.Ack()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Produce did not return after Ack")
	}
}

func TestProduceBlocksUntilPreviousBatchAcked(t *testing.T) {
	a := New()
	first := &AccumulatedSync{}
	second := &AccumulatedSync{}

	a.Produce(first)

	secondProduced := make(chan struct{})
	go func() {
		a.Produce(second)
		close(secondProduced)
	}()

	select {
	case <-secondProduced:
		t.Fatal("second Produce returned before first batch was consumed and acked")
	case <-time.After(50 * time.Millisecond):
	}

	got := a.Consume()
	require.Same(t, first, got)
	a.Ack()

	select {
	case <-secondProduced:
	case <-time.After(time.Second):
		t.Fatal("second Produce did not unblock after Ack")
	}

	got2 := a.Consume()
	assert.Same(t, second, got2)
	a.Ack()
}

func TestConsumeBlocksUntilProduced(t *testing.T) {
	a := New()
	result := make(chan *AccumulatedSync, 1)
	go func() {
		result <- a.Consume()
	}()

	select {
	case <-result:
		t.Fatal("Consume returned before Produce was called")
	case <-time.After(50 * time.Millisecond):
	}

	batch := &AccumulatedSync{}
	a.Produce(batch)

	select {
	case got := <-result:
		assert.Same(t, batch, got)
	case <-time.After(time.Second):
		t.Fatal("Consume did not unblock after Produce")
	}
	a.Ack()
}
