// Package accumulator implements the single-producer/single-consumer
// rendezvous of spec §4.G: the sync loop builds one AccumulatedSync per
// batch, hands it to the UI consumer, and blocks until the consumer
// acknowledges it before starting the next batch.
package accumulator

import (
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/git-bruh/matrix-tui/internal/cache"
)

// RoomDelta is one room's worth of work produced by a sync batch: the
// events already applied to the cache and room model, referenced (not
// copied) from the room's own timeline.
type RoomDelta struct {
	RoomID    id.RoomID
	Appended  []uint64 // order indices appended to the room's timeline this batch
	Redacted  []uint64 // order indices redacted this batch
}

// AccumulatedSync is the handoff unit: one sync iteration's worth of
// room-level deltas plus any resolved space-relation changes, matching
// spec §4.G's "the accumulator references, it does not copy, per-room
// structures already owned by the room model".
type AccumulatedSync struct {
	Rooms       []RoomDelta
	SpaceEvents []cache.DeferredSpaceEvent
}

// Accumulator is the mutex+condition-variable+flag handoff. Produce blocks
// until the previous batch has been acknowledged, giving the "fully
// consumed before the next begins" ordering spec §4.G requires.
type Accumulator struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  *AccumulatedSync
	consumed bool
}

func New() *Accumulator {
	a := &Accumulator{consumed: true}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Produce hands batch to the consumer, blocking until the previously
// produced batch (if any) has been acknowledged via Ack.
func (a *Accumulator) Produce(batch *AccumulatedSync) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for !a.consumed {
		a.cond.Wait()
	}
	a.pending = batch
	a.consumed = false
	a.cond.Broadcast()
}

// Consume blocks until a batch is available, then returns it. The caller
// must call Ack once it has finished applying the batch.
func (a *Accumulator) Consume() *AccumulatedSync {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.pending == nil {
		a.cond.Wait()
	}
	batch := a.pending
	a.pending = nil
	return batch
}

// Ack marks the most recently consumed batch as fully applied, unblocking
// a waiting Produce call.
func (a *Accumulator) Ack() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consumed = true
	a.cond.Broadcast()
}
