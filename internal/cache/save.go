package cache

import (
	"errors"

	"maunium.net/go/mautrix/id"

	"github.com/git-bruh/matrix-tui/internal/kvstore"
	"github.com/git-bruh/matrix-tui/internal/matrixevent"
)

// SaveResult is the three-way verdict of spec §4.C's save_event contract.
type SaveResult int

const (
	ResultIgnored SaveResult = iota
	ResultSaved
	ResultDeferred
)

// Outcome is what SaveEvent returns: the verdict, the order index the event
// was assigned (valid whenever Result != ResultIgnored), and — for
// redactions — the index of the event that was redacted.
type Outcome struct {
	Result         SaveResult
	Index          uint64
	RedactionIndex *uint64
}

// SpaceRelationKind distinguishes which side of a parent/child relation a
// DeferredSpaceEvent carries.
type SpaceRelationKind int

const (
	RelationChild SpaceRelationKind = iota
	RelationParent
)

// DeferredSpaceEvent is the record appended to the transaction's deferred
// list by SaveEvent when it sees a m.space.child or m.space.parent event
// (spec §4.C "Space relations (two-phase)"). The sync loop collects these
// across a batch and resolves each with ProcessDeferred in a second, short
// transaction after the main write transaction commits.
type DeferredSpaceEvent struct {
	Kind       SpaceRelationKind
	ParentID   id.RoomID
	ChildID    id.RoomID
	Via        []string
	ViaWasNull bool
}

// SaveEvent implements spec §4.C: idempotent insertion keyed by event_id,
// per-room monotonic order assignment, redaction-in-place, and deferred
// space-relation recording. backfill selects which direction of the order
// counter to consume (forward-fill increments, backfill decrements); only
// the forward path is exercised by the sync loop today (spec §9 Open
// Questions — backfill is shaped but unused).
func (c *Cache) SaveEvent(txn *kvstore.Txn, roomID id.RoomID, evt *matrixevent.SyncEvent, raw []byte, backfill bool) (Outcome, *DeferredSpaceEvent, error) {
	rb, err := openRoomBuckets(txn, roomID, kvstore.DBCreateIfMissing)
	if err != nil {
		return Outcome{}, nil, roomKeyErr("open", roomID, err)
	}

	if err := rb.events.Put([]byte(evt.ID), raw, kvstore.PutNoOverwrite); err != nil {
		if errors.Is(err, kvstore.ErrKeyExists) {
			return Outcome{Result: ResultIgnored}, nil, nil
		}
		return Outcome{}, nil, err
	}

	oc, err := c.roomCounter(txn, roomID, rb)
	if err != nil {
		return Outcome{}, nil, err
	}
	order := oc.takeForward()
	if backfill {
		order = oc.takeBackward()
	}
	if err := rb.orderEvent.Put(encodeOrder(order), []byte(evt.ID), kvstore.PutOverwrite); err != nil {
		return Outcome{}, nil, err
	}
	if err := rb.eventOrder.Put([]byte(evt.ID), encodeOrder(order), kvstore.PutOverwrite); err != nil {
		return Outcome{}, nil, err
	}

	outcome := Outcome{Result: ResultSaved, Index: order}

	if evt.Kind == matrixevent.KindState && evt.StateKey != nil {
		if err := saveStateEvent(rb, evt, raw); err != nil {
			return Outcome{}, nil, err
		}
	}

	var deferred *DeferredSpaceEvent
	switch {
	case evt.Type == matrixevent.EventTypeRedaction:
		redactionIdx, err := c.applyRedaction(rb, evt)
		if err != nil {
			return Outcome{}, nil, err
		}
		outcome.RedactionIndex = redactionIdx
	case evt.Type == matrixevent.EventTypeSpaceChild && evt.StateKey != nil:
		content, _ := evt.Content.(*matrixevent.SpaceChildContent)
		var via []string
		if content != nil {
			via = content.Via
		}
		outcome.Result = ResultDeferred
		deferred = &DeferredSpaceEvent{
			Kind:       RelationChild,
			ParentID:   roomID,
			ChildID:    id.RoomID(*evt.StateKey),
			Via:        via,
			ViaWasNull: len(via) == 0,
		}
	case evt.Type == matrixevent.EventTypeSpaceParent && evt.StateKey != nil:
		content, _ := evt.Content.(*matrixevent.SpaceParentContent)
		var via []string
		if content != nil {
			via = content.Via
		}
		outcome.Result = ResultDeferred
		deferred = &DeferredSpaceEvent{
			Kind:       RelationParent,
			ParentID:   id.RoomID(*evt.StateKey),
			ChildID:    roomID,
			Via:        via,
			ViaWasNull: len(via) == 0,
		}
	}

	return outcome, deferred, nil
}

func saveStateEvent(rb *roomBuckets, evt *matrixevent.SyncEvent, raw []byte) error {
	switch evt.Type {
	case matrixevent.EventTypeMember:
		return rb.members.Put([]byte(*evt.StateKey), raw, kvstore.PutOverwrite)
	case matrixevent.EventTypeSpaceChild:
		return rb.spaceChild.Put([]byte(*evt.StateKey), raw, kvstore.PutOverwrite)
	case matrixevent.EventTypeSpaceParent:
		return rb.spaceParent.Put([]byte(*evt.StateKey), raw, kvstore.PutOverwrite)
	default:
		return rb.state.Put([]byte(evt.Type), raw, kvstore.PutOverwrite)
	}
}

// applyRedaction implements spec §4.C's redaction algorithm: look up the
// target by event_id, clear its content in place while preserving its
// order_event slot, and return the redacted index. A redaction whose target
// is unknown returns a nil index: the redaction event itself stays saved,
// nothing is logged, and it is not queued for application to a target that
// arrives later (the Open Question in spec §9).
func (c *Cache) applyRedaction(rb *roomBuckets, evt *matrixevent.SyncEvent) (*uint64, error) {
	red, ok := evt.Content.(*matrixevent.RedactionContent)
	if !ok || red.Redacts == "" {
		return nil, nil
	}
	orderBytes, err := rb.eventOrder.Get([]byte(red.Redacts))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	targetRaw, err := rb.events.Get([]byte(red.Redacts))
	if err != nil {
		return nil, err
	}
	cleared, err := matrixevent.ClearContent(targetRaw)
	if err != nil {
		return nil, err
	}
	if err := rb.events.Put([]byte(red.Redacts), cleared, kvstore.PutOverwrite); err != nil {
		return nil, err
	}
	order := decodeOrder(orderBytes)
	return &order, nil
}

func (oc *orderCounter) takeBackward() uint64 {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if oc.next == 0 {
		oc.next = initialOrder
	}
	oc.next--
	return oc.next
}
