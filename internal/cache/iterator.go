package cache

import (
	"maunium.net/go/mautrix/id"

	"github.com/git-bruh/matrix-tui/internal/kvstore"
	"github.com/git-bruh/matrix-tui/internal/matrixevent"
)

// EventFilter is a bitmask over event types, letting a caller ask an
// EventIterator for e.g. "only messages and redactions" instead of walking
// every stored event and discarding the rest.
type EventFilter uint32

const (
	FilterMessage EventFilter = 1 << iota
	FilterRedaction
	FilterMember
	FilterPowerLevels
	FilterCreate
	FilterSpaceChild
	FilterSpaceParent
	FilterOther // anything not covered by the bits above

	FilterAll EventFilter = ^EventFilter(0)
)

func filterBit(evtType string) EventFilter {
	switch evtType {
	case matrixevent.EventTypeMessage, matrixevent.EventTypeSticker:
		return FilterMessage
	case matrixevent.EventTypeRedaction:
		return FilterRedaction
	case matrixevent.EventTypeMember:
		return FilterMember
	case matrixevent.EventTypePowerLvls:
		return FilterPowerLevels
	case matrixevent.EventTypeCreate:
		return FilterCreate
	case matrixevent.EventTypeSpaceChild:
		return FilterSpaceChild
	case matrixevent.EventTypeSpaceParent:
		return FilterSpaceParent
	default:
		return FilterOther
	}
}

// EventIterator walks a room's order_event store, newest-first by default
// (matching the chat history's natural read direction), bounded by a
// num_fetch cap and an EventFilter bitmask. It owns a dedicated read-only
// transaction for its lifetime; callers must call Close when done.
type EventIterator struct {
	txn       *kvstore.Txn
	cursor    *kvstore.Cursor
	events    *kvstore.Bucket
	filter    EventFilter
	remaining int
	oldest    bool
	started   bool
}

// NewEventIterator opens a standalone read-only transaction scoped to one
// room and returns an iterator over its saved events. numFetch <= 0 means
// unbounded.
func (c *Cache) NewEventIterator(roomID id.RoomID, filter EventFilter, numFetch int, oldestFirst bool) (*EventIterator, error) {
	txn, err := c.db.Begin(false)
	if err != nil {
		return nil, err
	}
	rb, err := openRoomBuckets(txn, roomID, kvstore.DBMustExist)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	if numFetch <= 0 {
		numFetch = -1 // never counted down to 0 by Next
	}
	return &EventIterator{
		txn:       txn,
		cursor:    rb.orderEvent.Cursor(),
		events:    rb.events,
		filter:    filter,
		remaining: numFetch,
		oldest:    oldestFirst,
	}, nil
}

// Next returns the next event passing the filter, or ok=false once
// exhausted or the num_fetch bound is reached.
func (it *EventIterator) Next() (*matrixevent.SyncEvent, bool, error) {
	for {
		if it.remaining == 0 && it.started {
			return nil, false, nil
		}
		kv, ok := it.step()
		if !ok {
			return nil, false, nil
		}
		raw, err := it.events.Get(kv.Value)
		if err != nil {
			if err == kvstore.ErrNotFound {
				continue
			}
			return nil, false, err
		}
		evt, ok := matrixevent.DecodeEvent(raw)
		if !ok {
			continue
		}
		if it.filter != FilterAll && it.filter&filterBit(evt.Type) == 0 {
			continue
		}
		if it.remaining > 0 {
			it.remaining--
		}
		return evt, true, nil
	}
}

func (it *EventIterator) step() (kvstore.KV, bool) {
	if !it.started {
		it.started = true
		if it.oldest {
			return it.cursor.First()
		}
		return it.cursor.Last()
	}
	if it.oldest {
		return it.cursor.Next()
	}
	return it.cursor.Prev()
}

// Close releases the iterator's transaction.
func (it *EventIterator) Close() {
	it.txn.Abort()
}

// MemberIterator walks a room's members store.
type MemberIterator struct {
	txn     *kvstore.Txn
	cursor  *kvstore.Cursor
	started bool
}

func (c *Cache) NewMemberIterator(roomID id.RoomID) (*MemberIterator, error) {
	txn, err := c.db.Begin(false)
	if err != nil {
		return nil, err
	}
	rb, err := openRoomBuckets(txn, roomID, kvstore.DBMustExist)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	return &MemberIterator{txn: txn, cursor: rb.members.Cursor()}, nil
}

func (it *MemberIterator) Next() (id.UserID, *matrixevent.MemberContent, bool) {
	var kv kvstore.KV
	var ok bool
	if !it.started {
		it.started = true
		kv, ok = it.cursor.First()
	} else {
		kv, ok = it.cursor.Next()
	}
	if !ok {
		return "", nil, false
	}
	evt, ok := matrixevent.DecodeEvent(kv.Value)
	if !ok {
		return "", nil, false
	}
	member, _ := evt.Content.(*matrixevent.MemberContent)
	return id.UserID(kv.Key), member, true
}

func (it *MemberIterator) Close() { it.txn.Abort() }

// RoomIterator walks the global room-summary store.
type RoomIterator struct {
	txn     *kvstore.Txn
	cursor  *kvstore.Cursor
	started bool
}

func (c *Cache) NewRoomIterator() (*RoomIterator, error) {
	txn, err := c.db.Begin(false)
	if err != nil {
		return nil, err
	}
	rooms, err := txn.OpenDB(bucketRoomSummaries, kvstore.DBCreateIfMissing)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	return &RoomIterator{txn: txn, cursor: rooms.Cursor()}, nil
}

func (it *RoomIterator) Next() (id.RoomID, []byte, bool) {
	var kv kvstore.KV
	var ok bool
	if !it.started {
		it.started = true
		kv, ok = it.cursor.First()
	} else {
		kv, ok = it.cursor.Next()
	}
	if !ok {
		return "", nil, false
	}
	return id.RoomID(kv.Key), kv.Value, true
}

func (it *RoomIterator) Close() { it.txn.Abort() }

// SpaceIterator walks the global room-summary store, yielding only the
// rooms flagged as spaces (an m.room.create with content.type ==
// "m.space"), mirroring the original cache_iterator_spaces/cache_spaces_next
// split over RoomIterator's plain enumeration.
type SpaceIterator struct {
	txn     *kvstore.Txn
	cursor  *kvstore.Cursor
	started bool
}

func (c *Cache) NewSpaceIterator() (*SpaceIterator, error) {
	txn, err := c.db.Begin(false)
	if err != nil {
		return nil, err
	}
	rooms, err := txn.OpenDB(bucketRoomSummaries, kvstore.DBCreateIfMissing)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	return &SpaceIterator{txn: txn, cursor: rooms.Cursor()}, nil
}

// Next returns the next space room id, skipping every non-space room in
// between, or ok=false once the room-summary store is exhausted.
func (it *SpaceIterator) Next() (id.RoomID, bool, error) {
	for {
		var kv kvstore.KV
		var ok bool
		if !it.started {
			it.started = true
			kv, ok = it.cursor.First()
		} else {
			kv, ok = it.cursor.Next()
		}
		if !ok {
			return "", false, nil
		}
		roomID := id.RoomID(kv.Key)
		rb, err := openRoomBuckets(it.txn, roomID, kvstore.DBMustExist)
		if err != nil {
			return "", false, err
		}
		isSpace, err := roomIsSpace(rb)
		if err != nil {
			return "", false, err
		}
		if isSpace {
			return roomID, true, nil
		}
	}
}

func (it *SpaceIterator) Close() { it.txn.Abort() }

// SpaceChildrenIterator walks the composite-keyed global space_children
// store for one parent, using the FirstDup/NextDup cursor emulation.
type SpaceChildrenIterator struct {
	txn     *kvstore.Txn
	cursor  *kvstore.Cursor
	prefix  []byte
	started bool
}

func (c *Cache) NewSpaceChildrenIterator(parent id.RoomID) (*SpaceChildrenIterator, error) {
	txn, err := c.db.Begin(false)
	if err != nil {
		return nil, err
	}
	global, err := txn.OpenDB(bucketSpaceChildren, kvstore.DBCreateIfMissing)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	return &SpaceChildrenIterator{txn: txn, cursor: global.Cursor(), prefix: spaceChildPrefix(parent)}, nil
}

func (it *SpaceChildrenIterator) Next() (id.RoomID, bool) {
	var kv kvstore.KV
	var ok bool
	if !it.started {
		it.started = true
		kv, ok = it.cursor.FirstDup(it.prefix)
	} else {
		kv, ok = it.cursor.NextDup()
	}
	if !ok {
		return "", false
	}
	return id.RoomID(kv.Key[len(it.prefix):]), true
}

func (it *SpaceChildrenIterator) Close() { it.txn.Abort() }
