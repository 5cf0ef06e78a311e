// Package cache implements the persistent cache of spec §4.C: idempotent
// event storage, per-room monotonic order assignment, redaction, and the
// deferred two-phase commit that resolves space parent/child relations.
package cache

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/git-bruh/matrix-tui/internal/kvstore"
)

// Bucket names, matching the store layout of spec §3 "Cache stores".
const (
	bucketAuth          = "auth"
	bucketRoomSummaries = "rooms"
	bucketRoomsRoot     = "room_stores"
	bucketSpaceChildren = "space_children"

	bucketEvents      = "events"
	bucketOrderEvent  = "order_event"
	bucketEventOrder  = "event_order"
	bucketMembers     = "members"
	bucketState       = "state"
	bucketSpaceChild  = "space_child"
	bucketSpaceParent = "space_parent"
)

// Cache wraps a kvstore.DB with the typed operations of spec §4.C. The
// order-counter state is cached in memory per room (seeded from the last
// persisted key) so repeated saves in one session don't re-scan the cursor.
type Cache struct {
	db  *kvstore.DB
	log zerolog.Logger

	countersMu sync.Mutex
	counters   map[id.RoomID]*orderCounter
}

type orderCounter struct {
	mu   sync.Mutex
	next uint64 // next value to hand out; 0 means uninitialized
}

const initialOrder = (1<<64 - 1) >> 1 // math.MaxUint64 / 2, per spec §3 Indexing

func New(db *kvstore.DB, log zerolog.Logger) *Cache {
	return &Cache{db: db, log: log, counters: make(map[id.RoomID]*orderCounter)}
}

// DB exposes the underlying store for callers (the sync loop) that need to
// open their own transactions spanning multiple cache calls.
func (c *Cache) DB() *kvstore.DB { return c.db }

func encodeOrder(order uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, order)
	return buf
}

func decodeOrder(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// roomBuckets opens (creating as needed) every per-room sub-store nested
// under the top-level "rooms" bucket, matching spec §4.A's "named sub-stores
// per room".
type roomBuckets struct {
	events      *kvstore.Bucket
	orderEvent  *kvstore.Bucket
	eventOrder  *kvstore.Bucket
	members     *kvstore.Bucket
	state       *kvstore.Bucket
	spaceChild  *kvstore.Bucket
	spaceParent *kvstore.Bucket
}

func openRoomBuckets(txn *kvstore.Txn, roomID id.RoomID, flags kvstore.DBFlag) (*roomBuckets, error) {
	rooms, err := txn.OpenDB(bucketRoomsRoot, flags)
	if err != nil {
		return nil, err
	}
	room, err := rooms.OpenDB(string(roomID), flags)
	if err != nil {
		return nil, err
	}
	rb := &roomBuckets{}
	for name, dst := range map[string]**kvstore.Bucket{
		bucketEvents:      &rb.events,
		bucketOrderEvent:  &rb.orderEvent,
		bucketEventOrder:  &rb.eventOrder,
		bucketMembers:     &rb.members,
		bucketState:       &rb.state,
		bucketSpaceChild:  &rb.spaceChild,
		bucketSpaceParent: &rb.spaceParent,
	} {
		b, err := room.OpenDB(name, flags)
		if err != nil {
			return nil, err
		}
		*dst = b
	}
	return rb, nil
}

// roomCounter returns (lazily initializing from the store) the order
// counter for roomID. It must be called inside the write transaction that
// will consume the value, per spec §4.C's "On opening a room for writing,
// the save transaction positions at the largest existing order key".
func (c *Cache) roomCounter(txn *kvstore.Txn, roomID id.RoomID, rb *roomBuckets) (*orderCounter, error) {
	c.countersMu.Lock()
	oc, ok := c.counters[roomID]
	if !ok {
		oc = &orderCounter{}
		c.counters[roomID] = oc
	}
	c.countersMu.Unlock()

	oc.mu.Lock()
	if oc.next == 0 {
		cur := rb.orderEvent.Cursor()
		if last, ok := cur.Last(); ok {
			oc.next = decodeOrder(last.Key) + 1
		} else {
			oc.next = initialOrder
		}
	}
	oc.mu.Unlock()
	return oc, nil
}

func (oc *orderCounter) takeForward() uint64 {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	v := oc.next
	oc.next++
	return v
}

// GetNextBatch returns the persisted next_batch token, empty if absent.
func (c *Cache) GetNextBatch() (string, error) {
	var tok string
	err := c.db.View(func(txn *kvstore.Txn) error {
		auth, err := txn.OpenDB(bucketAuth, kvstore.DBCreateIfMissing)
		if err != nil {
			if err == kvstore.ErrNotFound {
				return nil
			}
			return err
		}
		v, err := auth.Get([]byte("next_batch"))
		if err != nil {
			if err == kvstore.ErrNotFound {
				return nil
			}
			return err
		}
		tok = string(v)
		return nil
	})
	return tok, err
}

// SetNextBatch persists the next_batch token. Spec §4.E step 6 requires this
// be written last in the sync iteration, after every room's events and
// deferred relations have committed, so a crash mid-commit replays the delta.
func (c *Cache) SetNextBatch(txn *kvstore.Txn, token string) error {
	auth, err := txn.OpenDB(bucketAuth, kvstore.DBCreateIfMissing)
	if err != nil {
		return err
	}
	return auth.Put([]byte("next_batch"), []byte(token), kvstore.PutOverwrite)
}

// AuthState is the global "auth" store contents (spec §3).
type AuthState struct {
	AccessToken string
	UserID      id.UserID
	Homeserver  string
}

func (c *Cache) SetAuth(txn *kvstore.Txn, a AuthState) error {
	auth, err := txn.OpenDB(bucketAuth, kvstore.DBCreateIfMissing)
	if err != nil {
		return err
	}
	if err := auth.Put([]byte("access_token"), []byte(a.AccessToken), kvstore.PutOverwrite); err != nil {
		return err
	}
	if err := auth.Put([]byte("mxid"), []byte(a.UserID), kvstore.PutOverwrite); err != nil {
		return err
	}
	return auth.Put([]byte("homeserver"), []byte(a.Homeserver), kvstore.PutOverwrite)
}

func (c *Cache) GetAuth() (AuthState, bool, error) {
	var a AuthState
	found := false
	err := c.db.View(func(txn *kvstore.Txn) error {
		auth, err := txn.OpenDB(bucketAuth, kvstore.DBCreateIfMissing)
		if err != nil {
			if err == kvstore.ErrNotFound {
				return nil
			}
			return err
		}
		tok, err := auth.Get([]byte("access_token"))
		if err != nil {
			if err == kvstore.ErrNotFound {
				return nil
			}
			return err
		}
		mxid, _ := auth.Get([]byte("mxid"))
		hs, _ := auth.Get([]byte("homeserver"))
		a = AuthState{AccessToken: string(tok), UserID: id.UserID(mxid), Homeserver: string(hs)}
		found = true
		return nil
	})
	return a, found, err
}

// EnsureRoom records a room's existence in the global "rooms" summary store
// (spec §3 Lifecycle: rooms are created on first observation).
func (c *Cache) EnsureRoom(txn *kvstore.Txn, roomID id.RoomID, summary []byte) error {
	rooms, err := txn.OpenDB(bucketRoomSummaries, kvstore.DBCreateIfMissing)
	if err != nil {
		return err
	}
	if _, err := rooms.Get([]byte(roomID)); err == nil {
		return nil
	}
	return rooms.Put([]byte(roomID), summary, kvstore.PutOverwrite)
}

func roomKeyErr(op string, roomID id.RoomID, err error) error {
	return fmt.Errorf("cache: %s room %s: %w", op, roomID, err)
}
