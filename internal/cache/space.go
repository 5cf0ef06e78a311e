package cache

import (
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"

	"github.com/git-bruh/matrix-tui/internal/kvstore"
	"github.com/git-bruh/matrix-tui/internal/matrixevent"
)

// DeferredResult is the verdict of ProcessDeferred.
type DeferredResult int

const (
	DeferredAdded DeferredResult = iota
	DeferredRemoved
	DeferredFailed
)

// spaceChildKey builds the composite dup-key used by the global
// space_children store: every child of a parent shares the "parentID\x00"
// prefix, which FirstDup/NextDup use to enumerate them (bbolt has no native
// duplicate-key support, unlike the LMDB store spec §3 models this on).
func spaceChildKey(parent, child id.RoomID) []byte {
	key := make([]byte, 0, len(parent)+1+len(child))
	key = append(key, []byte(parent)...)
	key = append(key, 0)
	key = append(key, []byte(child)...)
	return key
}

func spaceChildPrefix(parent id.RoomID) []byte {
	return append([]byte(parent), 0)
}

// ProcessDeferred resolves a DeferredSpaceEvent recorded by SaveEvent,
// implementing spec §4.C's second-phase space relation commit. It must run
// in its own transaction opened after the batch's per-room writes have
// committed, since it reads the complementary side of the relation (the
// parent's space_child store or the child's space_parent store), which may
// have been written earlier in the same sync batch.
func (c *Cache) ProcessDeferred(txn *kvstore.Txn, ev *DeferredSpaceEvent) (DeferredResult, error) {
	parentRooms, err := openRoomBuckets(txn, ev.ParentID, kvstore.DBCreateIfMissing)
	if err != nil {
		return DeferredFailed, err
	}
	isSpace, err := roomIsSpace(parentRooms)
	if err != nil {
		return DeferredFailed, err
	}
	if !isSpace {
		return DeferredFailed, nil
	}

	viaPresent := !ev.ViaWasNull
	if !viaPresent {
		complementary, err := c.complementaryViaPresent(txn, ev)
		if err != nil {
			return DeferredFailed, err
		}
		viaPresent = complementary
	}

	global, err := txn.OpenDB(bucketSpaceChildren, kvstore.DBCreateIfMissing)
	if err != nil {
		return DeferredFailed, err
	}
	key := spaceChildKey(ev.ParentID, ev.ChildID)

	if !viaPresent {
		if err := global.Del(key); err != nil && err != kvstore.ErrNotFound {
			return DeferredFailed, err
		}
		return DeferredRemoved, nil
	}
	via := ""
	if len(ev.Via) > 0 {
		via = ev.Via[0]
	}
	if err := global.Put(key, []byte(via), kvstore.PutOverwrite); err != nil {
		return DeferredFailed, err
	}
	return DeferredAdded, nil
}

// complementaryViaPresent checks the other side of the relation: for a
// child-declared event it looks at the child room's own space_parent entry
// for this parent; for a parent-declared event it looks at the parent's
// space_child entry for this child. The relation survives if either side
// carries a non-null via (spec §4.C "Space relations").
func (c *Cache) complementaryViaPresent(txn *kvstore.Txn, ev *DeferredSpaceEvent) (bool, error) {
	switch ev.Kind {
	case RelationChild:
		childRooms, err := openRoomBuckets(txn, ev.ChildID, kvstore.DBCreateIfMissing)
		if err != nil {
			return false, err
		}
		raw, err := childRooms.spaceParent.Get([]byte(ev.ParentID))
		if err != nil {
			if err == kvstore.ErrNotFound {
				return false, nil
			}
			return false, err
		}
		return len(gjson.GetBytes(raw, "content.via").Array()) > 0, nil
	case RelationParent:
		raw, err := openSpaceChildRaw(txn, ev.ParentID, ev.ChildID)
		if err != nil {
			if err == kvstore.ErrNotFound {
				return false, nil
			}
			return false, err
		}
		return len(gjson.GetBytes(raw, "content.via").Array()) > 0, nil
	default:
		return false, nil
	}
}

func openSpaceChildRaw(txn *kvstore.Txn, parent, child id.RoomID) ([]byte, error) {
	parentRooms, err := openRoomBuckets(txn, parent, kvstore.DBCreateIfMissing)
	if err != nil {
		return nil, err
	}
	return parentRooms.spaceChild.Get([]byte(child))
}

func roomIsSpace(rb *roomBuckets) (bool, error) {
	raw, err := rb.state.Get([]byte(matrixevent.EventTypeCreate))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return gjson.GetBytes(raw, "content.type").String() == matrixevent.RoomTypeSpace, nil
}

