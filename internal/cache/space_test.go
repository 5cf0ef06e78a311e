package cache_test

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/git-bruh/matrix-tui/internal/cache"
	"github.com/git-bruh/matrix-tui/internal/kvstore"
)

func openSpaceCache(t *testing.T) *cache.Cache {
	t.Helper()
	db, err := kvstore.Open(filepath.Join(t.TempDir(), "test.db"), kvstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return cache.New(db, zerolog.Nop())
}

func createEventJSON(evtID string, isSpace bool) []byte {
	roomType := ""
	if isSpace {
		roomType = `"type":"m.space",`
	}
	return []byte(`{"event_id":"` + evtID + `","sender":"@x:h","origin_server_ts":1,"type":"m.room.create","state_key":"","content":{` + roomType + `"creator":"@x:h"}}`)
}

func spaceChildEventJSON(evtID, childID string, via []string) []byte {
	viaJSON := "[]"
	if len(via) > 0 {
		viaJSON = `["` + via[0] + `"]`
	}
	return []byte(`{"event_id":"` + evtID + `","sender":"@x:h","origin_server_ts":1,"type":"m.space.child","state_key":"` + childID + `","content":{"via":` + viaJSON + `}}`)
}

func spaceChildEventJSONNullVia(evtID, childID string) []byte {
	return []byte(`{"event_id":"` + evtID + `","sender":"@x:h","origin_server_ts":1,"type":"m.space.child","state_key":"` + childID + `","content":{}}`)
}

func saveOne(t *testing.T, c *cache.Cache, roomID id.RoomID, raw []byte) (cache.Outcome, *cache.DeferredSpaceEvent) {
	t.Helper()
	evt := decode(t, raw)
	var outcome cache.Outcome
	var deferred *cache.DeferredSpaceEvent
	require.NoError(t, c.DB().Update(func(txn *kvstore.Txn) error {
		var err error
		outcome, deferred, err = c.SaveEvent(txn, roomID, evt, raw, false)
		return err
	}))
	return outcome, deferred
}

func TestSpaceChildAddedWhenParentIsSpaceAndViaPresent(t *testing.T) {
	c := openSpaceCache(t)
	parent := id.RoomID("!space:h")
	child := id.RoomID("!child:h")

	saveOne(t, c, parent, createEventJSON("$create", true))
	outcome, deferred := saveOne(t, c, parent, spaceChildEventJSON("$child1", string(child), []string{"h"}))
	require.Equal(t, cache.ResultDeferred, outcome.Result)
	require.NotNil(t, deferred)

	var result cache.DeferredResult
	require.NoError(t, c.DB().Update(func(txn *kvstore.Txn) error {
		var err error
		result, err = c.ProcessDeferred(txn, deferred)
		return err
	}))
	require.Equal(t, cache.DeferredAdded, result)

	it, err := c.NewSpaceChildrenIterator(parent)
	require.NoError(t, err)
	defer it.Close()
	got, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, child, got)
}

func TestSpaceChildRejectedWhenParentIsNotASpace(t *testing.T) {
	c := openSpaceCache(t)
	parent := id.RoomID("!notspace:h")
	child := id.RoomID("!child:h")

	saveOne(t, c, parent, createEventJSON("$create", false))
	_, deferred := saveOne(t, c, parent, spaceChildEventJSON("$child1", string(child), []string{"h"}))
	require.NotNil(t, deferred)

	var result cache.DeferredResult
	require.NoError(t, c.DB().Update(func(txn *kvstore.Txn) error {
		var err error
		result, err = c.ProcessDeferred(txn, deferred)
		return err
	}))
	require.Equal(t, cache.DeferredFailed, result)
}

func TestSpaceChildSurvivesNullViaWhenParentSideDeclaresIt(t *testing.T) {
	c := openSpaceCache(t)
	parent := id.RoomID("!space:h")
	child := id.RoomID("!child:h")

	saveOne(t, c, parent, createEventJSON("$create", true))
	// The parent declares the relation with via present on its
	// space_child entry; a later child-side m.space.parent with null via
	// must still survive because the complementary side is non-null.
	saveOne(t, c, parent, spaceChildEventJSON("$child1", string(child), []string{"h"}))

	childSideRaw := []byte(`{"event_id":"$parentlink","sender":"@x:h","origin_server_ts":1,"type":"m.space.parent","state_key":"` + string(parent) + `","content":{}}`)
	_, deferred := saveOne(t, c, child, childSideRaw)
	require.NotNil(t, deferred)

	var result cache.DeferredResult
	require.NoError(t, c.DB().Update(func(txn *kvstore.Txn) error {
		var err error
		result, err = c.ProcessDeferred(txn, deferred)
		return err
	}))
	require.Equal(t, cache.DeferredAdded, result)
}

func TestSpaceChildBreaksWhenBothSidesHaveNullVia(t *testing.T) {
	c := openSpaceCache(t)
	parent := id.RoomID("!space:h")
	child := id.RoomID("!child:h")

	saveOne(t, c, parent, createEventJSON("$create", true))
	_, deferred := saveOne(t, c, parent, spaceChildEventJSONNullVia("$child1", string(child)))
	require.NotNil(t, deferred)

	var result cache.DeferredResult
	require.NoError(t, c.DB().Update(func(txn *kvstore.Txn) error {
		var err error
		result, err = c.ProcessDeferred(txn, deferred)
		return err
	}))
	require.Equal(t, cache.DeferredRemoved, result)
}
