package cache_test

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/git-bruh/matrix-tui/internal/cache"
	"github.com/git-bruh/matrix-tui/internal/kvstore"
	"github.com/git-bruh/matrix-tui/internal/matrixevent"
)

func openCache(t *testing.T) *cache.Cache {
	t.Helper()
	db, err := kvstore.Open(filepath.Join(t.TempDir(), "test.db"), kvstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return cache.New(db, zerolog.Nop())
}

func messageEventJSON(evtID, sender, body string) []byte {
	return []byte(`{"event_id":"` + evtID + `","sender":"` + sender + `","origin_server_ts":1,"type":"m.room.message","content":{"msgtype":"m.text","body":"` + body + `"}}`)
}

func decode(t *testing.T, raw []byte) *matrixevent.SyncEvent {
	t.Helper()
	evt, ok := matrixevent.DecodeEvent(raw)
	require.True(t, ok)
	return evt
}

func TestSaveEventColdStartAcrossTwoRooms(t *testing.T) {
	c := openCache(t)
	roomA := id.RoomID("!a:h")
	roomB := id.RoomID("!b:h")

	raw := messageEventJSON("$1", "@x:h", "hi")
	evt := decode(t, raw)

	var outcome cache.Outcome
	require.NoError(t, c.DB().Update(func(txn *kvstore.Txn) error {
		require.NoError(t, c.EnsureRoom(txn, roomA, []byte("{}")))
		var err error
		outcome, _, err = c.SaveEvent(txn, roomA, evt, raw, false)
		return err
	}))
	require.Equal(t, cache.ResultSaved, outcome.Result)

	raw2 := messageEventJSON("$2", "@x:h", "hi again")
	evt2 := decode(t, raw2)
	require.NoError(t, c.DB().Update(func(txn *kvstore.Txn) error {
		require.NoError(t, c.EnsureRoom(txn, roomB, []byte("{}")))
		var err error
		outcome, _, err = c.SaveEvent(txn, roomB, evt2, raw2, false)
		return err
	}))
	require.Equal(t, cache.ResultSaved, outcome.Result)

	it, err := c.NewRoomIterator()
	require.NoError(t, err)
	defer it.Close()
	var seen []id.RoomID
	for {
		roomID, _, ok := it.Next()
		if !ok {
			break
		}
		seen = append(seen, roomID)
	}
	require.ElementsMatch(t, []id.RoomID{roomA, roomB}, seen)
}

func TestSaveEventDuplicateIsIgnored(t *testing.T) {
	c := openCache(t)
	roomID := id.RoomID("!a:h")
	raw := messageEventJSON("$1", "@x:h", "hi")
	evt := decode(t, raw)

	require.NoError(t, c.DB().Update(func(txn *kvstore.Txn) error {
		outcome, _, err := c.SaveEvent(txn, roomID, evt, raw, false)
		require.NoError(t, err)
		require.Equal(t, cache.ResultSaved, outcome.Result)
		return nil
	}))
	require.NoError(t, c.DB().Update(func(txn *kvstore.Txn) error {
		outcome, _, err := c.SaveEvent(txn, roomID, evt, raw, false)
		require.NoError(t, err)
		require.Equal(t, cache.ResultIgnored, outcome.Result)
		return nil
	}))
}

func TestRedactionClearsContentAndKeepsOrderSlot(t *testing.T) {
	c := openCache(t)
	roomID := id.RoomID("!a:h")
	raw := messageEventJSON("$1", "@x:h", "secret")
	evt := decode(t, raw)

	var msgOutcome cache.Outcome
	require.NoError(t, c.DB().Update(func(txn *kvstore.Txn) error {
		var err error
		msgOutcome, _, err = c.SaveEvent(txn, roomID, evt, raw, false)
		return err
	}))

	redactionRaw := []byte(`{"event_id":"$2","sender":"@mod:h","origin_server_ts":2,"type":"m.room.redaction","redacts":"$1","content":{"reason":"spam"}}`)
	redactionEvt := decode(t, redactionRaw)

	var redOutcome cache.Outcome
	require.NoError(t, c.DB().Update(func(txn *kvstore.Txn) error {
		var err error
		redOutcome, _, err = c.SaveEvent(txn, roomID, redactionEvt, redactionRaw, false)
		return err
	}))
	require.Equal(t, cache.ResultSaved, redOutcome.Result)
	require.NotNil(t, redOutcome.RedactionIndex)
	require.Equal(t, msgOutcome.Index, *redOutcome.RedactionIndex)

	it, err := c.NewEventIterator(roomID, cache.FilterMessage, 0, true)
	require.NoError(t, err)
	defer it.Close()
	got, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	msg, ok := got.Content.(*matrixevent.MessageContent)
	require.True(t, ok)
	require.Empty(t, msg.Body)
}

func TestRedactionWithMissingTargetIsIgnoredButSaved(t *testing.T) {
	c := openCache(t)
	roomID := id.RoomID("!a:h")
	redactionRaw := []byte(`{"event_id":"$2","sender":"@mod:h","origin_server_ts":2,"type":"m.room.redaction","redacts":"$unknown","content":{}}`)
	evt := decode(t, redactionRaw)

	var outcome cache.Outcome
	require.NoError(t, c.DB().Update(func(txn *kvstore.Txn) error {
		var err error
		outcome, _, err = c.SaveEvent(txn, roomID, evt, redactionRaw, false)
		return err
	}))
	require.Equal(t, cache.ResultSaved, outcome.Result)
	require.Nil(t, outcome.RedactionIndex)
}

func TestAuthRoundTrip(t *testing.T) {
	c := openCache(t)
	want := cache.AuthState{AccessToken: "tok", UserID: "@x:h", Homeserver: "https://h"}
	require.NoError(t, c.DB().Update(func(txn *kvstore.Txn) error {
		return c.SetAuth(txn, want)
	}))
	got, found, err := c.GetAuth()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, want, got)
}

func TestNextBatchPersistsAcrossTransactions(t *testing.T) {
	c := openCache(t)
	tok, err := c.GetNextBatch()
	require.NoError(t, err)
	require.Empty(t, tok)

	require.NoError(t, c.DB().Update(func(txn *kvstore.Txn) error {
		return c.SetNextBatch(txn, "s1")
	}))
	tok, err = c.GetNextBatch()
	require.NoError(t, err)
	require.Equal(t, "s1", tok)
}
