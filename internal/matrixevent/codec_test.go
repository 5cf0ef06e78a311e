package matrixevent_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/git-bruh/matrix-tui/internal/matrixevent"
)

const sampleSync = `{
	"next_batch": "tok1",
	"rooms": {
		"join": {
			"!a:h": {
				"timeline": {
					"events": [
						{"event_id":"$1","sender":"@x:h","type":"m.room.message","origin_server_ts":1000,"content":{"body":"hi","msgtype":"m.text"}}
					]
				},
				"state": {
					"events": [
						{"event_id":"$create","sender":"@x:h","type":"m.room.create","state_key":"","origin_server_ts":900,"content":{"creator":"@x:h"}}
					]
				}
			},
			"!b:h": {"timeline": {"events": []}, "state": {"events": []}}
		}
	}
}`

func TestParseSyncResponseRooms(t *testing.T) {
	resp := matrixevent.ParseSyncResponse([]byte(sampleSync))
	require.Equal(t, "tok1", resp.NextBatch())

	it := resp.Rooms()
	var ids []string
	for b, ok := it.Next(); ok; b, ok = it.Next() {
		ids = append(ids, b.RoomID)
	}
	require.ElementsMatch(t, []string{"!a:h", "!b:h"}, ids)
}

func TestEventIteratorDecodesMessageAndDefaults(t *testing.T) {
	resp := matrixevent.ParseSyncResponse([]byte(sampleSync))
	it := resp.Rooms()
	var roomA matrixevent.RoomBlock
	for b, ok := it.Next(); ok; b, ok = it.Next() {
		if b.RoomID == "!a:h" {
			roomA = b
		}
	}
	evIt := roomA.Events()
	var msg *matrixevent.MessageContent
	var create *matrixevent.CreateContent
	for evt, ok := evIt.Next(); ok; evt, ok = evIt.Next() {
		switch c := evt.Content.(type) {
		case *matrixevent.MessageContent:
			msg = c
		case *matrixevent.CreateContent:
			create = c
		}
	}
	require.NotNil(t, msg)
	require.Equal(t, "hi", msg.Body)
	require.NotNil(t, create)
	require.True(t, create.Federate)
	require.Equal(t, "1", create.RoomVersion)
}

func TestEventIteratorSkipsMalformedEvents(t *testing.T) {
	raw := `{"rooms":{"join":{"!a:h":{"timeline":{"events":[
		{"sender":"@x:h","type":"m.room.message","origin_server_ts":1,"content":{"body":"missing id"}},
		{"event_id":"$1","sender":"@x:h","type":"m.room.message","origin_server_ts":1,"content":{"body":"ok"}}
	]}}}}}`
	resp := matrixevent.ParseSyncResponse([]byte(raw))
	it := resp.Rooms()
	block, ok := it.Next()
	require.True(t, ok)
	evIt := block.Events()
	var count int
	for _, ok := evIt.Next(); ok; _, ok = evIt.Next() {
		count++
	}
	require.Equal(t, 1, count)
}

func TestRedactionWithoutContentIsAccepted(t *testing.T) {
	raw := `{"rooms":{"join":{"!a:h":{"timeline":{"events":[
		{"event_id":"$r1","sender":"@x:h","type":"m.room.redaction","origin_server_ts":1,"redacts":"$1"}
	]}}}}}`
	resp := matrixevent.ParseSyncResponse([]byte(raw))
	block, _ := resp.Rooms().Next()
	evt, ok := block.Events().Next()
	require.True(t, ok)
	red, ok := evt.Content.(*matrixevent.RedactionContent)
	require.True(t, ok)
	require.Equal(t, "$1", string(red.Redacts))
}

func TestClearContentPreservesOtherFields(t *testing.T) {
	out, err := matrixevent.ClearContent([]byte(`{"event_id":"$1","content":{"body":"secret"}}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"event_id":"$1","content":{}}`, string(out))
}
