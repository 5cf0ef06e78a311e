package matrixevent

import (
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// SyncResponse is a stepping cursor over one /sync response body. It holds
// its own copy of the bytes so the caller can discard the HTTP response body
// as soon as decoding starts.
type SyncResponse struct {
	raw []byte
	val gjson.Result
}

func ParseSyncResponse(body []byte) *SyncResponse {
	raw := make([]byte, len(body))
	copy(raw, body)
	return &SyncResponse{raw: raw, val: gjson.ParseBytes(raw)}
}

// NextBatch returns the response's next_batch token, empty if absent.
func (s *SyncResponse) NextBatch() string {
	return s.val.Get("next_batch").Str
}

// RoomBlock is one room's raw sync section (timeline+state+ephemeral),
// scoped to a single room_id.
type RoomBlock struct {
	RoomID     string
	Membership Membership
	val        gjson.Result
}

// RoomsIterator implements rooms_next of spec §4.B: yields (room_id, type,
// raw room block) one at a time.
type RoomsIterator struct {
	pending []RoomBlock
	idx     int
}

var membershipSections = [...]struct {
	path string
	kind Membership
}{
	{"rooms.join", MembershipJoin},
	{"rooms.leave", MembershipLeave},
	{"rooms.invite", MembershipInvite},
}

func (s *SyncResponse) Rooms() *RoomsIterator {
	it := &RoomsIterator{}
	for _, section := range membershipSections {
		s.val.Get(section.path).ForEach(func(key, value gjson.Result) bool {
			it.pending = append(it.pending, RoomBlock{
				RoomID:     key.Str,
				Membership: section.kind,
				val:        value,
			})
			return true
		})
	}
	return it
}

// Next returns the next room block, and ok=false once exhausted (spec
// §4.B's "returning exhausted after the last").
func (it *RoomsIterator) Next() (RoomBlock, bool) {
	if it.idx >= len(it.pending) {
		return RoomBlock{}, false
	}
	b := it.pending[it.idx]
	it.idx++
	return b, true
}

// PrevBatch is the room block's pagination token for backfill, if present.
func (b RoomBlock) PrevBatch() string {
	return b.val.Get("timeline.prev_batch").Str
}

// Limited reports whether the server truncated this room's timeline.
func (b RoomBlock) Limited() bool {
	return b.val.Get("timeline.limited").Bool()
}

// EventIterator implements event_next of spec §4.B: yields one typed
// SyncEvent per call across ephemeral, state (or invite_state), and timeline
// sections, skipping events that fail the rejection rule.
type EventIterator struct {
	raw []gjson.Result
	idx int
}

// Events returns an iterator over every recognized event in the block, in
// ephemeral -> state -> timeline order, which is also the order a single
// sync batch must preserve when handed to the cache (spec §5 ordering
// guarantee).
func (b RoomBlock) Events() *EventIterator {
	it := &EventIterator{}
	b.val.Get("ephemeral.events").ForEach(func(_, v gjson.Result) bool {
		it.raw = append(it.raw, v)
		return true
	})
	stateKey := "state.events"
	if b.Membership == MembershipInvite {
		stateKey = "invite_state.events"
	}
	b.val.Get(stateKey).ForEach(func(_, v gjson.Result) bool {
		it.raw = append(it.raw, v)
		return true
	})
	b.val.Get("timeline.events").ForEach(func(_, v gjson.Result) bool {
		it.raw = append(it.raw, v)
		return true
	})
	return it
}

// Next decodes the next raw event, skipping (not erroring on) malformed
// events per spec §4.B, until one decodes or the iterator is exhausted.
func (it *EventIterator) Next() (*SyncEvent, bool) {
	evt, _, ok := it.NextRaw()
	return evt, ok
}

// NextRaw is Next plus the event's original JSON bytes, for callers (the
// cache) that need to persist the exact wire form alongside the decoded
// record.
func (it *EventIterator) NextRaw() (*SyncEvent, []byte, bool) {
	for it.idx < len(it.raw) {
		raw := it.raw[it.idx]
		it.idx++
		if evt, ok := decodeEvent(raw); ok {
			return evt, []byte(raw.Raw), true
		}
	}
	return nil, nil, false
}

// DecodeEvent decodes a single event's stored JSON the same way a sync
// response's event entry would be decoded, for callers (cache iterators)
// replaying previously saved records rather than stepping a live response.
func DecodeEvent(raw []byte) (*SyncEvent, bool) {
	return decodeEvent(gjson.ParseBytes(raw))
}

// decodeEvent applies the §4.B rejection rule and type-specific defaulting.
func decodeEvent(raw gjson.Result) (*SyncEvent, bool) {
	ts := raw.Get("origin_server_ts")
	evtID := raw.Get("event_id").Str
	sender := raw.Get("sender").Str
	evtType := raw.Get("type").Str
	content := raw.Get("content")

	redaction := evtType == EventTypeRedaction
	hasContent := content.Exists() && content.IsObject()
	// A redaction may legitimately carry an already-cleared (empty-object or
	// absent) content when it follows the redaction semantics of spec §4.C:
	// once a target's content has been cleared, re-delivery of the same
	// redaction must still parse.
	if !ts.Exists() || evtID == "" || sender == "" || evtType == "" || (!hasContent && !redaction) {
		return nil, false
	}

	stateKeyResult := raw.Get("state_key")
	var stateKeyPtr *string
	kind := KindTimeline
	if stateKeyResult.Exists() {
		kind = KindState
		sk := stateKeyResult.Str
		stateKeyPtr = &sk
	} else if evtType == "m.typing" || evtType == "m.receipt" {
		kind = KindEphemeral
	}

	evt := &SyncEvent{
		ID:             id.EventID(evtID),
		Sender:         id.UserID(sender),
		OriginServerTS: jsontime.UM(time.UnixMilli(ts.Int())),
		Type:           evtType,
		Kind:           kind,
		StateKey:       stateKeyPtr,
	}
	evt.Content = decodeContent(evtType, kind, content, raw)
	return evt, true
}

func decodeContent(evtType string, kind Kind, content gjson.Result, raw gjson.Result) Content {
	switch evtType {
	case EventTypeMessage, EventTypeSticker:
		relates := content.Get("m\\.relates_to.m\\.in_reply_to.event_id")
		msg := &MessageContent{
			Body:          content.Get("body").Str,
			MsgType:       content.Get("msgtype").Str,
			Format:        content.Get("format").Str,
			FormattedBody: content.Get("formatted_body").Str,
		}
		if relates.Exists() {
			msg.RelatesToID = id.EventID(relates.Str)
		}
		if evtType == EventTypeSticker || msg.MsgType == "m.image" || msg.MsgType == "m.file" ||
			msg.MsgType == "m.audio" || msg.MsgType == "m.video" {
			uri, _ := id.ParseContentURI(content.Get("url").Str)
			return &AttachmentContent{Body: msg.Body, URL: uri, MsgType: msg.MsgType}
		}
		return msg
	case EventTypeRedaction:
		// Room versions >= 11 move "redacts" into content; older ones keep
		// it as a top-level sibling of content. Accept either.
		redacts := content.Get("redacts")
		if !redacts.Exists() {
			redacts = raw.Get("redacts")
		}
		return &RedactionContent{
			Redacts: id.EventID(redacts.Str),
			Reason:  content.Get("reason").Str,
		}
	case EventTypeMember:
		return &MemberContent{
			Membership:  event.Membership(content.Get("membership").Str),
			Displayname: content.Get("displayname").Str,
			AvatarURL:   mustContentURI(content.Get("avatar_url").Str),
		}
	case EventTypePowerLvls:
		return decodePowerLevels(content)
	case EventTypeCreate:
		return decodeCreate(content)
	case EventTypeSpaceChild:
		return decodeSpaceChild(content)
	case EventTypeSpaceParent:
		return decodeSpaceParent(content)
	default:
		return &RawContent{JSON: []byte(content.Raw)}
	}
}

func mustContentURI(s string) id.ContentURI {
	u, _ := id.ParseContentURI(s)
	return u
}

func decodePowerLevels(content gjson.Result) *PowerLevelsContent {
	pl := &PowerLevelsContent{
		Events:        map[string]int{},
		Users:         map[string]int{},
		EventsDefault: 0,
		UsersDefault:  0,
		StateDefault:  defaultInt(content, "state_default", 50),
		Invite:        defaultInt(content, "invite", 50),
		Kick:          defaultInt(content, "kick", 50),
		Ban:           defaultInt(content, "ban", 50),
		Redact:        defaultInt(content, "redact", 50),
	}
	if v := content.Get("events_default"); v.Exists() {
		pl.EventsDefault = int(v.Int())
	}
	if v := content.Get("users_default"); v.Exists() {
		pl.UsersDefault = int(v.Int())
	}
	content.Get("events").ForEach(func(k, v gjson.Result) bool {
		pl.Events[k.Str] = int(v.Int())
		return true
	})
	content.Get("users").ForEach(func(k, v gjson.Result) bool {
		pl.Users[k.Str] = int(v.Int())
		return true
	})
	return pl
}

func defaultInt(content gjson.Result, field string, def int) int {
	if v := content.Get(field); v.Exists() {
		return int(v.Int())
	}
	return def
}

func decodeCreate(content gjson.Result) *CreateContent {
	c := &CreateContent{
		Creator:     id.UserID(content.Get("creator").Str),
		RoomType:    content.Get("type").Str,
		Federate:    true,
		RoomVersion: "1",
	}
	if v := content.Get("m\\.federate"); v.Exists() {
		c.Federate = v.Bool()
	}
	if v := content.Get("room_version"); v.Exists() && v.Str != "" {
		c.RoomVersion = v.Str
	}
	return c
}

func decodeSpaceChild(content gjson.Result) *SpaceChildContent {
	sc := &SpaceChildContent{Order: content.Get("order").Str, Suggested: content.Get("suggested").Bool()}
	content.Get("via").ForEach(func(_, v gjson.Result) bool {
		sc.Via = append(sc.Via, v.Str)
		return true
	})
	return sc
}

func decodeSpaceParent(content gjson.Result) *SpaceParentContent {
	sp := &SpaceParentContent{Canonical: content.Get("canonical").Bool()}
	content.Get("via").ForEach(func(_, v gjson.Result) bool {
		sp.Via = append(sp.Via, v.Str)
		return true
	})
	return sp
}

// ClearContent renders json with its "content" object replaced by {},
// preserving every other field. Used by the cache's redaction path (spec
// §4.C step 2) to render records back to bytes.
func ClearContent(raw []byte) ([]byte, error) {
	return sjson.SetRawBytes(raw, "content", []byte("{}"))
}
