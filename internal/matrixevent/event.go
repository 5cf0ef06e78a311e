// Package matrixevent is the event codec (spec §4.B): it parses a raw sync
// delta into typed event records and can render records back to bytes. The
// codec owns the parsed values it returns — callers never hold a pointer
// into someone else's JSON DOM (see the "opaque JSON as pointer-into-DOM"
// redesign note in spec §9).
package matrixevent

import (
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Kind is the event's place in the sync response (spec §3 Event variants).
type Kind int

const (
	KindEphemeral Kind = iota
	KindState
	KindTimeline
)

func (k Kind) String() string {
	switch k {
	case KindEphemeral:
		return "ephemeral"
	case KindState:
		return "state"
	case KindTimeline:
		return "timeline"
	default:
		return "unknown"
	}
}

// Membership is the join/leave/invite section a room block came from.
type Membership int

const (
	MembershipJoin Membership = iota
	MembershipLeave
	MembershipInvite
)

// Content is the typed-content union. Timeline events carry one of
// *MessageContent, *RedactionContent, *AttachmentContent, *SpaceChildContent,
// *SpaceParentContent; state events carry one of *MemberContent,
// *PowerLevelsContent, *CreateContent, *SpaceChildContent,
// *SpaceParentContent, or *RawContent for any other recognized state type.
type Content interface{ contentMarker() }

type MessageContent struct {
	Body          string
	MsgType       string
	Format        string
	FormattedBody string
	RelatesToID   id.EventID // set for replies/edits, empty otherwise
}

func (*MessageContent) contentMarker() {}

type RedactionContent struct {
	Redacts id.EventID
	Reason  string
}

func (*RedactionContent) contentMarker() {}

// AttachmentContent records the metadata of a media event without ever
// fetching the media itself (media upload/download is a non-goal, §1).
type AttachmentContent struct {
	Body    string
	URL     id.ContentURI
	MsgType string
}

func (*AttachmentContent) contentMarker() {}

type SpaceChildContent struct {
	Via       []string
	Order     string
	Suggested bool
}

func (*SpaceChildContent) contentMarker() {}

type SpaceParentContent struct {
	Via       []string
	Canonical bool
}

func (*SpaceParentContent) contentMarker() {}

type MemberContent struct {
	Membership  event.Membership
	Displayname string
	AvatarURL   id.ContentURI
}

func (*MemberContent) contentMarker() {}

// PowerLevelsContent applies the §4.B defaults: StateDefault, Invite, Kick,
// Ban and Redact default to 50, EventsDefault/UsersDefault default to 0, and
// the Events/Users maps default to empty.
type PowerLevelsContent struct {
	Events        map[string]int
	Users         map[string]int
	EventsDefault int
	UsersDefault  int
	StateDefault  int
	Invite        int
	Kick          int
	Ban           int
	Redact        int
}

func (*PowerLevelsContent) contentMarker() {}

// CreateContent applies the §4.B defaults: Federate defaults to true,
// RoomVersion defaults to "1".
type CreateContent struct {
	Creator   id.UserID
	RoomType  string
	Federate  bool
	RoomVersion string
}

func (*CreateContent) contentMarker() {}

// RawContent is the fallback for recognized-but-not-specially-typed state
// and timeline content; it still owns a copy of the content bytes.
type RawContent struct {
	JSON []byte
}

func (*RawContent) contentMarker() {}

// SyncEvent is one parsed event record, matching spec §3's tagged Event.
type SyncEvent struct {
	ID             id.EventID
	Sender         id.UserID
	OriginServerTS jsontime.UnixMilli
	Type           string
	Kind           Kind
	StateKey       *string // non-nil only for Kind == KindState
	Content        Content
}

const (
	RoomTypeSpace = "m.space"

	EventTypeMessage   = "m.room.message"
	EventTypeRedaction = "m.room.redaction"
	EventTypeSticker   = "m.sticker"
	EventTypeMember    = "m.room.member"
	EventTypePowerLvls = "m.room.power_levels"
	EventTypeCreate    = "m.room.create"
	EventTypeSpaceChild  = "m.space.child"
	EventTypeSpaceParent = "m.space.parent"
)
