package room

import (
	"errors"

	"maunium.net/go/mautrix/id"
)

var errOrderViolation = errors.New("room: timeline ordering invariant violated")

// Message is spec §3's Message record. Body is kept as a []rune ("utf32
// buffer" in the spec's terms) so the layout buffer can wrap on rune
// boundaries without repeated UTF-8 decoding.
type Message struct {
	Index      uint64
	IndexReply *uint64
	Sender     id.UserID
	// Username points at the member's display-name history; it is resolved
	// once at message-creation time and never moves afterward; later name
	// changes do not retroactively rename this message's byline (spec
	// §4.D Member update).
	Username  string
	Body      []rune
	Redacted  bool
	Formatted bool
}

// AppendForward appends a forward-filled message. It holds the realloc mutex
// for every append, not only when the backing block must grow.
func (r *Room) AppendForward(msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.forward.append(msg); err != nil {
		return err
	}
	r.Buffer.onAppend(msg)
	return nil
}

// AppendBackward appends a backfilled message. Shaped but not exercised by
// any sync path (spec §9 Open Questions).
func (r *Room) AppendBackward(msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.backward.append(msg); err != nil {
		return err
	}
	r.Buffer.onAppend(msg)
	return nil
}

func (r *Room) ForwardLen() int  { return r.forward.Len() }
func (r *Room) BackwardLen() int { return r.backward.Len() }

func (r *Room) ForwardAt(i int) *Message  { return r.forward.At(i) }
func (r *Room) BackwardAt(i int) *Message { return r.backward.At(i) }

// BinarySearch implements spec §8's invariant: for all message indices m,
// binary_search(m) returns exactly one record when m has been inserted, and
// none otherwise. It picks the timeline by comparing index to the head of
// each (spec §3 Timeline ordering): a forward head is the smallest forward
// index, a backward head is the largest backward index (both timelines are
// disjoint and forward indices always exceed backward ones, since the
// counter descends from the same origin only when backfilling below it).
func (r *Room) BinarySearch(index uint64) (*Message, bool) {
	if r.forward.Len() > 0 {
		head := r.forward.At(0).Index
		if index >= head {
			return r.forward.binarySearch(index)
		}
	}
	if r.backward.Len() > 0 {
		head := r.backward.At(0).Index
		if index <= head {
			return r.backward.binarySearch(index)
		}
	}
	return nil, false
}

// Redact marks the message at index as redacted, clearing its body in
// place. It holds the realloc_or_modify mutex for the duration of the
// mutation (spec §4.D).
func (r *Room) Redact(index uint64) (*Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.BinarySearch(index)
	if !ok {
		return nil, false
	}
	msg.Redacted = true
	msg.Body = nil
	r.Buffer.onRedact(msg)
	return msg, true
}

type memberHistory struct {
	// names is insertion-ordered, most-recent last (spec §3 Room.members
	// invariant): a non-empty list for every sender that ever appeared in a
	// timeline event.
	names []string
}

// UpdateMember resolves a display name the way spec §4.D's Member update
// does: strip the mxid to its localpart when the given display name is
// missing or empty, then append to that user's name history.
func (r *Room) UpdateMember(userID id.UserID, displayName string) string {
	resolved := displayName
	if resolved == "" {
		resolved = userID.Localpart()
	}
	r.membersMu.Lock()
	defer r.membersMu.Unlock()
	h, ok := r.members[userID]
	if !ok {
		h = &memberHistory{}
		r.members[userID] = h
	}
	h.names = append(h.names, resolved)
	return resolved
}

// CurrentName returns the most-recent display name on record for userID, or
// the localpart if the user has never appeared.
func (r *Room) CurrentName(userID id.UserID) string {
	r.membersMu.RLock()
	defer r.membersMu.RUnlock()
	if h, ok := r.members[userID]; ok && len(h.names) > 0 {
		return h.names[len(h.names)-1]
	}
	return userID.Localpart()
}

// NameAt returns the display name the sender had in force at the time a
// message was created (spec §4.D: "earlier messages retain the name in
// force when they were sent"), which is simply the current name at the
// moment the message is constructed — callers call this immediately before
// building the Message, not retroactively.
func (r *Room) NameAt(userID id.UserID) string {
	return r.CurrentName(userID)
}
