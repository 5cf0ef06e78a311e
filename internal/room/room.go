// Package room implements the in-memory room data model of spec §3-§4.D: a
// per-room dual timeline, a member table, a child set, and a message-layout
// buffer, built for a single-writer (sync thread) / single-reader (UI
// thread) split (spec §5).
package room

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.mau.fi/util/exmaps"
	"maunium.net/go/mautrix/id"
)

// Info mirrors spec §3's Room.info.
type Info struct {
	Name    string
	Topic   string
	IsSpace bool
	Invited bool
}

// Room owns two disjoint, oppositely-ordered timelines, a member history
// table, a child set (non-empty only when Info.IsSpace), and a derived
// layout buffer.
type Room struct {
	ID id.RoomID

	// realloc_or_modify (spec §4.D): held by the writer for every timeline
	// append (not only when a backing block grows) and while mutating an
	// existing record (redaction).
	// Readers only take it for full re-layout or selection inspection.
	mu sync.Mutex

	infoMu sync.RWMutex
	info   Info

	membersMu sync.RWMutex
	members   map[id.UserID]*memberHistory

	children exmaps.Set[id.RoomID]

	forward  *timeline
	backward *timeline

	// counter is the per-room monotonic order-assignment counter (spec
	// §3 Indexing). 0 means "uninitialized"; NextForwardIndex and
	// NextBackwardIndex lazily seed it to math.MaxUint64/2 on first use. It
	// is separate from the cache's own per-room order counter.
	counter uint64

	Buffer *Buffer
}

func New(roomID id.RoomID) *Room {
	r := &Room{
		ID:       roomID,
		members:  make(map[id.UserID]*memberHistory),
		children: make(exmaps.Set[id.RoomID]),
		forward:  newTimeline(directionForward),
		backward: newTimeline(directionBackward),
	}
	r.Buffer = newBuffer(r)
	return r
}

func (r *Room) Info() Info {
	r.infoMu.RLock()
	defer r.infoMu.RUnlock()
	return r.info
}

func (r *Room) SetInfo(info Info) {
	r.infoMu.Lock()
	defer r.infoMu.Unlock()
	r.info = info
}

// AddChild records childID in the child set; it is a no-op unless the room
// is a space (Info.IsSpace).
func (r *Room) AddChild(childID id.RoomID) {
	r.infoMu.Lock()
	defer r.infoMu.Unlock()
	if !r.info.IsSpace {
		return
	}
	r.children.Add(childID)
}

func (r *Room) RemoveChild(childID id.RoomID) {
	r.infoMu.Lock()
	defer r.infoMu.Unlock()
	r.children.Remove(childID)
}

func (r *Room) Children() []id.RoomID {
	r.infoMu.RLock()
	defer r.infoMu.RUnlock()
	out := make([]id.RoomID, 0, len(r.children))
	for c := range r.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NextForwardIndex returns the next index to assign to a forward-filled
// event, lazily seeding the counter at math.MaxUint64/2 (spec §3 Indexing).
func (r *Room) NextForwardIndex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counter == 0 {
		r.counter = initialCounter
	}
	r.counter++
	return r.counter
}

// NextBackwardIndex returns the next index to assign to a backfilled event.
// The backfill path is shaped but not exercised by any sync path, per the
// Open Question in spec §9.
func (r *Room) NextBackwardIndex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counter == 0 {
		r.counter = initialCounter
	}
	r.counter--
	return r.counter
}

const initialCounter = (1<<64 - 1) >> 1 // math.MaxUint64 / 2

// Lock/Unlock expose the realloc_or_modify mutex to callers outside this
// package; Redact and the Append methods take it themselves.
func (r *Room) Lock()   { r.mu.Lock() }
func (r *Room) Unlock() { r.mu.Unlock() }

type direction int

const (
	directionForward direction = iota
	directionBackward
)

// timeline is the chunked-vector append-only store described in spec §9's
// "lock-only-on-growth" redesign note: grow by appending a new block so
// readers never observe a partially constructed block, and publish the
// total length with an atomic release-store.
type timeline struct {
	dir    direction
	blocks [][]*Message // append-only; never mutated once a block is full
	length atomic.Uint64
}

const blockSize = 256

func newTimeline(dir direction) *timeline {
	return &timeline{dir: dir}
}

// Len is the relaxed-load snapshot readers take at the start of an
// iteration pass (spec §4.D).
func (t *timeline) Len() int {
	return int(t.length.Load())
}

// At returns the message at position i (0-indexed in append order),
// bounded by a Len() snapshot taken by the caller.
func (t *timeline) At(i int) *Message {
	return t.blocks[i/blockSize][i%blockSize]
}

// append adds msg past the observed length, starting a new block only when
// the current block is full. The caller must already hold Room.mu for the
// whole call. Returns an error if the ordering invariant is violated.
func (t *timeline) append(msg *Message) error {
	n := t.Len()
	if n > 0 {
		prev := t.At(n - 1)
		switch t.dir {
		case directionForward:
			if msg.Index <= prev.Index {
				return errOrderViolation
			}
		case directionBackward:
			if msg.Index >= prev.Index {
				return errOrderViolation
			}
		}
	}
	blockIdx := n / blockSize
	if blockIdx == len(t.blocks) {
		t.blocks = append(t.blocks, make([]*Message, 0, blockSize))
	}
	t.blocks[blockIdx] = append(t.blocks[blockIdx], msg)
	t.length.Store(uint64(n + 1))
	return nil
}

// binarySearch finds the message with the given index, or ok=false.
func (t *timeline) binarySearch(index uint64) (*Message, bool) {
	n := t.Len()
	lo, hi := 0, n
	less := func(a, b uint64) bool {
		if t.dir == directionForward {
			return a < b
		}
		return a > b
	}
	for lo < hi {
		mid := (lo + hi) / 2
		v := t.At(mid).Index
		switch {
		case v == index:
			return t.At(mid), true
		case less(v, index):
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return nil, false
}
