package room

import (
	"errors"
	"sync"
)

// Line is one laid-out physical line: a contiguous rune span of its
// message's body, the right-edge padding left unused, and the message it
// belongs to. A message spans >= 1 consecutive Lines (spec §4.D).
type Line struct {
	Start, End int
	Padding    int
	Msg        *Message
}

// ErrScrollOutOfRange is returned (and the scroll position still clamped)
// when a caller scrolls past the end of the buffer (spec §4.D: "scroll >=
// len is an error recoverable by clamping").
var ErrScrollOutOfRange = errors.New("room: scroll position out of range")

// Buffer is the derived line-layout for rendering (spec §3 Room.buffer). It
// is rebuilt from the timelines whenever the geometry's x-extent changes; a
// y-only resize does not require relayout.
type Buffer struct {
	room *Room

	mu             sync.Mutex
	x1, x2, y1, y2 int
	lines          []Line
	scroll         int
	selected       *Message
}

func newBuffer(r *Room) *Buffer {
	return &Buffer{room: r}
}

func (b *Buffer) width() int {
	w := b.x2 - b.x1
	if w < 1 {
		w = 1
	}
	return w
}

// ShouldRecalculate reports whether a resize to the given geometry requires
// a full relayout: true iff x1 or x2 changes, never merely from a y change
// (spec §4.D).
func (b *Buffer) ShouldRecalculate(x1, x2, y1, y2 int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return x1 != b.x1 || x2 != b.x2
}

// Resize updates the geometry and, if the x-extent changed, performs a full
// relayout from the room's timelines.
func (b *Buffer) Resize(x1, x2, y1, y2 int) {
	b.mu.Lock()
	needsRecalc := x1 != b.x1 || x2 != b.x2
	b.x1, b.x2, b.y1, b.y2 = x1, x2, y1, y2
	b.mu.Unlock()
	if needsRecalc {
		b.Recalculate()
	}
}

// Recalculate rebuilds every line from the room's timelines in their
// concatenated order (reverse(backward) ++ forward, spec §8).
func (b *Buffer) Recalculate() {
	b.room.mu.Lock()
	width := b.width()
	var lines []Line
	for i := b.room.backward.Len() - 1; i >= 0; i-- {
		lines = append(lines, layoutMessage(b.room.backward.At(i), width)...)
	}
	for i := 0; i < b.room.forward.Len(); i++ {
		lines = append(lines, layoutMessage(b.room.forward.At(i), width)...)
	}
	b.room.mu.Unlock()

	b.mu.Lock()
	b.lines = lines
	if b.scroll >= len(b.lines) {
		b.scroll = max(0, len(b.lines)-1)
	}
	b.mu.Unlock()
}

func layoutMessage(msg *Message, width int) []Line {
	spans := wrapBody(msg.Body, width)
	lines := make([]Line, len(spans))
	for i, s := range spans {
		used := s.end - s.start
		lines[i] = Line{Start: s.start, End: s.end, Padding: max(0, width-used), Msg: msg}
	}
	return lines
}

// onAppend incrementally lays out a newly appended message without
// relaying out the whole buffer; called by Room.AppendForward/AppendBackward
// while the realloc mutex is already held.
func (b *Buffer) onAppend(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	newLines := layoutMessage(msg, b.width())
	b.lines = append(b.lines, newLines...)
}

// onRedact deletes the contiguous run of lines belonging to msg, matched by
// pointer equality rather than by index (spec §4.C). The first matching line
// is found by a linear scan from the start of the buffer, not by binary
// search; the run is then extended outward from it.
func (b *Buffer) onRedact(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hit := -1
	for i, l := range b.lines {
		if l.Msg == msg {
			hit = i
			break
		}
	}
	if hit == -1 {
		return
	}
	start, end := hit, hit+1
	for start > 0 && b.lines[start-1].Msg == msg {
		start--
	}
	for end < len(b.lines) && b.lines[end].Msg == msg {
		end++
	}
	b.lines = append(b.lines[:start], b.lines[end:]...)
	if b.scroll >= len(b.lines) {
		b.scroll = max(0, len(b.lines)-1)
	}
}

// Scan counts the lines currently pointing at msg; used by tests asserting
// the redaction round-trip invariant of spec §8.
func (b *Buffer) Scan(msg *Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, l := range b.lines {
		if l.Msg == msg {
			n++
		}
	}
	return n
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

func (b *Buffer) LineAt(i int) Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lines[i]
}

// Scroll moves the scroll position by delta, clamping to [0, len-1]. If the
// requested position was out of range, it returns ErrScrollOutOfRange after
// clamping (spec §4.D).
func (b *Buffer) Scroll(delta int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	want := b.scroll + delta
	maxIdx := len(b.lines) - 1
	if maxIdx < 0 {
		b.scroll = 0
		return nil
	}
	clamped := want
	var outOfRange bool
	if clamped < 0 {
		clamped = 0
		outOfRange = true
	} else if clamped > maxIdx {
		clamped = maxIdx
		outOfRange = true
	}
	b.scroll = clamped
	if outOfRange {
		return ErrScrollOutOfRange
	}
	return nil
}

func (b *Buffer) ScrollPos() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scroll
}

// ClickAt maps a (x, y) cell to the line containing it and returns its
// message. Clicking the currently selected message again clears the
// selection (spec §4.D).
func (b *Buffer) ClickAt(x, y int) *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	lineIdx := b.scroll + y
	if lineIdx < 0 || lineIdx >= len(b.lines) {
		return nil
	}
	msg := b.lines[lineIdx].Msg
	if b.selected == msg {
		b.selected = nil
		return nil
	}
	b.selected = msg
	return msg
}

func (b *Buffer) Selected() *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selected
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
