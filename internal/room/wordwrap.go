package room

import (
	"unicode"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
	"github.com/rivo/uniseg"
)

// punctuation is the fixed set spec §4.D uses, alongside whitespace, to
// delimit "words" for wrapping purposes.
var punctuation = map[rune]bool{
	'.': true, ',': true, ';': true, ':': true, '!': true, '?': true,
	'-': true, '/': true, '(': true, ')': true,
}

func isBreak(r rune) bool {
	return unicode.IsSpace(r) || punctuation[r]
}

// wrapSpan is one physical line produced by wrapBody: [start, end) indices
// into the source rune slice. The line's padding is computed by the caller
// (layoutMessage), not stored here.
type wrapSpan struct {
	start, end int
}

// grapheme is one unbreakable display unit: a run of combining marks, a ZWJ
// emoji sequence, or a single plain rune, with the column width it occupies.
// Wrapping must never split a body inside a cluster (e.g. between a base
// rune and its combining accent), only between clusters.
type grapheme struct {
	start, end int // rune indices into the source body, [start, end)
	width      int
}

// graphemeClusters segments body into its grapheme clusters using uniseg's
// boundary algorithm, then measures each cluster's display width by summing
// go-runewidth over its runes (a combining mark's own width is 0, so this
// matches a single east-asian-aware column count per cluster).
func graphemeClusters(body []rune) []grapheme {
	s := string(body)
	var out []grapheme
	state := -1
	runeIdx := 0
	for len(s) > 0 {
		var cluster string
		cluster, s, _, state = uniseg.FirstGraphemeClusterInString(s, state)
		n := utf8.RuneCountInString(cluster)
		width := 0
		for _, r := range cluster {
			width += runewidth.RuneWidth(r)
		}
		out = append(out, grapheme{start: runeIdx, end: runeIdx + n, width: width})
		runeIdx += n
	}
	return out
}

// wrapBody greedily breaks body at the display-width edge unless the
// current word fits entirely on the next line, in which case it breaks at
// the preceding word boundary instead (spec §4.D Layout buffer). A body with
// no whitespace or punctuation at all is treated as one long word and hard-
// broken at the edge (original_source/src/message_buffer.c behavior,
// preserved per SPEC_FULL.md). Breaks always fall on a grapheme cluster
// boundary, never inside one.
func wrapBody(body []rune, width int) []wrapSpan {
	if width <= 0 || len(body) == 0 {
		if len(body) == 0 {
			return []wrapSpan{{0, 0}}
		}
		width = 1
	}
	clusters := graphemeClusters(body)
	var spans []wrapSpan
	lineStart := 0
	col := 0
	lastBreak := -1 // index just after the most recent break cluster on this line
	for _, cl := range clusters {
		if col+cl.width > width {
			// Current cluster (or word it's part of) would overflow; break at
			// the last word boundary if doing so still leaves a non-empty
			// line and the word after it fits on the next line, else
			// hard-break at the cluster edge.
			wordFits := false
			if lastBreak > lineStart {
				wordWidth := 0
				for _, c2 := range clusters {
					if c2.start >= cl.start && isBreak(body[c2.start]) {
						break
					}
					if c2.start >= lastBreak {
						wordWidth += c2.width
					}
				}
				wordFits = wordWidth <= width
			}
			if wordFits {
				spans = append(spans, wrapSpan{lineStart, lastBreak})
				lineStart = lastBreak
			} else {
				spans = append(spans, wrapSpan{lineStart, cl.start})
				lineStart = cl.start
			}
			col = 0
			lastBreak = -1
			for _, c2 := range clusters {
				if c2.start >= lineStart && c2.start < cl.start {
					col += c2.width
				}
			}
		}
		col += cl.width
		if isBreak(body[cl.start]) {
			lastBreak = cl.end
		}
	}
	spans = append(spans, wrapSpan{lineStart, len(body)})
	return spans
}
