package room_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/git-bruh/matrix-tui/internal/room"
)

func TestBufferRecalculatesOnlyOnXChange(t *testing.T) {
	r := room.New("!a:h")
	r.Buffer.Resize(0, 20, 0, 10)
	require.False(t, r.Buffer.ShouldRecalculate(0, 20, 5, 50))
	require.True(t, r.Buffer.ShouldRecalculate(0, 25, 0, 10))
}

func TestScrollClampsAndReportsOutOfRange(t *testing.T) {
	r := room.New("!a:h")
	r.Buffer.Resize(0, 80, 0, 10)
	for i := 0; i < 3; i++ {
		idx := r.NextForwardIndex()
		require.NoError(t, r.AppendForward(&room.Message{Index: idx, Sender: "@x:h", Body: []rune("hi")}))
	}
	err := r.Buffer.Scroll(-100)
	require.ErrorIs(t, err, room.ErrScrollOutOfRange)
	require.Equal(t, 0, r.Buffer.ScrollPos())

	err = r.Buffer.Scroll(1000)
	require.ErrorIs(t, err, room.ErrScrollOutOfRange)
	require.Equal(t, r.Buffer.Len()-1, r.Buffer.ScrollPos())
}

func TestClickAtTogglesSelection(t *testing.T) {
	r := room.New("!a:h")
	r.Buffer.Resize(0, 80, 0, 10)
	idx := r.NextForwardIndex()
	msg := &room.Message{Index: idx, Sender: "@x:h", Body: []rune("hi")}
	require.NoError(t, r.AppendForward(msg))

	got := r.Buffer.ClickAt(0, 0)
	require.Equal(t, msg, got)
	require.Equal(t, msg, r.Buffer.Selected())

	got = r.Buffer.ClickAt(0, 0)
	require.Nil(t, got)
	require.Nil(t, r.Buffer.Selected())
}

func TestWordWrapBreaksAtWordBoundary(t *testing.T) {
	r := room.New("!a:h")
	r.Buffer.Resize(0, 10, 0, 10)
	idx := r.NextForwardIndex()
	msg := &room.Message{Index: idx, Sender: "@x:h", Body: []rune("hello world foo")}
	require.NoError(t, r.AppendForward(msg))
	require.Greater(t, r.Buffer.Len(), 1)
}

func TestWordWrapHardBreaksWithNoWhitespace(t *testing.T) {
	r := room.New("!a:h")
	r.Buffer.Resize(0, 5, 0, 10)
	idx := r.NextForwardIndex()
	msg := &room.Message{Index: idx, Sender: "@x:h", Body: []rune("abcdefghijklmnop")}
	require.NoError(t, r.AppendForward(msg))
	require.Equal(t, 4, r.Buffer.Len())
}
