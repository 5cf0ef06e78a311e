package room_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/git-bruh/matrix-tui/internal/room"
)

func TestIndexingIsMonotoneAndDisjoint(t *testing.T) {
	r := room.New("!a:h")
	i1 := r.NextForwardIndex()
	i2 := r.NextForwardIndex()
	require.Less(t, i1, i2)

	r2 := room.New("!b:h")
	f1 := r2.NextForwardIndex()
	b1 := r2.NextBackwardIndex()
	require.Greater(t, f1, b1)
}

func TestAppendForwardOrderingInvariant(t *testing.T) {
	r := room.New("!a:h")
	require.NoError(t, r.AppendForward(&room.Message{Index: r.NextForwardIndex(), Sender: "@x:h"}))
	idx2 := r.NextForwardIndex()
	require.NoError(t, r.AppendForward(&room.Message{Index: idx2, Sender: "@x:h"}))
	require.Error(t, r.AppendForward(&room.Message{Index: idx2, Sender: "@x:h"}))
}

func TestBinarySearchFindsInsertedAndRejectsOthers(t *testing.T) {
	r := room.New("!a:h")
	var indices []uint64
	for i := 0; i < 5; i++ {
		idx := r.NextForwardIndex()
		indices = append(indices, idx)
		require.NoError(t, r.AppendForward(&room.Message{Index: idx, Sender: "@x:h"}))
	}
	for _, idx := range indices {
		msg, ok := r.BinarySearch(idx)
		require.True(t, ok)
		require.Equal(t, idx, msg.Index)
	}
	_, ok := r.BinarySearch(indices[len(indices)-1] + 1000)
	require.False(t, ok)
}

func TestMemberHistoryKeepsEarlierNamesInForce(t *testing.T) {
	r := room.New("!a:h")
	userID := id.UserID("@x:h")
	name1 := r.UpdateMember(userID, "Alice")
	require.Equal(t, "Alice", name1)

	msg1 := &room.Message{Index: r.NextForwardIndex(), Sender: userID, Username: r.NameAt(userID)}
	require.NoError(t, r.AppendForward(msg1))

	name2 := r.UpdateMember(userID, "Alice2")
	msg2 := &room.Message{Index: r.NextForwardIndex(), Sender: userID, Username: r.NameAt(userID)}
	require.NoError(t, r.AppendForward(msg2))

	require.Equal(t, "Alice", msg1.Username)
	require.Equal(t, "Alice2", name2)
	require.Equal(t, "Alice2", msg2.Username)
}

func TestMemberDisplayNameFallsBackToLocalpart(t *testing.T) {
	r := room.New("!a:h")
	name := r.UpdateMember("@bob:h", "")
	require.Equal(t, "bob", name)
}

func TestChildrenSetOnlyForSpaces(t *testing.T) {
	r := room.New("!space:h")
	r.SetInfo(room.Info{IsSpace: true})
	r.AddChild("!child:h")
	require.Contains(t, r.Children(), id.RoomID("!child:h"))
	r.RemoveChild("!child:h")
	require.Empty(t, r.Children())
}

func TestRedactClearsBodyAndRemovesLayoutLines(t *testing.T) {
	r := room.New("!a:h")
	r.Buffer.Resize(0, 40, 0, 10)
	idx := r.NextForwardIndex()
	msg := &room.Message{Index: idx, Sender: "@x:h", Body: []rune("hello world this is a longer message that wraps")}
	require.NoError(t, r.AppendForward(msg))
	require.Greater(t, r.Buffer.Scan(msg), 0)

	redacted, ok := r.Redact(idx)
	require.True(t, ok)
	require.True(t, redacted.Redacted)
	require.Empty(t, redacted.Body)
	require.Equal(t, 0, r.Buffer.Scan(msg))
}
