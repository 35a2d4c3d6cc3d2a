package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HansTydecks/blog-didacta-colab/internal/awareness"
	"github.com/HansTydecks/blog-didacta-colab/internal/crdt"
)

// link wires two awareness instances directly, no relay in between.
func link(t *testing.T, from, to *awareness.Awareness) func() {
	t.Helper()
	return from.OnChange(func(c awareness.Change) {
		ids := append(append(append([]uint64{}, c.Added...), c.Updated...), c.Removed...)
		_, err := to.Apply(from.Encode(ids...))
		require.NoError(t, err)
	})
}

func TestBindingEdits(t *testing.T) {
	doc := crdt.NewDoc(1)
	var regions []crdt.Region
	b := NewTextBinding(doc, awareness.New(1), func(r crdt.Region) { regions = append(regions, r) })
	defer b.Close()

	b.InsertText(0, "Post title")
	b.InsertBreak(10, "heading1")
	b.InsertText(11, "Body text")
	b.Format(11, 4, "bold", "true")
	b.Delete(15, 5)
	b.InsertImage(15, "/api/uploads/p1/pic.png", "a picture")

	assert.Equal(t, "Post title\nBody￼", b.Text())
	runs := b.Runs()
	require.NotEmpty(t, runs)
	assert.NotEmpty(t, regions)

	var sawImage bool
	for _, r := range runs {
		if r.Embed != nil && r.Embed.Attrs["src"] == "/api/uploads/p1/pic.png" {
			sawImage = true
		}
	}
	assert.True(t, sawImage)
}

func TestCursorDebounce(t *testing.T) {
	docA := crdt.NewDoc(1)
	awA := awareness.New(1)
	awB := awareness.New(2)
	unlink := link(t, awA, awB)
	defer unlink()

	bindA := NewTextBinding(docA, awA, nil)
	defer bindA.Close()
	bindA.debounce = 30 * time.Millisecond

	bindA.InsertText(0, "some text")

	// A burst of cursor movement collapses into the final position.
	for i := 0; i <= 5; i++ {
		bindA.SetCursor(i)
	}
	require.Eventually(t, func() bool {
		_, ok := awB.States()[1]["cursor"]
		return ok
	}, time.Second, 10*time.Millisecond)

	docB := crdt.NewDoc(2)
	docB.ApplyUpdate(docA.DiffFrom(docB.StateVector()))
	bindB := NewTextBinding(docB, awB, nil)
	defer bindB.Close()

	cs := bindB.Cursors()
	require.Len(t, cs, 1)
	assert.Equal(t, 5, cs[0].Offset)
}

func TestCursorsSkipLocalAndCarryUser(t *testing.T) {
	doc := crdt.NewDoc(1)
	aw := awareness.New(1)
	b := NewTextBinding(doc, aw, nil)
	defer b.Close()

	doc.InsertText(0, "abc")
	require.NoError(t, b.SetUser(User{Name: "Ada", Color: "#e91e63"}))
	b.SetCursor(1)

	// Only the local cursor exists, so nothing is listed.
	require.Eventually(t, func() bool {
		_, ok := aw.States()[1]["cursor"]
		return ok
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, b.Cursors())

	// A remote peer with user and cursor shows up with both.
	remoteDoc := crdt.NewDoc(2)
	remoteDoc.ApplyUpdate(doc.DiffFrom(remoteDoc.StateVector()))
	remoteAw := awareness.New(2)
	unlink := link(t, remoteAw, aw)
	defer unlink()
	remoteBind := NewTextBinding(remoteDoc, remoteAw, nil)
	defer remoteBind.Close()
	remoteBind.debounce = time.Millisecond
	require.NoError(t, remoteBind.SetUser(User{Name: "Grace", Color: "#3f51b5"}))
	remoteBind.SetCursor(2)

	require.Eventually(t, func() bool {
		cs := b.Cursors()
		return len(cs) == 1 && cs[0].Offset == 2 && cs[0].User.Name == "Grace"
	}, time.Second, 10*time.Millisecond)
}

func TestConnectedUsersSorted(t *testing.T) {
	aw := awareness.New(5)
	b := NewTextBinding(crdt.NewDoc(5), aw, nil)
	defer b.Close()
	require.NoError(t, b.SetUser(User{Name: "Eve", Color: "#000"}))

	for _, peer := range []struct {
		id   uint64
		name string
	}{{2, "Grace"}, {9, "Ada"}} {
		remote := awareness.New(peer.id)
		require.NoError(t, remote.SetLocalStateField("user", User{Name: peer.name, Color: "#fff"}))
		_, err := aw.Apply(remote.Encode(peer.id))
		require.NoError(t, err)
	}

	users := b.ConnectedUsers()
	require.Len(t, users, 3)
	assert.Equal(t, []string{users[0].Name, users[1].Name, users[2].Name}, []string{"Grace", "Eve", "Ada"})
}

func TestCloseStopsCursorPublication(t *testing.T) {
	aw := awareness.New(1)
	doc := crdt.NewDoc(1)
	doc.InsertText(0, "x")
	b := NewTextBinding(doc, aw, nil)
	b.debounce = 10 * time.Millisecond
	b.SetCursor(0)
	b.Close()

	time.Sleep(50 * time.Millisecond)
	_, ok := aw.States()[1]["cursor"]
	assert.False(t, ok, "cursor published after close")
}
