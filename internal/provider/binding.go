package provider

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/HansTydecks/blog-didacta-colab/internal/awareness"
	"github.com/HansTydecks/blog-didacta-colab/internal/crdt"
)

// DefaultCursorDebounce batches rapid cursor movement into one awareness
// update.
const DefaultCursorDebounce = 150 * time.Millisecond

// User is the identity a session publishes under the awareness "user" field.
type User struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Cursor is a peer's resolved cursor: the current visible offset plus the
// identity it belongs to.
type Cursor struct {
	Client uint64
	Offset int
	User   User
}

// cursorState is the wire form of a cursor anchor: the encoded relative
// position, which stays correct while concurrent edits shift offsets.
type cursorState struct {
	Anchor []byte `json:"anchor"`
}

// TextBinding translates offset-based editor calls into document operations
// and document changes back into view refreshes. All edits are local-first;
// the provider forwards them in the background.
type TextBinding struct {
	doc *crdt.Doc
	aw  *awareness.Awareness

	mu       sync.Mutex
	debounce time.Duration
	timer    *time.Timer
	pending  int
	hasPend  bool
	closed   bool

	unsub func()
}

// NewTextBinding binds a document to a view. onRefresh is called with the
// affected visible region after every change, local or remote; nil is
// allowed.
func NewTextBinding(doc *crdt.Doc, aw *awareness.Awareness, onRefresh func(crdt.Region)) *TextBinding {
	b := &TextBinding{
		doc:      doc,
		aw:       aw,
		debounce: DefaultCursorDebounce,
	}
	if onRefresh != nil {
		b.unsub = doc.OnChange(onRefresh)
	}
	return b
}

// SetUser announces the local identity to the room.
func (b *TextBinding) SetUser(u User) error {
	return b.aw.SetLocalStateField("user", u)
}

func (b *TextBinding) InsertText(offset int, s string) {
	b.doc.InsertText(offset, s)
}

func (b *TextBinding) InsertImage(offset int, src, alt string) {
	b.doc.InsertEmbed(offset, "image", map[string]string{"src": src, "alt": alt})
}

func (b *TextBinding) InsertBreak(offset int, block string) {
	b.doc.InsertBreak(offset, block)
}

func (b *TextBinding) Delete(offset, length int) {
	b.doc.Delete(offset, length)
}

func (b *TextBinding) Format(offset, length int, key, value string) {
	b.doc.Format(offset, length, key, value)
}

// Text returns the current visible content as plain text.
func (b *TextBinding) Text() string { return b.doc.Text() }

// Runs returns the current visible content as formatting runs.
func (b *TextBinding) Runs() []crdt.Run { return b.doc.Runs() }

// SetCursor records the local cursor at a visible offset. Publication is
// debounced; the anchor is relative, so peers resolve it correctly even
// after concurrent edits.
func (b *TextBinding) SetCursor(offset int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending = offset
	b.hasPend = true
	if b.timer == nil {
		b.timer = time.AfterFunc(b.debounce, b.publishCursor)
	} else {
		b.timer.Reset(b.debounce)
	}
}

func (b *TextBinding) publishCursor() {
	b.mu.Lock()
	if b.closed || !b.hasPend {
		b.mu.Unlock()
		return
	}
	offset := b.pending
	b.hasPend = false
	b.mu.Unlock()

	rp := b.doc.RelPosAt(offset)
	b.aw.SetLocalStateField("cursor", cursorState{Anchor: crdt.EncodeRelPos(rp)})
}

// Cursors resolves every peer's published cursor against the current
// document state, sorted by client id. The local cursor is excluded.
func (b *TextBinding) Cursors() []Cursor {
	states := b.aw.States()
	out := make([]Cursor, 0, len(states))
	for client, state := range states {
		if client == b.aw.ClientID() {
			continue
		}
		raw, ok := state["cursor"]
		if !ok {
			continue
		}
		var cs cursorState
		if err := json.Unmarshal(raw, &cs); err != nil {
			continue
		}
		rp, err := crdt.DecodeRelPos(cs.Anchor)
		if err != nil {
			continue
		}
		c := Cursor{Client: client, Offset: b.doc.ResolveRelPos(rp)}
		if u, ok := state["user"]; ok {
			json.Unmarshal(u, &c.User)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Client < out[j].Client })
	return out
}

// ConnectedUsers lists the identities currently present in the room,
// the local one included, sorted by client id.
func (b *TextBinding) ConnectedUsers() []User {
	states := b.aw.States()
	clients := make([]uint64, 0, len(states))
	for client := range states {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	out := make([]User, 0, len(clients))
	for _, client := range clients {
		raw, ok := states[client]["user"]
		if !ok {
			continue
		}
		var u User
		if err := json.Unmarshal(raw, &u); err != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Close stops the cursor timer and detaches from the document.
func (b *TextBinding) Close() {
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()
	if b.unsub != nil {
		b.unsub()
	}
}
