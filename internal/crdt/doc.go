package crdt

import (
	"sort"
	"strings"
	"sync"
)

// mark is the winning value for one attribute key on one atom.
// Concurrent writers are resolved by (Lamport, Client), highest wins.
type mark struct {
	Value   string
	Remove  bool
	Lamport uint64
	Client  uint64
}

func (m mark) beats(o mark) bool {
	if m.Lamport != o.Lamport {
		return m.Lamport > o.Lamport
	}
	return m.Client > o.Client
}

// Atom is one unit of document content. Deleted atoms stay in the structure
// as tombstones so concurrent operations referencing them still resolve.
type Atom struct {
	ID      ID
	Pos     Position
	Content Content
	Deleted bool
	marks   map[string]mark
}

// Region is a visible-offset range affected by a change, used by bindings
// to re-render only the touched part of the view.
type Region struct {
	From int
	To   int
}

// Doc is a replicated rich-text document. Applying the same set of updates
// in any order converges every replica to identical visible content.
//
// All methods are safe for concurrent use. Change handlers are invoked
// outside the document lock.
type Doc struct {
	mu        sync.Mutex
	client    uint64
	clock     uint64
	lamport   uint64
	atoms     []*Atom
	byID      map[ID]*Atom
	byClient  map[uint64][]*Atom
	sv        StateVector
	deletes   DeleteSet
	collected DeleteSet
	visLen    int

	pendingAtoms   []AtomOp
	pendingDeletes DeleteSet
	pendingFormats []FormatEntry

	nextSub    int
	updateSubs map[int]func(u *Update, local bool)
	changeSubs map[int]func(r Region)
}

// NewDoc creates an empty replica owned by the given client id.
func NewDoc(client uint64) *Doc {
	return &Doc{
		client:         client,
		byID:           map[ID]*Atom{},
		byClient:       map[uint64][]*Atom{},
		sv:             StateVector{},
		deletes:        DeleteSet{},
		collected:      DeleteSet{},
		pendingDeletes: DeleteSet{},
		updateSubs:     map[int]func(*Update, bool){},
		changeSubs:     map[int]func(Region){},
	}
}

// ClientID returns the replica id local operations are issued under.
func (d *Doc) ClientID() uint64 { return d.client }

// OnUpdate registers a handler fired once per local operation and once per
// applied remote update. The returned function unsubscribes.
func (d *Doc) OnUpdate(fn func(u *Update, local bool)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.updateSubs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.updateSubs, id)
	}
}

// OnChange registers a handler fired whenever visible content changed,
// with the affected visible-offset region.
func (d *Doc) OnChange(fn func(r Region)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.changeSubs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.changeSubs, id)
	}
}

func (d *Doc) notify(u *Update, local bool, r *Region) {
	d.mu.Lock()
	upds := make([]func(*Update, bool), 0, len(d.updateSubs))
	for _, fn := range d.updateSubs {
		upds = append(upds, fn)
	}
	chgs := make([]func(Region), 0, len(d.changeSubs))
	for _, fn := range d.changeSubs {
		chgs = append(chgs, fn)
	}
	d.mu.Unlock()
	if u != nil && !u.Empty() {
		for _, fn := range upds {
			fn(u, local)
		}
	}
	if r != nil {
		for _, fn := range chgs {
			fn(*r)
		}
	}
}

// Len returns the number of visible atoms (runes, embeds and breaks).
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visLen
}

// StateVector returns a copy of the causal frontier of this replica.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sv.Clone()
}

// visibleAt returns the visible atom at index i, or nil past the end.
func (d *Doc) visibleAt(i int) *Atom {
	if i < 0 || i >= d.visLen {
		return nil
	}
	n := 0
	for _, a := range d.atoms {
		if a.Deleted {
			continue
		}
		if n == i {
			return a
		}
		n++
	}
	return nil
}

// insertIndex locates the slice index for a new atom, ordered by position
// with the atom id as the final deterministic tie-break.
func (d *Doc) insertIndex(pos Position, id ID) int {
	return sort.Search(len(d.atoms), func(i int) bool {
		c := d.atoms[i].Pos.Compare(pos)
		if c != 0 {
			return c > 0
		}
		a := d.atoms[i].ID
		if a.Client != id.Client {
			return a.Client > id.Client
		}
		return a.Clock > id.Clock
	})
}

func (d *Doc) addAtom(a *Atom) {
	i := d.insertIndex(a.Pos, a.ID)
	d.atoms = append(d.atoms, nil)
	copy(d.atoms[i+1:], d.atoms[i:])
	d.atoms[i] = a
	d.byID[a.ID] = a
	d.byClient[a.ID.Client] = append(d.byClient[a.ID.Client], a)
	if !a.Deleted {
		d.visLen++
	}
}

// neighbours returns the positions flanking visible offset i.
func (d *Doc) neighbours(i int) (left, right Position) {
	if i > 0 {
		if a := d.visibleAt(i - 1); a != nil {
			left = a.Pos
		}
	}
	if a := d.visibleAt(i); a != nil {
		right = a.Pos
	}
	return left, right
}

func (d *Doc) insertContent(offset int, contents []Content) (*Update, Region) {
	d.mu.Lock()
	if offset < 0 {
		offset = 0
	}
	if offset > d.visLen {
		offset = d.visLen
	}
	left, right := d.neighbours(offset)
	positions := positionsBetween(left, right, len(contents), d.client)
	u := newUpdate()
	for i, c := range contents {
		a := &Atom{
			ID:      ID{Client: d.client, Clock: d.clock},
			Pos:     positions[i],
			Content: c,
		}
		d.clock++
		d.addAtom(a)
		u.Atoms = append(u.Atoms, AtomOp{ID: a.ID, Pos: a.Pos, Content: a.Content})
	}
	d.sv[d.client] = d.clock
	r := Region{From: offset, To: offset + len(contents)}
	d.mu.Unlock()
	return u, r
}

// InsertText inserts s at the visible offset and returns the update to
// broadcast. The edit applies locally first and never waits on the network.
func (d *Doc) InsertText(offset int, s string) *Update {
	runes := []rune(s)
	if len(runes) == 0 {
		return newUpdate()
	}
	contents := make([]Content, len(runes))
	for i, r := range runes {
		contents[i] = RuneContent{R: r}
	}
	u, r := d.insertContent(offset, contents)
	d.notify(u, true, &r)
	return u
}

// InsertEmbed inserts an embedded element (e.g. an image reference).
func (d *Doc) InsertEmbed(offset int, kind string, attrs map[string]string) *Update {
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	u, r := d.insertContent(offset, []Content{EmbedContent{Kind: kind, Attrs: cp}})
	d.notify(u, true, &r)
	return u
}

// InsertBreak inserts a block boundary of the given block type
// ("paragraph", "heading1", "blockquote", ...).
func (d *Doc) InsertBreak(offset int, block string) *Update {
	u, r := d.insertContent(offset, []Content{BreakContent{}})
	if block != "" {
		id := u.Atoms[0].ID
		d.mu.Lock()
		fu := d.formatIDs([]ID{id}, "block", block, false)
		d.mu.Unlock()
		u.Formats = append(u.Formats, fu.Formats...)
	}
	d.notify(u, true, &r)
	return u
}

// Delete tombstones length visible atoms starting at offset.
func (d *Doc) Delete(offset, length int) *Update {
	d.mu.Lock()
	u := newUpdate()
	from := offset
	for _, a := range d.visibleRange(offset, length) {
		a.Deleted = true
		d.visLen--
		u.Deletes.Add(a.ID.Client, a.ID.Clock, 1)
		d.deletes.Add(a.ID.Client, a.ID.Clock, 1)
	}
	r := Region{From: from, To: from}
	d.mu.Unlock()
	d.notify(u, true, &r)
	return u
}

// visibleRange collects the visible atoms in [offset, offset+length).
// Caller holds the lock.
func (d *Doc) visibleRange(offset, length int) []*Atom {
	var out []*Atom
	n := 0
	for _, a := range d.atoms {
		if a.Deleted {
			continue
		}
		if n >= offset && n < offset+length {
			out = append(out, a)
		}
		n++
		if n >= offset+length {
			break
		}
	}
	return out
}

// Format sets (or, with an empty value, clears) an attribute over a visible
// range. Concurrent writers of the same key resolve last-writer-wins by
// causal order; formatting tombstoned content is a harmless no-op.
func (d *Doc) Format(offset, length int, key, value string) *Update {
	d.mu.Lock()
	ids := make([]ID, 0, length)
	for _, a := range d.visibleRange(offset, length) {
		ids = append(ids, a.ID)
	}
	u := d.formatIDs(ids, key, value, value == "")
	r := Region{From: offset, To: offset + length}
	d.mu.Unlock()
	d.notify(u, true, &r)
	return u
}

// formatIDs builds and locally applies a format entry. Caller holds the lock.
func (d *Doc) formatIDs(ids []ID, key, value string, remove bool) *Update {
	u := newUpdate()
	if len(ids) == 0 {
		return u
	}
	d.lamport++
	entry := FormatEntry{
		Spans:   map[uint64][]Span{},
		Key:     key,
		Value:   value,
		Remove:  remove,
		Lamport: d.lamport,
		Client:  d.client,
	}
	spans := DeleteSet(entry.Spans)
	m := mark{Value: value, Remove: remove, Lamport: entry.Lamport, Client: d.client}
	for _, id := range ids {
		spans.Add(id.Client, id.Clock, 1)
		if a := d.byID[id]; a != nil {
			d.setMark(a, key, m)
		}
	}
	u.Formats = append(u.Formats, entry)
	return u
}

func (d *Doc) setMark(a *Atom, key string, m mark) bool {
	if a.marks == nil {
		a.marks = map[string]mark{}
	}
	if old, ok := a.marks[key]; ok && !m.beats(old) {
		return false
	}
	a.marks[key] = m
	return true
}

// ApplyUpdate merges a remote update into the replica. It is idempotent and
// tolerates any arrival order; operations referencing atoms not yet received
// are buffered until their dependencies arrive. Merging never fails.
func (d *Doc) ApplyUpdate(u *Update) {
	d.mu.Lock()
	touched := map[*Atom]bool{}
	changed := false

	d.pendingAtoms = append(d.pendingAtoms, u.Atoms...)
	for client, spans := range u.Deletes {
		for _, s := range spans {
			d.pendingDeletes.Add(client, s.Clock, s.Len)
		}
	}
	d.pendingFormats = append(d.pendingFormats, u.Formats...)

	changed = d.integratePending(touched) || changed

	var region *Region
	if changed {
		r := d.touchedRegion(touched)
		region = &r
	}
	d.mu.Unlock()
	d.notify(u, false, region)
}

// integratePending drains whatever part of the pending buffers has its
// dependencies satisfied. Caller holds the lock.
func (d *Doc) integratePending(touched map[*Atom]bool) bool {
	changed := false
	for {
		progress := false

		remaining := d.pendingAtoms[:0]
		for _, op := range d.pendingAtoms {
			switch d.integrateAtom(op, touched) {
			case integrated:
				progress = true
				changed = true
			case stale:
				// Already known, drop.
			case blocked:
				remaining = append(remaining, op)
			}
		}
		d.pendingAtoms = remaining

		if d.applyPendingDeletes(touched) {
			changed = true
		}
		if d.applyPendingFormats(touched) {
			changed = true
		}

		if !progress {
			return changed
		}
	}
}

type integrateResult int

const (
	integrated integrateResult = iota
	stale
	blocked
)

func (d *Doc) integrateAtom(op AtomOp, touched map[*Atom]bool) integrateResult {
	next := d.sv[op.ID.Client]
	if op.Content == nil {
		// Collected range from a peer that already ran GC.
		end := op.ID.Clock + op.GoneLen
		if end <= next {
			return stale
		}
		if op.ID.Clock > next {
			return blocked
		}
		d.collected.Add(op.ID.Client, op.ID.Clock, op.GoneLen)
		d.sv[op.ID.Client] = end
		return integrated
	}
	if op.ID.Clock < next {
		return stale
	}
	if op.ID.Clock > next {
		return blocked
	}
	a := &Atom{ID: op.ID, Pos: op.Pos, Content: op.Content}
	d.addAtom(a)
	d.sv[op.ID.Client] = op.ID.Clock + 1
	touched[a] = true
	return integrated
}

func (d *Doc) applyPendingDeletes(touched map[*Atom]bool) bool {
	changed := false
	rest := DeleteSet{}
	for client, spans := range d.pendingDeletes {
		known := d.sv[client]
		for _, s := range spans {
			for c := s.Clock; c < s.Clock+s.Len; c++ {
				if c >= known {
					rest.Add(client, c, 1)
					continue
				}
				if a := d.byID[ID{Client: client, Clock: c}]; a != nil && !a.Deleted {
					a.Deleted = true
					d.visLen--
					touched[a] = true
					changed = true
				}
				d.deletes.Add(client, c, 1)
			}
		}
	}
	d.pendingDeletes = rest
	return changed
}

func (d *Doc) applyPendingFormats(touched map[*Atom]bool) bool {
	changed := false
	var rest []FormatEntry
	for _, e := range d.pendingFormats {
		if e.Lamport > d.lamport {
			d.lamport = e.Lamport
		}
		m := mark{Value: e.Value, Remove: e.Remove, Lamport: e.Lamport, Client: e.Client}
		blockedSpans := DeleteSet{}
		for client, spans := range e.Spans {
			known := d.sv[client]
			for _, s := range spans {
				for c := s.Clock; c < s.Clock+s.Len; c++ {
					if c >= known {
						blockedSpans.Add(client, c, 1)
						continue
					}
					if a := d.byID[ID{Client: client, Clock: c}]; a != nil {
						if d.setMark(a, e.Key, m) && !a.Deleted {
							touched[a] = true
							changed = true
						}
					}
				}
			}
		}
		if !blockedSpans.Empty() {
			e.Spans = blockedSpans
			rest = append(rest, e)
		}
	}
	d.pendingFormats = rest
	return changed
}

// touchedRegion translates a set of affected atoms into a visible-offset
// region. Caller holds the lock.
func (d *Doc) touchedRegion(touched map[*Atom]bool) Region {
	if len(touched) == 0 {
		return Region{}
	}
	lo, hi, n := -1, 0, 0
	for _, a := range d.atoms {
		if touched[a] {
			if lo < 0 {
				lo = n
			}
			hi = n
			if !a.Deleted {
				hi++
			}
		}
		if !a.Deleted {
			n++
		}
	}
	if lo < 0 {
		return Region{}
	}
	return Region{From: lo, To: hi}
}

// DiffFrom produces the minimal update a peer with the given frontier needs
// to catch up: atoms it lacks, plus the full delete and format state, which
// reapply idempotently.
func (d *Doc) DiffFrom(remote StateVector) *Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := newUpdate()

	for client, local := range d.sv {
		have := remote[client]
		if have >= local {
			continue
		}
		for _, a := range d.byClient[client] {
			if a.ID.Clock >= have {
				u.Atoms = append(u.Atoms, AtomOp{ID: a.ID, Pos: a.Pos, Content: a.Content})
			}
		}
		for _, s := range d.collected[client] {
			end := s.Clock + s.Len
			if end <= have {
				continue
			}
			start := s.Clock
			if start < have {
				start = have
			}
			u.Atoms = append(u.Atoms, AtomOp{
				ID:      ID{Client: client, Clock: start},
				GoneLen: end - start,
			})
		}
	}

	for client, spans := range d.deletes {
		for _, s := range spans {
			u.Deletes.Add(client, s.Clock, s.Len)
		}
	}
	for client, spans := range d.collected {
		for _, s := range spans {
			u.Deletes.Add(client, s.Clock, s.Len)
		}
	}

	u.Formats = d.formatState()
	return u
}

// formatState synthesizes format entries covering every mark currently held,
// grouped by identical winners. Caller holds the lock.
func (d *Doc) formatState() []FormatEntry {
	type fkey struct {
		key string
		m   mark
	}
	groups := map[fkey]DeleteSet{}
	var order []fkey
	for _, a := range d.atoms {
		for key, m := range a.marks {
			k := fkey{key: key, m: m}
			ds, ok := groups[k]
			if !ok {
				ds = DeleteSet{}
				groups[k] = ds
				order = append(order, k)
			}
			ds.Add(a.ID.Client, a.ID.Clock, 1)
		}
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.key != b.key {
			return a.key < b.key
		}
		if a.m.Lamport != b.m.Lamport {
			return a.m.Lamport < b.m.Lamport
		}
		return a.m.Client < b.m.Client
	})
	out := make([]FormatEntry, 0, len(order))
	for _, k := range order {
		out = append(out, FormatEntry{
			Spans:   groups[k],
			Key:     k.key,
			Value:   k.m.Value,
			Remove:  k.m.Remove,
			Lamport: k.m.Lamport,
			Client:  k.m.Client,
		})
	}
	return out
}

// RunGarbageCollection physically drops tombstones whose ids lie below the
// given causal floor, reclaiming their memory. The collected clock ranges
// are remembered so stale peers still converge. Returns the number of atoms
// collected.
func (d *Doc) RunGarbageCollection(floor StateVector) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	collected := 0
	kept := d.atoms[:0]
	for _, a := range d.atoms {
		if a.Deleted && a.ID.Clock < floor[a.ID.Client] {
			d.collected.Add(a.ID.Client, a.ID.Clock, 1)
			delete(d.byID, a.ID)
			collected++
			continue
		}
		kept = append(kept, a)
	}
	d.atoms = kept
	if collected > 0 {
		for client, list := range d.byClient {
			keptC := list[:0]
			for _, a := range list {
				if _, ok := d.byID[a.ID]; ok {
					keptC = append(keptC, a)
				}
			}
			d.byClient[client] = keptC
		}
	}
	return collected
}

// Text renders the visible content as a plain string: breaks become
// newlines and embeds the object replacement character.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for _, a := range d.atoms {
		if a.Deleted {
			continue
		}
		switch c := a.Content.(type) {
		case RuneContent:
			b.WriteRune(c.R)
		case BreakContent:
			b.WriteRune('\n')
		case EmbedContent:
			b.WriteRune('￼')
		}
	}
	return b.String()
}

// Run is a rendering unit: a stretch of equally formatted text, a single
// embed, or a block break.
type Run struct {
	Text  string
	Attrs map[string]string
	Embed *EmbedContent
	Break bool
}

func (d *Doc) visibleAttrs(a *Atom) map[string]string {
	var out map[string]string
	for key, m := range a.marks {
		if m.Remove {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[key] = m.Value
	}
	return out
}

func attrsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Runs renders the visible content grouped into formatting runs, the shape
// an editor view consumes.
func (d *Doc) Runs() []Run {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Run
	var cur *Run
	for _, a := range d.atoms {
		if a.Deleted {
			continue
		}
		attrs := d.visibleAttrs(a)
		switch c := a.Content.(type) {
		case RuneContent:
			if cur == nil || cur.Embed != nil || cur.Break || !attrsEqual(cur.Attrs, attrs) {
				out = append(out, Run{Attrs: attrs})
				cur = &out[len(out)-1]
			}
			cur.Text += string(c.R)
		case EmbedContent:
			e := c
			out = append(out, Run{Embed: &e, Attrs: attrs})
			cur = &out[len(out)-1]
		case BreakContent:
			out = append(out, Run{Break: true, Attrs: attrs})
			cur = &out[len(out)-1]
		}
	}
	return out
}
