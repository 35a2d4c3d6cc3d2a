package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrDecode is returned for truncated or structurally invalid payloads.
// A malformed update is rejected as a whole, never partially applied.
var ErrDecode = errors.New("crdt: malformed payload")

// Update sections. Unknown section kinds are skipped on decode so newer
// peers can ship operation kinds this build does not know about.
const (
	sectionAtoms = iota + 1
	sectionDeletes
	sectionFormats
)

const snapshotVersion = 1

type encoder struct {
	buf []byte
}

func (e *encoder) uint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *encoder) str(s string) {
	e.uint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) raw(b []byte) {
	e.uint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) bool(b bool) {
	if b {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
	}
}

func (d *decoder) uint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		d.fail("truncated varint at %d", d.pos)
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) take(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)-d.pos) {
		d.fail("truncated payload at %d", d.pos)
		return nil
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b
}

func (d *decoder) str() string {
	return string(d.take(d.uint()))
}

func (d *decoder) raw() []byte {
	b := d.take(d.uint())
	return append([]byte(nil), b...)
}

func (d *decoder) bool() bool {
	b := d.take(1)
	return len(b) == 1 && b[0] != 0
}

func (d *decoder) done() bool {
	return d.err != nil || d.pos >= len(d.buf)
}

func (e *encoder) position(p Position) {
	e.uint(uint64(len(p)))
	for _, s := range p {
		e.uint(s.Value)
		e.uint(s.Client)
	}
}

func (d *decoder) position() Position {
	n := d.uint()
	if d.err != nil || n > uint64(len(d.buf)) {
		d.fail("position length %d", n)
		return nil
	}
	p := make(Position, 0, n)
	for i := uint64(0); i < n; i++ {
		v := d.uint()
		c := d.uint()
		p = append(p, PosSeg{Value: v, Client: c})
	}
	return p
}

func (e *encoder) content(c Content) {
	var body encoder
	switch v := c.(type) {
	case RuneContent:
		e.uint(contentRune)
		body.uint(uint64(v.R))
	case EmbedContent:
		e.uint(contentEmbed)
		body.str(v.Kind)
		keys := make([]string, 0, len(v.Attrs))
		for k := range v.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		body.uint(uint64(len(keys)))
		for _, k := range keys {
			body.str(k)
			body.str(v.Attrs[k])
		}
	case BreakContent:
		e.uint(contentBreak)
	case OpaqueContent:
		e.uint(v.Kind)
		body.buf = v.Payload
	default:
		e.uint(contentBreak)
	}
	e.raw(body.buf)
}

func (d *decoder) content() Content {
	kind := d.uint()
	body := decoder{buf: d.take(d.uint())}
	if d.err != nil {
		return nil
	}
	switch kind {
	case contentRune:
		return RuneContent{R: rune(body.uint())}
	case contentEmbed:
		ec := EmbedContent{Kind: body.str()}
		n := body.uint()
		if n > uint64(len(body.buf)) {
			d.fail("embed attr count %d", n)
			return nil
		}
		if n > 0 {
			ec.Attrs = make(map[string]string, n)
		}
		for i := uint64(0); i < n; i++ {
			k := body.str()
			ec.Attrs[k] = body.str()
		}
		if body.err != nil {
			d.err = body.err
			return nil
		}
		return ec
	case contentBreak:
		return BreakContent{}
	default:
		// Preserve unknown content so the clock space stays contiguous
		// and the atom round-trips when re-encoded.
		return OpaqueContent{Kind: kind, Payload: append([]byte(nil), body.buf...)}
	}
}

func (e *encoder) deleteSet(ds DeleteSet) {
	clients := make([]uint64, 0, len(ds))
	for c, spans := range ds {
		if len(spans) > 0 {
			clients = append(clients, c)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	e.uint(uint64(len(clients)))
	for _, c := range clients {
		e.uint(c)
		spans := ds[c]
		e.uint(uint64(len(spans)))
		for _, s := range spans {
			e.uint(s.Clock)
			e.uint(s.Len)
		}
	}
}

func (d *decoder) deleteSet() DeleteSet {
	ds := DeleteSet{}
	n := d.uint()
	for i := uint64(0); i < n && d.err == nil; i++ {
		client := d.uint()
		m := d.uint()
		for j := uint64(0); j < m && d.err == nil; j++ {
			clock := d.uint()
			length := d.uint()
			ds.Add(client, clock, length)
		}
	}
	return ds
}

// EncodeUpdate serializes an update into its wire form.
func EncodeUpdate(u *Update) []byte {
	var e encoder

	if len(u.Atoms) > 0 {
		var body encoder
		body.uint(uint64(len(u.Atoms)))
		for _, op := range u.Atoms {
			body.uint(op.ID.Client)
			body.uint(op.ID.Clock)
			if op.Content == nil {
				body.uint(contentGone)
				body.raw(nil)
				body.uint(op.GoneLen)
				continue
			}
			body.content(op.Content)
			body.position(op.Pos)
		}
		e.uint(sectionAtoms)
		e.raw(body.buf)
	}

	if !u.Deletes.Empty() {
		var body encoder
		body.deleteSet(u.Deletes)
		e.uint(sectionDeletes)
		e.raw(body.buf)
	}

	if len(u.Formats) > 0 {
		var body encoder
		body.uint(uint64(len(u.Formats)))
		for _, f := range u.Formats {
			body.str(f.Key)
			body.str(f.Value)
			body.bool(f.Remove)
			body.uint(f.Lamport)
			body.uint(f.Client)
			body.deleteSet(DeleteSet(f.Spans))
		}
		e.uint(sectionFormats)
		e.raw(body.buf)
	}

	return e.buf
}

// DecodeUpdate parses a wire-form update. It fails with ErrDecode on
// truncated or invalid input and skips sections it does not recognize.
func DecodeUpdate(b []byte) (*Update, error) {
	d := decoder{buf: b}
	u := newUpdate()
	for !d.done() {
		kind := d.uint()
		body := decoder{buf: d.take(d.uint())}
		if d.err != nil {
			return nil, d.err
		}
		switch kind {
		case sectionAtoms:
			n := body.uint()
			if n > uint64(len(b)) {
				return nil, fmt.Errorf("%w: atom count %d", ErrDecode, n)
			}
			for i := uint64(0); i < n; i++ {
				op := AtomOp{ID: ID{Client: body.uint(), Clock: body.uint()}}
				op.Content = body.content()
				if body.err != nil {
					return nil, body.err
				}
				if c, ok := op.Content.(OpaqueContent); ok && c.Kind == contentGone {
					op.Content = nil
				}
				if op.Content == nil {
					op.GoneLen = body.uint()
				} else {
					op.Pos = body.position()
				}
				if body.err != nil {
					return nil, body.err
				}
				u.Atoms = append(u.Atoms, op)
			}
		case sectionDeletes:
			u.Deletes = body.deleteSet()
			if body.err != nil {
				return nil, body.err
			}
		case sectionFormats:
			n := body.uint()
			if n > uint64(len(b)) {
				return nil, fmt.Errorf("%w: format count %d", ErrDecode, n)
			}
			for i := uint64(0); i < n; i++ {
				f := FormatEntry{Key: body.str(), Value: body.str()}
				f.Remove = body.bool()
				f.Lamport = body.uint()
				f.Client = body.uint()
				f.Spans = map[uint64][]Span(body.deleteSet())
				if body.err != nil {
					return nil, body.err
				}
				u.Formats = append(u.Formats, f)
			}
		default:
			// Unknown operation kind from a newer peer: ignorable.
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return u, nil
}

// EncodeStateVector serializes a causal frontier.
func EncodeStateVector(sv StateVector) []byte {
	var e encoder
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	e.uint(uint64(len(clients)))
	for _, c := range clients {
		e.uint(c)
		e.uint(sv[c])
	}
	return e.buf
}

// DecodeStateVector parses a serialized causal frontier.
func DecodeStateVector(b []byte) (StateVector, error) {
	d := decoder{buf: b}
	n := d.uint()
	if n > uint64(len(b))+1 {
		return nil, fmt.Errorf("%w: state vector count %d", ErrDecode, n)
	}
	sv := StateVector{}
	for i := uint64(0); i < n; i++ {
		client := d.uint()
		clock := d.uint()
		if d.err != nil {
			return nil, d.err
		}
		sv[client] = clock
	}
	if d.err != nil {
		return nil, d.err
	}
	return sv, nil
}

// Snapshot serializes the full replica state, tombstones and marks
// included, for persistence or room hydration.
func (d *Doc) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var e encoder
	e.uint(snapshotVersion)
	e.raw(EncodeStateVector(d.sv))
	e.uint(d.lamport)
	e.deleteSet(d.collected)
	e.uint(uint64(len(d.atoms)))
	for _, a := range d.atoms {
		e.uint(a.ID.Client)
		e.uint(a.ID.Clock)
		e.content(a.Content)
		e.position(a.Pos)
		e.bool(a.Deleted)
		keys := make([]string, 0, len(a.marks))
		for k := range a.marks {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		e.uint(uint64(len(keys)))
		for _, k := range keys {
			m := a.marks[k]
			e.str(k)
			e.str(m.Value)
			e.bool(m.Remove)
			e.uint(m.Lamport)
			e.uint(m.Client)
		}
	}
	return e.buf
}

// Load replaces the replica state with a previously taken snapshot.
func (d *Doc) Load(b []byte) error {
	dec := decoder{buf: b}
	if v := dec.uint(); dec.err == nil && v != snapshotVersion {
		return fmt.Errorf("%w: unsupported snapshot version %d", ErrDecode, v)
	}
	sv, err := DecodeStateVector(dec.raw())
	if err != nil {
		return err
	}
	lamport := dec.uint()
	collected := dec.deleteSet()
	n := dec.uint()
	if dec.err != nil {
		return dec.err
	}
	if n > uint64(len(b)) {
		return fmt.Errorf("%w: atom count %d", ErrDecode, n)
	}
	atoms := make([]*Atom, 0, n)
	for i := uint64(0); i < n; i++ {
		a := &Atom{ID: ID{Client: dec.uint(), Clock: dec.uint()}}
		a.Content = dec.content()
		a.Pos = dec.position()
		a.Deleted = dec.bool()
		mc := dec.uint()
		if dec.err != nil {
			return dec.err
		}
		if mc > uint64(len(b)) {
			return fmt.Errorf("%w: mark count %d", ErrDecode, mc)
		}
		for j := uint64(0); j < mc; j++ {
			key := dec.str()
			m := mark{Value: dec.str()}
			m.Remove = dec.bool()
			m.Lamport = dec.uint()
			m.Client = dec.uint()
			if dec.err != nil {
				return dec.err
			}
			if a.marks == nil {
				a.marks = map[string]mark{}
			}
			a.marks[key] = m
		}
		atoms = append(atoms, a)
	}
	if dec.err != nil {
		return dec.err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.sv = sv
	d.lamport = lamport
	d.collected = collected
	d.deletes = DeleteSet{}
	d.atoms = d.atoms[:0]
	d.byID = map[ID]*Atom{}
	d.byClient = map[uint64][]*Atom{}
	d.visLen = 0
	d.pendingAtoms = nil
	d.pendingDeletes = DeleteSet{}
	d.pendingFormats = nil
	for _, a := range atoms {
		d.addAtom(a)
		if a.Deleted {
			d.deletes.Add(a.ID.Client, a.ID.Clock, 1)
		}
	}
	if next := d.sv[d.client]; next > d.clock {
		d.clock = next
	}
	return nil
}

// EncodeRelPos serializes an identifier-anchored cursor position.
func EncodeRelPos(rp RelPos) []byte {
	var e encoder
	e.bool(rp.ID != nil)
	if rp.ID != nil {
		e.uint(rp.ID.Client)
		e.uint(rp.ID.Clock)
	}
	e.position(rp.Pos)
	return e.buf
}

// DecodeRelPos parses a serialized cursor anchor.
func DecodeRelPos(b []byte) (RelPos, error) {
	d := decoder{buf: b}
	var rp RelPos
	if d.bool() {
		id := ID{Client: d.uint(), Clock: d.uint()}
		rp.ID = &id
	}
	rp.Pos = d.position()
	if d.err != nil {
		return RelPos{}, d.err
	}
	return rp, nil
}
