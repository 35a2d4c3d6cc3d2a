package crdt

import "sort"

// ID identifies a single atom: the issuing client plus that client's
// monotonic insertion counter.
type ID struct {
	Client uint64
	Clock  uint64
}

// Span is a contiguous clock range [Clock, Clock+Len) of one client.
type Span struct {
	Clock uint64
	Len   uint64
}

// DeleteSet maps client ids to normalized, ascending, non-overlapping spans.
type DeleteSet map[uint64][]Span

// Add merges a span into the set, coalescing neighbours.
func (ds DeleteSet) Add(client, clock, length uint64) {
	if length == 0 {
		return
	}
	spans := append(ds[client], Span{Clock: clock, Len: length})
	sort.Slice(spans, func(i, j int) bool { return spans[i].Clock < spans[j].Clock })
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.Clock <= last.Clock+last.Len {
			if end := s.Clock + s.Len; end > last.Clock+last.Len {
				last.Len = end - last.Clock
			}
		} else {
			merged = append(merged, s)
		}
	}
	ds[client] = merged
}

// Contains reports whether the clock is covered for the client.
func (ds DeleteSet) Contains(client, clock uint64) bool {
	spans := ds[client]
	i := sort.Search(len(spans), func(i int) bool { return spans[i].Clock+spans[i].Len > clock })
	return i < len(spans) && spans[i].Clock <= clock
}

func (ds DeleteSet) Empty() bool {
	for _, spans := range ds {
		if len(spans) > 0 {
			return false
		}
	}
	return true
}

func (ds DeleteSet) Clone() DeleteSet {
	c := make(DeleteSet, len(ds))
	for client, spans := range ds {
		c[client] = append([]Span(nil), spans...)
	}
	return c
}

// AtomOp carries one inserted atom. Ops with contentGone carry no position
// or content; they stand in for atoms the sender already collected.
type AtomOp struct {
	ID      ID
	Pos     Position
	Content Content
	// Gone spans this many clocks when Content is nil (collected range).
	GoneLen uint64
}

// FormatEntry is a formatting mark over explicit atom spans. Entries merge
// per attribute key with last-writer-wins by (Lamport, Client).
type FormatEntry struct {
	Spans   map[uint64][]Span
	Key     string
	Value   string
	Remove  bool
	Lamport uint64
	Client  uint64
}

// Update is an immutable, serializable delta: new atoms, deleted clock
// spans, and formatting marks. Updates apply idempotently in any order.
type Update struct {
	Atoms   []AtomOp
	Deletes DeleteSet
	Formats []FormatEntry
}

func newUpdate() *Update {
	return &Update{Deletes: DeleteSet{}}
}

// Empty reports whether the update carries no operations at all.
func (u *Update) Empty() bool {
	return len(u.Atoms) == 0 && u.Deletes.Empty() && len(u.Formats) == 0
}
