package crdt

// A Position is a path in a dense, totally ordered identifier space. Each
// segment carries the value used for ordering plus the client that allocated
// it, so two clients never allocate the same position. Positions are
// immutable once assigned to an atom; tombstones keep theirs.
type Position []PosSeg

type PosSeg struct {
	Value  uint64
	Client uint64
}

const (
	// maxPosValue is the open upper bound for segment values at any depth.
	maxPosValue = 1 << 32

	// posBoundary caps how far past the left neighbour a new value is
	// placed when the gap is large, keeping room for later prepends.
	posBoundary = 32
)

// seg returns the segment at depth i, padding with the virtual minimum
// segment beyond the end of the path.
func (p Position) seg(i int) PosSeg {
	if i < len(p) {
		return p[i]
	}
	return PosSeg{}
}

// Compare orders positions lexicographically by (value, client) per depth.
// Shorter paths sort before their extensions.
func (p Position) Compare(q Position) int {
	n := len(p)
	if len(q) > n {
		n = len(q)
	}
	for i := 0; i < n; i++ {
		a, b := p.seg(i), q.seg(i)
		if a.Value != b.Value {
			if a.Value < b.Value {
				return -1
			}
			return 1
		}
		if a.Client != b.Client {
			if a.Client < b.Client {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (p Position) clone() Position {
	c := make(Position, len(p))
	copy(c, p)
	return c
}

// positionBetween allocates a fresh position strictly between left and
// right. A nil left means the start of the document, a nil right the end.
//
// When the left neighbour was allocated by the same client, the new position
// continues inside that neighbour's subtree (a sibling at its final depth,
// or one level below it). A run typed by one client therefore occupies a
// contiguous region of the identifier space: a concurrent run by another
// client starting at the same spot sorts entirely before or entirely after
// it, never character-interleaved.
func positionBetween(left, right Position, client uint64) Position {
	n := len(left)
	own := n > 0 && left[n-1].Client == client
	if own && n >= 2 {
		if p, ok := siblingAfter(left, right, client); ok {
			return p
		}
	}
	minDepth := 0
	if own {
		minDepth = n
	}
	return allocate(left, right, client, minDepth)
}

// siblingAfter tries to place the new position next to left's final segment,
// keeping left's prefix. Fails when the right bound leaves no room there.
func siblingAfter(left, right Position, client uint64) (Position, bool) {
	d := len(left) - 1
	lh := left[d]
	rh := PosSeg{Value: maxPosValue}
	if len(right) > d {
		prefix := true
		for i := 0; i < d; i++ {
			if right[i] != left[i] {
				prefix = false
				break
			}
		}
		if prefix {
			rh = right[d]
		}
	}
	if rh.Value <= lh.Value+1 {
		return nil, false
	}
	out := make(Position, d+1)
	copy(out, left[:d])
	gap := rh.Value - lh.Value
	v := lh.Value + gap/2
	if gap > 2*posBoundary {
		v = lh.Value + posBoundary
	}
	out[d] = PosSeg{Value: v, Client: client}
	return out, true
}

// allocate walks the depths, copying left's path at least through minDepth,
// and claims the first depth offering an integer gap below the right bound.
func allocate(left, right Position, client uint64, minDepth int) Position {
	res := make(Position, 0, len(left)+1)
	rightOpen := right == nil
	for depth := 0; ; depth++ {
		lh := left.seg(depth)
		rh := PosSeg{Value: maxPosValue}
		if !rightOpen && depth < len(right) {
			rh = right[depth]
		}
		if depth >= minDepth && rh.Value > lh.Value+1 {
			gap := rh.Value - lh.Value
			v := lh.Value + gap/2
			if gap > 2*posBoundary {
				v = lh.Value + posBoundary
			}
			return append(res, PosSeg{Value: v, Client: client})
		}
		if lh == rh {
			// Shared segment on both bounds, descend.
			res = append(res, lh)
			continue
		}
		// The left bound's segment is strictly below the right bound's,
		// so any extension of it stays below the right bound. Descend
		// along the left bound only.
		res = append(res, lh)
		rightOpen = true
	}
}

// positionsBetween allocates n consecutive fresh positions between left and
// right, in ascending order.
func positionsBetween(left, right Position, n int, client uint64) []Position {
	out := make([]Position, n)
	prev := left
	for i := 0; i < n; i++ {
		p := positionBetween(prev, right, client)
		out[i] = p
		prev = p
	}
	return out
}
