package crdt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionCompare(t *testing.T) {
	a := Position{{Value: 10, Client: 1}}
	b := Position{{Value: 10, Client: 2}}
	c := Position{{Value: 10, Client: 1}, {Value: 5, Client: 1}}
	d := Position{{Value: 11, Client: 1}}

	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, -1, a.Compare(b), "same value orders by client")
	assert.Equal(t, -1, a.Compare(c), "prefix sorts before its extension")
	assert.Equal(t, 1, c.Compare(a))
	assert.Equal(t, -1, c.Compare(b))
	assert.Equal(t, -1, a.Compare(d))
}

func TestPositionBetweenBounds(t *testing.T) {
	p := positionBetween(nil, nil, 1)
	require.NotEmpty(t, p)

	q := positionBetween(p, nil, 1)
	assert.Equal(t, -1, p.Compare(q))

	r := positionBetween(nil, p, 2)
	assert.Equal(t, -1, r.Compare(p))

	m := positionBetween(r, p, 3)
	assert.Equal(t, -1, r.Compare(m))
	assert.Equal(t, -1, m.Compare(p))
}

func TestPositionBetweenTightGap(t *testing.T) {
	left := Position{{Value: 7, Client: 1}}
	right := Position{{Value: 8, Client: 2}}
	p := positionBetween(left, right, 3)
	assert.Equal(t, -1, left.Compare(p))
	assert.Equal(t, -1, p.Compare(right))
}

func TestPositionsBetweenAscending(t *testing.T) {
	left := positionBetween(nil, nil, 1)
	right := positionBetween(left, nil, 2)
	ps := positionsBetween(left, right, 10, 3)
	require.Len(t, ps, 10)
	prev := left
	for _, p := range ps {
		assert.Equal(t, -1, prev.Compare(p))
		assert.Equal(t, -1, p.Compare(right))
		prev = p
	}
}

func TestRunContinuationStaysContiguous(t *testing.T) {
	// Two clients each allocate a run at the head of an empty document
	// without seeing each other. Merged, the runs must not interleave.
	alloc := func(client uint64, n int) []Position {
		out := make([]Position, n)
		var prev Position
		for i := range out {
			out[i] = positionBetween(prev, nil, client)
			prev = out[i]
		}
		return out
	}
	runA := alloc(1, 5)
	runB := alloc(2, 3)

	// Every position of one run sorts on the same side of every position
	// of the other.
	sign := runA[0].Compare(runB[0])
	for _, a := range runA {
		for _, b := range runB {
			assert.Equal(t, sign, a.Compare(b))
		}
	}
}

func TestPositionBetweenRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ps := []Position{positionBetween(nil, nil, 1)}
	for i := 0; i < 500; i++ {
		j := rng.Intn(len(ps) + 1)
		var left, right Position
		if j > 0 {
			left = ps[j-1]
		}
		if j < len(ps) {
			right = ps[j]
		}
		p := positionBetween(left, right, uint64(1+rng.Intn(4)))
		if left != nil {
			require.Equal(t, -1, left.Compare(p), "step %d", i)
		}
		if right != nil {
			require.Equal(t, -1, p.Compare(right), "step %d", i)
		}
		ps = append(ps[:j], append([]Position{p}, ps[j:]...)...)
	}
	for i := 1; i < len(ps); i++ {
		require.Equal(t, -1, ps[i-1].Compare(ps[i]))
	}
}

func TestPositionCloneIsIndependent(t *testing.T) {
	p := Position{{Value: 1, Client: 1}, {Value: 2, Client: 1}}
	c := p.clone()
	c[0].Value = 99
	assert.Equal(t, uint64(1), p[0].Value)
}
