package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleUpdate() *Update {
	u := newUpdate()
	u.Atoms = append(u.Atoms,
		AtomOp{
			ID:      ID{Client: 1, Clock: 0},
			Pos:     Position{{Value: 32, Client: 1}},
			Content: RuneContent{R: 'ä'},
		},
		AtomOp{
			ID:      ID{Client: 1, Clock: 1},
			Pos:     Position{{Value: 32, Client: 1}, {Value: 32, Client: 1}},
			Content: EmbedContent{Kind: "image", Attrs: map[string]string{"src": "/api/uploads/p/img.png", "alt": "diagram"}},
		},
		AtomOp{
			ID:      ID{Client: 2, Clock: 4},
			Pos:     Position{{Value: 64, Client: 2}},
			Content: BreakContent{},
		},
		AtomOp{ID: ID{Client: 3, Clock: 10}, GoneLen: 5},
	)
	u.Deletes.Add(1, 0, 1)
	u.Deletes.Add(2, 2, 3)
	u.Formats = append(u.Formats, FormatEntry{
		Spans:   map[uint64][]Span{1: {{Clock: 0, Len: 2}}},
		Key:     "bold",
		Value:   "true",
		Lamport: 3,
		Client:  1,
	}, FormatEntry{
		Spans:   map[uint64][]Span{2: {{Clock: 4, Len: 1}}},
		Key:     "block",
		Value:   "heading1",
		Lamport: 4,
		Client:  2,
	})
	return u
}

func TestUpdateRoundTrip(t *testing.T) {
	u := sampleUpdate()
	got, err := DecodeUpdate(EncodeUpdate(u))
	require.NoError(t, err)
	assert.Equal(t, u, got)
}

func TestEmptyUpdateRoundTrip(t *testing.T) {
	u := newUpdate()
	assert.Empty(t, EncodeUpdate(u))
	got, err := DecodeUpdate(nil)
	require.NoError(t, err)
	assert.True(t, got.Empty())
}

func TestDecodeTruncated(t *testing.T) {
	b := EncodeUpdate(sampleUpdate())
	for cut := 1; cut < len(b); cut++ {
		got, err := DecodeUpdate(b[:cut])
		if err == nil {
			// A cut landing exactly on a section boundary leaves a
			// shorter but well-formed payload.
			require.NotNil(t, got)
			continue
		}
		assert.ErrorIs(t, err, ErrDecode, "cut at %d", cut)
	}
}

func TestDecodeGarbage(t *testing.T) {
	_, err := DecodeUpdate([]byte{0xff})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeSkipsUnknownSection(t *testing.T) {
	var e encoder
	e.uint(99)
	e.raw([]byte{1, 2, 3, 4})
	e.buf = append(e.buf, EncodeUpdate(sampleUpdate())...)

	got, err := DecodeUpdate(e.buf)
	require.NoError(t, err)
	assert.Equal(t, sampleUpdate(), got)
}

func TestUnknownContentRoundTrips(t *testing.T) {
	// An atom kind from a newer build survives decode and re-encode
	// without loss, keeping the sender's clock space intact.
	u := newUpdate()
	u.Atoms = append(u.Atoms, AtomOp{
		ID:      ID{Client: 5, Clock: 7},
		Pos:     Position{{Value: 16, Client: 5}},
		Content: OpaqueContent{Kind: 42, Payload: []byte{9, 9, 9}},
	})
	got, err := DecodeUpdate(EncodeUpdate(u))
	require.NoError(t, err)
	require.Len(t, got.Atoms, 1)
	assert.Equal(t, OpaqueContent{Kind: 42, Payload: []byte{9, 9, 9}}, got.Atoms[0].Content)

	again, err := DecodeUpdate(EncodeUpdate(got))
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestStateVectorRoundTrip(t *testing.T) {
	sv := StateVector{1: 10, 2: 0, 7: 300}
	got, err := DecodeStateVector(EncodeStateVector(sv))
	require.NoError(t, err)
	assert.Equal(t, sv, got)

	empty, err := DecodeStateVector(EncodeStateVector(StateVector{}))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStateVectorTruncated(t *testing.T) {
	b := EncodeStateVector(StateVector{1: 10, 2: 20})
	_, err := DecodeStateVector(b[:len(b)-1])
	assert.ErrorIs(t, err, ErrDecode)
}

func TestRelPosRoundTrip(t *testing.T) {
	id := ID{Client: 3, Clock: 12}
	rp := RelPos{ID: &id, Pos: Position{{Value: 48, Client: 3}}}
	got, err := DecodeRelPos(EncodeRelPos(rp))
	require.NoError(t, err)
	assert.Equal(t, rp, got)

	end, err := DecodeRelPos(EncodeRelPos(RelPos{}))
	require.NoError(t, err)
	assert.Nil(t, end.ID)
}

func TestSnapshotVersionGuard(t *testing.T) {
	var e encoder
	e.uint(snapshotVersion + 1)
	d := NewDoc(1)
	assert.ErrorIs(t, d.Load(e.buf), ErrDecode)
}
