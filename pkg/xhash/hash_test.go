package xhash

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyMerkleRoot(t *testing.T) {
	root, err := CalculateMerkleRoot(nil)
	require.NoError(t, err)
	assert.Equal(t, ZeroMerkleRoot, root)
}

func TestSingleLeafMerkleRoot(t *testing.T) {
	leaf := MustOf("tx0")
	root, err := CalculateMerkleRoot([]Hash{leaf})
	require.NoError(t, err)
	assert.Equal(t, MerkleRoot(leaf), root)
}

func TestOddLeafDuplication(t *testing.T) {
	a, b, c := MustOf("a"), MustOf("b"), MustOf("c")

	got, err := CalculateMerkleRoot([]Hash{a, b, c})
	require.NoError(t, err)

	ab, err := Of(merklePair{Left: a, Right: b})
	require.NoError(t, err)
	cc, err := Of(merklePair{Left: c, Right: c})
	require.NoError(t, err)
	want, err := Of(merklePair{Left: ab, Right: cc})
	require.NoError(t, err)

	assert.Equal(t, MerkleRoot(want), got)
}

func TestMatchesTarget(t *testing.T) {
	h, err := FromBig(big.NewInt(100))
	require.NoError(t, err)

	assert.True(t, h.MatchesTarget(big.NewInt(100)))
	assert.True(t, h.MatchesTarget(big.NewInt(200)))
	assert.False(t, h.MatchesTarget(big.NewInt(99)))
}

func TestLittleEndianBytesReversed(t *testing.T) {
	var h Hash
	for i := range h {
		h[i] = byte(i)
	}
	le := h.LittleEndianBytes()
	for i := range h {
		assert.Equal(t, h[31-i], le[i])
	}
}

func TestCBORRoundTrip(t *testing.T) {
	h := MustOf("round-trip-me")

	data, err := h.MarshalCBOR()
	require.NoError(t, err)

	var out Hash
	require.NoError(t, out.UnmarshalCBOR(data))
	assert.Equal(t, h, out)
}
