package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	B uint64 `cbor:"b"`
	A string `cbor:"a"`
}

func TestMarshalIsKeySorted(t *testing.T) {
	data, err := Marshal(sample{B: 1, A: "x"})
	require.NoError(t, err)

	// map key "a" must sort before "b" regardless of struct field order.
	aIdx, bIdx := -1, -1
	for i, c := range data {
		if c == 'a' && aIdx == -1 {
			aIdx = i
		}
		if c == 'b' && bIdx == -1 {
			bIdx = i
		}
	}
	require.NotEqual(t, -1, aIdx)
	require.NotEqual(t, -1, bIdx)
	assert.Less(t, aIdx, bIdx)
}

func TestRoundTrip(t *testing.T) {
	in := sample{B: 42, A: "hello"}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestDeterministic(t *testing.T) {
	in := sample{B: 7, A: "z"}
	d1, err := Marshal(in)
	require.NoError(t, err)
	d2, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}
