package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gochain/ironledger/pkg/ckey"
	"github.com/gochain/ironledger/pkg/xhash"
)

func openTestIndex(t *testing.T) *OwnerIndex {
	t.Helper()
	idx, err := OpenOwnerIndex(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestOwnerIndexAddAndLookup(t *testing.T) {
	k, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)
	idx := openTestIndex(t)

	h1 := xhash.MustOf("output-1")
	h2 := xhash.MustOf("output-2")
	require.NoError(t, idx.Add(k.PublicKey(), h1))
	require.NoError(t, idx.Add(k.PublicKey(), h2))
	require.NoError(t, idx.Add(other.PublicKey(), xhash.MustOf("output-3")))

	hashes, err := idx.OutputHashesOwnedBy(k.PublicKey())
	require.NoError(t, err)
	assert.ElementsMatch(t, []xhash.Hash{h1, h2}, hashes)
}

func TestOwnerIndexRemove(t *testing.T) {
	k, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)
	idx := openTestIndex(t)

	h := xhash.MustOf("spent-output")
	require.NoError(t, idx.Add(k.PublicKey(), h))
	require.NoError(t, idx.Remove(k.PublicKey(), h))

	hashes, err := idx.OutputHashesOwnedBy(k.PublicKey())
	require.NoError(t, err)
	assert.Empty(t, hashes)
}

func TestOwnerIndexRebuildReplacesContents(t *testing.T) {
	k, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)
	idx := openTestIndex(t)

	stale := xhash.MustOf("stale")
	require.NoError(t, idx.Add(k.PublicKey(), stale))

	fresh := xhash.MustOf("fresh")
	require.NoError(t, idx.Rebuild([]OwnerEntry{{PublicKey: *k.PublicKey(), OutputHash: fresh}}))

	hashes, err := idx.OutputHashesOwnedBy(k.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, []xhash.Hash{fresh}, hashes)
}
