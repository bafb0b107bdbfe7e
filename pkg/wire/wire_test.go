package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gochain/ironledger/pkg/ckey"
)

func TestWriteReadRoundTrip(t *testing.T) {
	priv, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, TagFetchUTXOs, FetchUTXOsPayload{PublicKey: *priv.PublicKey()}))

	tag, data, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagFetchUTXOs, tag)

	var got FetchUTXOsPayload
	require.NoError(t, DecodePayload(data, &got))
	assert.True(t, got.PublicKey.Equal(priv.PublicKey()))
}

func TestReadMessageRejectsShortBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, TagDiscoverNodes, DiscoverNodesPayload{}))
	truncated := buf.Bytes()[:buf.Len()-1]

	_, _, err := ReadMessage(bytes.NewReader(truncated))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	var prefix [8]byte
	prefix[0] = 0xFF // absurdly large length
	_, _, err := ReadMessage(bytes.NewReader(prefix[:]))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestMultipleMessagesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, TagAskDifference, AskDifferencePayload{Height: 3}))
	require.NoError(t, WriteMessage(&buf, TagDifference, DifferencePayload{Diff: 7}))

	tag1, data1, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagAskDifference, tag1)
	var p1 AskDifferencePayload
	require.NoError(t, DecodePayload(data1, &p1))
	assert.Equal(t, uint64(3), p1.Height)

	tag2, data2, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagDifference, tag2)
	var p2 DifferencePayload
	require.NoError(t, DecodePayload(data2, &p2))
	assert.Equal(t, int64(7), p2.Diff)
}
