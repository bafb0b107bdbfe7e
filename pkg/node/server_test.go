package node

import (
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gochain/ironledger/pkg/chain"
	"github.com/gochain/ironledger/pkg/chainmodel"
	"github.com/gochain/ironledger/pkg/ckey"
	"github.com/gochain/ironledger/pkg/consensus"
	"github.com/gochain/ironledger/pkg/wire"
	"github.com/gochain/ironledger/pkg/xbig"
	"github.com/gochain/ironledger/pkg/xhash"
)

// easyTarget matches every hash, so test blocks need no nonce search.
func easyTarget() xbig.Target {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	return xbig.New(max)
}

func newTestServer(t *testing.T, bc *chain.Blockchain) *Server {
	t.Helper()
	s := New(Config{}, bc, zap.NewNop())
	s.metrics = NewMetrics()
	return s
}

// seedChain appends a trusted genesis block whose coinbase pays the
// given output values to pub, then rebuilds the UTXO set.
func seedChain(t *testing.T, bc *chain.Blockchain, pub *ckey.PublicKey, values ...uint64) chainmodel.Block {
	t.Helper()
	outputs := make([]chainmodel.TransactionOutput, len(values))
	for i, v := range values {
		outputs[i] = chainmodel.NewTransactionOutput(v, pub)
	}
	block := chainmodel.Block{Transactions: []chainmodel.Transaction{{Outputs: outputs}}}
	root, err := block.CalculateMerkleRoot()
	require.NoError(t, err)
	block.Header = chainmodel.BlockHeader{
		Timestamp:  1000,
		PrevHash:   xhash.Zero,
		MerkleRoot: root,
		Target:     easyTarget(),
	}
	require.NoError(t, bc.AddBlock(block))
	require.NoError(t, bc.Rebuild())
	return block
}

func spendTx(t *testing.T, priv *ckey.PrivateKey, prev chainmodel.TransactionOutput, sendValue uint64, to *ckey.PublicKey) chainmodel.Transaction {
	t.Helper()
	prevHash, err := prev.Hash()
	require.NoError(t, err)
	sig, err := ckey.Sign(prevHash, priv)
	require.NoError(t, err)
	return chainmodel.Transaction{
		Inputs:  []chainmodel.TransactionInput{{PrevTransactionOutputHash: prevHash, Signature: *sig}},
		Outputs: []chainmodel.TransactionOutput{chainmodel.NewTransactionOutput(sendValue, to)},
	}
}

func TestBuildTemplateOrdersByDescendingFee(t *testing.T) {
	k, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)
	recipient, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)

	bc := chain.New(easyTarget())
	genesis := seedChain(t, bc, k.PublicKey(), 100, 200)
	s := newTestServer(t, bc)

	// fee 5 on the first output, fee 10 on the second.
	txLow := spendTx(t, k, genesis.Transactions[0].Outputs[0], 95, recipient.PublicKey())
	txHigh := spendTx(t, k, genesis.Transactions[0].Outputs[1], 190, recipient.PublicKey())
	require.NoError(t, bc.AddToMempool(txLow))
	require.NoError(t, bc.AddToMempool(txHigh))

	block, err := s.buildTemplate(k.PublicKey())
	require.NoError(t, err)
	require.Len(t, block.Transactions, 3)

	highHash, err := txHigh.Hash()
	require.NoError(t, err)
	lowHash, err := txLow.Hash()
	require.NoError(t, err)
	gotFirst, err := block.Transactions[1].Hash()
	require.NoError(t, err)
	gotSecond, err := block.Transactions[2].Hash()
	require.NoError(t, err)
	assert.Equal(t, highHash, gotFirst)
	assert.Equal(t, lowHash, gotSecond)

	// Coinbase pays subsidy plus both fees, to the requester.
	coinbase := block.Transactions[0]
	assert.True(t, coinbase.IsCoinbase())
	assert.Equal(t, consensus.ExpectedReward(1)+15, coinbase.OutputValueSum())
	assert.True(t, coinbase.Outputs[0].PublicKey.Equal(k.PublicKey()))

	// The declared merkle root must cover the final coinbase value.
	root, err := block.CalculateMerkleRoot()
	require.NoError(t, err)
	assert.Equal(t, root, block.Header.MerkleRoot)

	genesisHash, err := genesis.Hash()
	require.NoError(t, err)
	assert.Equal(t, genesisHash, block.Header.PrevHash)
}

func TestValidateTemplateTracksChainTip(t *testing.T) {
	k, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)

	bc := chain.New(easyTarget())
	genesis := seedChain(t, bc, k.PublicKey(), 1000)
	s := newTestServer(t, bc)

	template, err := s.buildTemplate(k.PublicKey())
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	go s.dispatch("test-peer", serverConn)

	require.NoError(t, wire.WriteMessage(clientConn, wire.TagValidateTemplate, wire.ValidateTemplatePayload{Block: template}))
	tag, data, err := wire.ReadMessage(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.TagTemplateValidity, tag)
	var validity wire.TemplateValidityPayload
	require.NoError(t, wire.DecodePayload(data, &validity))
	assert.True(t, validity.Valid)

	// Appending another block moves the tip, invalidating the template.
	genesisHash, err := genesis.Hash()
	require.NoError(t, err)
	next := chainmodel.Block{Transactions: []chainmodel.Transaction{{
		Outputs: []chainmodel.TransactionOutput{chainmodel.NewTransactionOutput(consensus.ExpectedReward(1), k.PublicKey())},
	}}}
	root, err := next.CalculateMerkleRoot()
	require.NoError(t, err)
	next.Header = chainmodel.BlockHeader{Timestamp: 2000, PrevHash: genesisHash, MerkleRoot: root, Target: easyTarget()}
	require.NoError(t, bc.AddBlock(next))

	require.NoError(t, wire.WriteMessage(clientConn, wire.TagValidateTemplate, wire.ValidateTemplatePayload{Block: template}))
	tag, data, err = wire.ReadMessage(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.TagTemplateValidity, tag)
	require.NoError(t, wire.DecodePayload(data, &validity))
	assert.False(t, validity.Valid)
}

func TestDispatchAnswersFetchBlockAndDifference(t *testing.T) {
	k, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)

	bc := chain.New(easyTarget())
	genesis := seedChain(t, bc, k.PublicKey(), 1000)
	s := newTestServer(t, bc)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	go s.dispatch("test-peer", serverConn)

	require.NoError(t, wire.WriteMessage(clientConn, wire.TagAskDifference, wire.AskDifferencePayload{Height: 0}))
	tag, data, err := wire.ReadMessage(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.TagDifference, tag)
	var diff wire.DifferencePayload
	require.NoError(t, wire.DecodePayload(data, &diff))
	assert.Equal(t, int64(1), diff.Diff)

	require.NoError(t, wire.WriteMessage(clientConn, wire.TagFetchBlock, wire.FetchBlockPayload{Height: 0}))
	tag, data, err = wire.ReadMessage(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.TagNewBlock, tag)
	var nb wire.NewBlockPayload
	require.NoError(t, wire.DecodePayload(data, &nb))
	wantHash, err := genesis.Hash()
	require.NoError(t, err)
	gotHash, err := nb.Block.Hash()
	require.NoError(t, err)
	assert.Equal(t, wantHash, gotHash)
}

func TestDispatchClosesOnOutOfRangeFetchBlock(t *testing.T) {
	k, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)

	bc := chain.New(easyTarget())
	seedChain(t, bc, k.PublicKey(), 1000)
	s := newTestServer(t, bc)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	go s.dispatch("test-peer", serverConn)

	require.NoError(t, wire.WriteMessage(clientConn, wire.TagFetchBlock, wire.FetchBlockPayload{Height: 99}))
	_, _, err = wire.ReadMessage(clientConn)
	require.Error(t, err)
}

func TestDispatchClosesOnUnsolicitedReply(t *testing.T) {
	bc := chain.New(easyTarget())
	s := newTestServer(t, bc)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	go s.dispatch("test-peer", serverConn)

	require.NoError(t, wire.WriteMessage(clientConn, wire.TagDifference, wire.DifferencePayload{Diff: 3}))
	_, _, err := wire.ReadMessage(clientConn)
	require.Error(t, err)
}

func TestSubmitTemplateAppendsRebuildsAndGossips(t *testing.T) {
	k, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)

	bc := chain.New(easyTarget())
	genesis := seedChain(t, bc, k.PublicKey(), 1000)
	s := newTestServer(t, bc)

	// A second peer that should receive the gossiped new_block.
	gossipClient, gossipServer := net.Pipe()
	defer gossipClient.Close()
	s.addPeer("gossip-peer", gossipServer)

	minerConn, serverConn := net.Pipe()
	defer minerConn.Close()
	go s.dispatch("miner-peer", serverConn)

	genesisHash, err := genesis.Hash()
	require.NoError(t, err)
	solved := chainmodel.Block{Transactions: []chainmodel.Transaction{{
		Outputs: []chainmodel.TransactionOutput{chainmodel.NewTransactionOutput(consensus.ExpectedReward(1), k.PublicKey())},
	}}}
	root, err := solved.CalculateMerkleRoot()
	require.NoError(t, err)
	solved.Header = chainmodel.BlockHeader{Timestamp: 2000, PrevHash: genesisHash, MerkleRoot: root, Target: easyTarget()}

	require.NoError(t, wire.WriteMessage(minerConn, wire.TagSubmitTemplate, wire.SubmitTemplatePayload{Block: solved}))

	tag, data, err := wire.ReadMessage(gossipClient)
	require.NoError(t, err)
	require.Equal(t, wire.TagNewBlock, tag)
	var nb wire.NewBlockPayload
	require.NoError(t, wire.DecodePayload(data, &nb))
	wantHash, err := solved.Hash()
	require.NoError(t, err)
	gotHash, err := nb.Block.Hash()
	require.NoError(t, err)
	assert.Equal(t, wantHash, gotHash)

	assert.Equal(t, 2, bc.Height())
	// Rebuild ran: the new coinbase output is spendable.
	newOut, err := solved.Transactions[0].Outputs[0].Hash()
	require.NoError(t, err)
	_, ok := bc.UTXOs().Get(newOut)
	assert.True(t, ok)

	// The miner's inbound connection is not part of the gossip set, so
	// it must not receive an unsolicited echo of its own block.
	minerConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = wire.ReadMessage(minerConn)
	require.Error(t, err)
}

func TestSubmitTransactionAdmitsAndGossips(t *testing.T) {
	k, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)
	recipient, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)

	bc := chain.New(easyTarget())
	genesis := seedChain(t, bc, k.PublicKey(), 1000)
	s := newTestServer(t, bc)

	gossipClient, gossipServer := net.Pipe()
	defer gossipClient.Close()
	s.addPeer("gossip-peer", gossipServer)

	walletConn, serverConn := net.Pipe()
	defer walletConn.Close()
	go s.dispatch("wallet-peer", serverConn)

	tx := spendTx(t, k, genesis.Transactions[0].Outputs[0], 900, recipient.PublicKey())
	require.NoError(t, wire.WriteMessage(walletConn, wire.TagSubmitTransaction, wire.SubmitTransactionPayload{Tx: tx}))

	tag, data, err := wire.ReadMessage(gossipClient)
	require.NoError(t, err)
	require.Equal(t, wire.TagNewTransaction, tag)
	var nt wire.NewTransactionPayload
	require.NoError(t, wire.DecodePayload(data, &nt))

	wantHash, err := tx.Hash()
	require.NoError(t, err)
	gotHash, err := nt.Tx.Hash()
	require.NoError(t, err)
	assert.Equal(t, wantHash, gotHash)
	assert.Equal(t, 1, bc.Mempool().Len())
}

func TestFetchUTXOsScansByOwner(t *testing.T) {
	k, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)

	bc := chain.New(easyTarget())
	seedChain(t, bc, k.PublicKey(), 100, 200)
	s := newTestServer(t, bc)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	go s.dispatch("wallet-peer", serverConn)

	require.NoError(t, wire.WriteMessage(clientConn, wire.TagFetchUTXOs, wire.FetchUTXOsPayload{PublicKey: *k.PublicKey()}))
	tag, data, err := wire.ReadMessage(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.TagUTXOs, tag)
	var utxos wire.UTXOsPayload
	require.NoError(t, wire.DecodePayload(data, &utxos))
	require.Len(t, utxos.Entries, 2)
	var total uint64
	for _, e := range utxos.Entries {
		assert.True(t, e.Output.PublicKey.Equal(k.PublicKey()))
		assert.False(t, e.Marked)
		total += e.Output.Value
	}
	assert.Equal(t, uint64(300), total)

	// A key that owns nothing gets an empty reply, not an error.
	require.NoError(t, wire.WriteMessage(clientConn, wire.TagFetchUTXOs, wire.FetchUTXOsPayload{PublicKey: *other.PublicKey()}))
	tag, data, err = wire.ReadMessage(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.TagUTXOs, tag)
	require.NoError(t, wire.DecodePayload(data, &utxos))
	assert.Empty(t, utxos.Entries)
}

func TestGossipedInvalidBlockIsLoggedNotFatal(t *testing.T) {
	k, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)

	bc := chain.New(easyTarget())
	seedChain(t, bc, k.PublicKey(), 1000)
	s := newTestServer(t, bc)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	go s.dispatch("test-peer", serverConn)

	// A block referencing a bogus tip must be rejected, but the
	// connection stays open: the next request still gets answered.
	bogus := chainmodel.Block{
		Header:       chainmodel.BlockHeader{Timestamp: 5000, PrevHash: xhash.MustOf("stale tip"), Target: easyTarget()},
		Transactions: []chainmodel.Transaction{{Outputs: []chainmodel.TransactionOutput{chainmodel.NewTransactionOutput(1, k.PublicKey())}}},
	}
	require.NoError(t, wire.WriteMessage(clientConn, wire.TagNewBlock, wire.NewBlockPayload{Block: bogus}))

	require.NoError(t, wire.WriteMessage(clientConn, wire.TagAskDifference, wire.AskDifferencePayload{Height: 0}))
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	tag, data, err := wire.ReadMessage(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.TagDifference, tag)
	var diff wire.DifferencePayload
	require.NoError(t, wire.DecodePayload(data, &diff))
	assert.Equal(t, int64(1), diff.Diff)
	assert.Equal(t, 1, bc.Height())
}
