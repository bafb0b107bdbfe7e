package consensus

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gochain/ironledger/pkg/ckey"
	"github.com/gochain/ironledger/pkg/chainmodel"
	"github.com/gochain/ironledger/pkg/xbig"
	"github.com/gochain/ironledger/pkg/xhash"
)

type fakeUTXOs map[xhash.Hash]chainmodel.TransactionOutput

func (f fakeUTXOs) Get(h xhash.Hash) (chainmodel.TransactionOutput, bool) {
	o, ok := f[h]
	return o, ok
}

func signedInput(t *testing.T, priv *ckey.PrivateKey, prevHash xhash.Hash) chainmodel.TransactionInput {
	t.Helper()
	sig, err := ckey.Sign(prevHash, priv)
	require.NoError(t, err)
	return chainmodel.TransactionInput{PrevTransactionOutputHash: prevHash, Signature: *sig}
}

func TestExpectedRewardHalves(t *testing.T) {
	assert.Equal(t, uint64(50*SatoshisPerCoin), ExpectedReward(0))
	assert.Equal(t, uint64(50*SatoshisPerCoin)/2, ExpectedReward(HalvingInterval))
	assert.Equal(t, uint64(50*SatoshisPerCoin)/4, ExpectedReward(2*HalvingInterval))
}

func TestVerifyTransactionsCoinbaseOnly(t *testing.T) {
	priv, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)

	coinbase := chainmodel.Transaction{
		Outputs: []chainmodel.TransactionOutput{chainmodel.NewTransactionOutput(ExpectedReward(0), priv.PublicKey())},
	}
	block := chainmodel.Block{Transactions: []chainmodel.Transaction{coinbase}}

	require.NoError(t, VerifyTransactions(block, 0, fakeUTXOs{}))
}

func TestVerifyTransactionsWithFee(t *testing.T) {
	priv, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)
	pub := priv.PublicKey()

	prevOut := chainmodel.NewTransactionOutput(1000, pub)
	prevHash, err := prevOut.Hash()
	require.NoError(t, err)

	spendOut := chainmodel.NewTransactionOutput(900, pub) // 100 fee
	spendTx := chainmodel.Transaction{
		Inputs:  []chainmodel.TransactionInput{signedInput(t, priv, prevHash)},
		Outputs: []chainmodel.TransactionOutput{spendOut},
	}

	coinbase := chainmodel.Transaction{
		Outputs: []chainmodel.TransactionOutput{chainmodel.NewTransactionOutput(ExpectedReward(0)+100, pub)},
	}

	block := chainmodel.Block{Transactions: []chainmodel.Transaction{coinbase, spendTx}}
	utxos := fakeUTXOs{prevHash: prevOut}

	require.NoError(t, VerifyTransactions(block, 0, utxos))
}

func TestVerifyTransactionsRejectsBadSignature(t *testing.T) {
	priv, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)
	pub := priv.PublicKey()

	prevOut := chainmodel.NewTransactionOutput(1000, pub)
	prevHash, err := prevOut.Hash()
	require.NoError(t, err)

	spendTx := chainmodel.Transaction{
		Inputs:  []chainmodel.TransactionInput{signedInput(t, other, prevHash)},
		Outputs: []chainmodel.TransactionOutput{chainmodel.NewTransactionOutput(900, pub)},
	}
	coinbase := chainmodel.Transaction{
		Outputs: []chainmodel.TransactionOutput{chainmodel.NewTransactionOutput(ExpectedReward(0)+100, pub)},
	}
	block := chainmodel.Block{Transactions: []chainmodel.Transaction{coinbase, spendTx}}
	utxos := fakeUTXOs{prevHash: prevOut}

	err = VerifyTransactions(block, 0, utxos)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyTransactionsRejectsDuplicateOutputAcrossBlock(t *testing.T) {
	priv, err := ckey.GeneratePrivateKey()
	require.NoError(t, err)
	pub := priv.PublicKey()

	prevA := chainmodel.NewTransactionOutput(1000, pub)
	prevAHash, _ := prevA.Hash()
	prevB := chainmodel.NewTransactionOutput(1000, pub)
	prevBHash, _ := prevB.Hash()

	dup := chainmodel.NewTransactionOutput(500, pub)
	txA := chainmodel.Transaction{
		Inputs:  []chainmodel.TransactionInput{signedInput(t, priv, prevAHash)},
		Outputs: []chainmodel.TransactionOutput{dup},
	}
	txB := chainmodel.Transaction{
		Inputs:  []chainmodel.TransactionInput{signedInput(t, priv, prevBHash)},
		Outputs: []chainmodel.TransactionOutput{dup},
	}
	coinbase := chainmodel.Transaction{
		Outputs: []chainmodel.TransactionOutput{chainmodel.NewTransactionOutput(ExpectedReward(0), pub)},
	}
	block := chainmodel.Block{Transactions: []chainmodel.Transaction{coinbase, txA, txB}}
	utxos := fakeUTXOs{prevAHash: prevA, prevBHash: prevB}

	err = VerifyTransactions(block, 0, utxos)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransaction)
}

func TestAdjustTargetHalvesWhenTwiceAsFast(t *testing.T) {
	old := xbig.New(big.NewInt(1_000_000))
	got := AdjustTarget(old, 3000, 6000)
	assert.Equal(t, big.NewInt(500_000), got.Int())
}

func TestAdjustTargetClampsToQuarter(t *testing.T) {
	old := xbig.New(big.NewInt(1_000_000))
	got := AdjustTarget(old, 60, 6000) // would be /100, clamp to /4
	assert.Equal(t, big.NewInt(250_000), got.Int())
}

func TestAdjustTargetCapsAtMinTarget(t *testing.T) {
	old := xbig.New(new(big.Int).Sub(MinTarget.Int(), big.NewInt(1)))
	got := AdjustTarget(old, 6000*10, 6000) // would be *10, clamp to *4 then cap
	assert.Equal(t, 0, got.Cmp(MinTarget))
}

func TestValidateProofOfWork(t *testing.T) {
	// An all-ones target matches every possible hash.
	allOnes := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	header := chainmodel.BlockHeader{Target: xbig.New(allOnes)}
	ok, err := ValidateProofOfWork(header)
	require.NoError(t, err)
	assert.True(t, ok)

	header.Target = xbig.New(big.NewInt(0))
	ok, err = ValidateProofOfWork(header)
	require.NoError(t, err)
	assert.False(t, ok)
}
