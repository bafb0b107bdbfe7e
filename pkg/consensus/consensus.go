// Package consensus implements the block validation predicate, the
// difficulty retargeting math, and the constants that every node and
// miner must agree on.
package consensus

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gochain/ironledger/pkg/ckey"
	"github.com/gochain/ironledger/pkg/chainmodel"
	"github.com/gochain/ironledger/pkg/xbig"
	"github.com/gochain/ironledger/pkg/xhash"
)

// Protocol constants.
const (
	InitialReward            = 50 // whole-coin subsidy before the 1e8 satoshi scaling
	SatoshisPerCoin           = 100000000
	HalvingInterval           = 210000
	DifficultyUpdateInterval  = 10
	IdealBlockTimeSeconds     = 600
	MaxMempoolTransactionAge  = 3600 * time.Second
	BlockTransactionCap       = 20
	MiningSteps               = 10_000
)

// MinTarget is the loosest (numerically largest) difficulty target ever
// permitted: 2^239.
var MinTarget = xbig.New(new(big.Int).Lsh(big.NewInt(1), 239))

// Sentinel errors distinguishing the validation failure kinds.
var (
	ErrInvalidTransaction = errors.New("consensus: invalid transaction")
	ErrInvalidSignature   = errors.New("consensus: invalid signature")
	ErrInvalidBlock       = errors.New("consensus: invalid block")
	ErrInvalidMerkleRoot  = errors.New("consensus: invalid merkle root")
)

// UTXOLookup is the minimal read-only view of the UTXO set the validator
// needs. It is satisfied by *chain.UTXOSet (see pkg/chain) without introducing
// an import cycle.
type UTXOLookup interface {
	Get(outputHash xhash.Hash) (chainmodel.TransactionOutput, bool)
}

// ExpectedReward computes the block subsidy at predictedHeight:
// INITIAL_REWARD * 1e8 >> (height / HALVING_INTERVAL).
func ExpectedReward(height uint64) uint64 {
	shift := height / HalvingInterval
	if shift >= 64 {
		return 0
	}
	return (uint64(InitialReward) * SatoshisPerCoin) >> shift
}

// CalculateMinerFees sums inputs minus outputs across
// txs (expected to be a block's non-coinbase transactions), rejecting any
// input-hash or output-hash repeated across them. Fees are never negative;
// an excess of outputs over inputs is an invalid block.
func CalculateMinerFees(txs []chainmodel.Transaction, utxos UTXOLookup) (uint64, error) {
	seenInputs := make(map[xhash.Hash]bool)
	seenOutputs := make(map[xhash.Hash]bool)
	var totalIn, totalOut uint64

	for _, tx := range txs {
		for _, in := range tx.Inputs {
			if seenInputs[in.PrevTransactionOutputHash] {
				return 0, fmt.Errorf("%w: input %s spent twice in block", ErrInvalidTransaction, in.PrevTransactionOutputHash)
			}
			seenInputs[in.PrevTransactionOutputHash] = true

			prevOut, ok := utxos.Get(in.PrevTransactionOutputHash)
			if !ok {
				return 0, fmt.Errorf("%w: unknown utxo %s", ErrInvalidTransaction, in.PrevTransactionOutputHash)
			}
			totalIn += prevOut.Value
		}
		for _, out := range tx.Outputs {
			h, err := out.Hash()
			if err != nil {
				return 0, fmt.Errorf("%w: hashing output: %v", ErrInvalidTransaction, err)
			}
			if seenOutputs[h] {
				return 0, fmt.Errorf("%w: output %s duplicated in block", ErrInvalidTransaction, h)
			}
			seenOutputs[h] = true
			totalOut += out.Value
		}
	}

	if totalIn < totalOut {
		return 0, fmt.Errorf("%w: block outputs %d exceed inputs %d", ErrInvalidTransaction, totalOut, totalIn)
	}
	return totalIn - totalOut, nil
}

// VerifyTransactions is the consensus predicate run against the UTXO
// snapshot as it exists before block is applied.
func VerifyTransactions(block chainmodel.Block, predictedHeight uint64, utxos UTXOLookup) error {
	if len(block.Transactions) == 0 {
		return fmt.Errorf("%w: block has no transactions", ErrInvalidTransaction)
	}

	coinbase := block.Transactions[0]
	if !coinbase.IsCoinbase() {
		return fmt.Errorf("%w: first transaction has inputs", ErrInvalidTransaction)
	}
	if len(coinbase.Outputs) == 0 {
		return fmt.Errorf("%w: coinbase has no outputs", ErrInvalidTransaction)
	}

	nonCoinbase := block.Transactions[1:]

	fees, err := CalculateMinerFees(nonCoinbase, utxos)
	if err != nil {
		return err
	}

	for i, tx := range nonCoinbase {
		var in, out uint64
		for _, input := range tx.Inputs {
			prevOut, ok := utxos.Get(input.PrevTransactionOutputHash)
			if !ok {
				return fmt.Errorf("%w: tx %d references unknown utxo", ErrInvalidTransaction, i)
			}
			sig := input.Signature
			if !ckey.Verify(input.PrevTransactionOutputHash, &sig, &prevOut.PublicKey) {
				return fmt.Errorf("%w: tx %d input signature does not verify", ErrInvalidSignature, i)
			}
			in += prevOut.Value
		}
		out = tx.OutputValueSum()
		if in < out {
			return fmt.Errorf("%w: tx %d outputs %d exceed inputs %d", ErrInvalidTransaction, i, out, in)
		}
	}

	expected := ExpectedReward(predictedHeight) + fees
	got := coinbase.OutputValueSum()
	if got != expected {
		return fmt.Errorf("%w: coinbase pays %d, expected %d (reward+fees)", ErrInvalidTransaction, got, expected)
	}

	return nil
}

// ValidateProofOfWork reports whether header's hash satisfies header.Target.
func ValidateProofOfWork(header chainmodel.BlockHeader) (bool, error) {
	h, err := header.Hash()
	if err != nil {
		return false, fmt.Errorf("consensus: hashing header: %w", err)
	}
	return h.MatchesTarget(header.Target.Int()), nil
}

// AdjustTarget implements try_adjust_target's arithmetic: scale oldTarget
// by observed/ideal block-time ratio, clamp the result to
// [oldTarget/4, oldTarget*4], and cap at MinTarget. observedSeconds and
// idealSeconds must both be positive.
func AdjustTarget(oldTarget xbig.Target, observedSeconds, idealSeconds int64) xbig.Target {
	scaled := oldTarget.Mul(big.NewInt(observedSeconds)).Div(big.NewInt(idealSeconds))

	lo := oldTarget.Div(big.NewInt(4))
	hi := oldTarget.Mul(big.NewInt(4))
	clamped := scaled.Clamp(lo, hi)

	if clamped.Cmp(MinTarget) > 0 {
		return MinTarget
	}
	return clamped
}
