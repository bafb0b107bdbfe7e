// Package chainmodel defines the consensus data model: transactions,
// blocks, and the UTXO entry shape, along with their canonical encoding
// and identity (hash) computation. It holds no validation or chain-state
// logic; see pkg/consensus and pkg/chain for that.
package chainmodel

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/gochain/ironledger/pkg/canon"
	"github.com/gochain/ironledger/pkg/ckey"
	"github.com/gochain/ironledger/pkg/xbig"
	"github.com/gochain/ironledger/pkg/xhash"
)

// UniqueID is a v4 UUID embedded in a TransactionOutput so that two
// outputs with otherwise identical fields still hash distinctly.
type UniqueID [16]byte

// NewUniqueID draws a fresh random v4 UUID.
func NewUniqueID() UniqueID {
	var u UniqueID
	id := uuid.New()
	copy(u[:], id[:])
	return u
}

func (u UniqueID) String() string {
	id, _ := uuid.FromBytes(u[:])
	return id.String()
}

func (u UniqueID) MarshalCBOR() ([]byte, error) {
	return canon.Marshal(u[:])
}

func (u *UniqueID) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := canon.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("chainmodel: decode unique id: %w", err)
	}
	if len(b) != 16 {
		return fmt.Errorf("chainmodel: unique id must be 16 bytes, got %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// TransactionOutput is a spendable value locked to a public key; while
// unspent it is a UTXO entry keyed by its own hash.
type TransactionOutput struct {
	Value     uint64       `cbor:"value"`
	UniqueID  UniqueID     `cbor:"unique_id"`
	PublicKey ckey.PublicKey `cbor:"public_key"`
}

// NewTransactionOutput builds an output with a freshly drawn UniqueID.
func NewTransactionOutput(value uint64, pub *ckey.PublicKey) TransactionOutput {
	return TransactionOutput{Value: value, UniqueID: NewUniqueID(), PublicKey: *pub}
}

// Hash returns the output's identity: Hash(output), used as the UTXO key.
func (o TransactionOutput) Hash() (xhash.Hash, error) {
	return xhash.Of(o)
}

// TransactionInput references a previously produced output and proves the
// right to spend it with a signature over that output's hash.
type TransactionInput struct {
	PrevTransactionOutputHash xhash.Hash   `cbor:"prev_transaction_output_hash"`
	Signature                 ckey.Signature `cbor:"signature"`
}

// Transaction is an ordered list of inputs and outputs. A transaction with
// no inputs is a coinbase transaction.
type Transaction struct {
	Inputs  []TransactionInput  `cbor:"inputs"`
	Outputs []TransactionOutput `cbor:"outputs"`
}

// IsCoinbase reports whether tx has no inputs.
func (tx Transaction) IsCoinbase() bool { return len(tx.Inputs) == 0 }

// Hash returns the transaction's identity: Hash(transaction).
func (tx Transaction) Hash() (xhash.Hash, error) {
	return xhash.Of(tx)
}

// OutputValueSum sums the values of tx's outputs. Input values can only
// be summed against a UTXO set; see pkg/consensus.
func (tx Transaction) OutputValueSum() uint64 {
	var sum uint64
	for _, o := range tx.Outputs {
		sum += o.Value
	}
	return sum
}

// BlockHeader carries a block's proof-of-work metadata and its link to the
// previous block. Hash(header) is the block's identity.
type BlockHeader struct {
	Timestamp  int64            `cbor:"timestamp"`
	Nonce      uint64           `cbor:"nonce"`
	PrevHash   xhash.Hash       `cbor:"prev_hash"`
	MerkleRoot xhash.MerkleRoot `cbor:"merkle_root"`
	Target     xbig.Target      `cbor:"target"`
}

// Hash returns the header's identity: Hash(header).
func (h BlockHeader) Hash() (xhash.Hash, error) {
	return xhash.Of(h)
}

// Block pairs a header with its transactions. transactions[0] must be a
// coinbase transaction and header.MerkleRoot must equal
// MerkleRoot.calculate(transactions); see pkg/consensus and pkg/chain for
// enforcement.
type Block struct {
	Header       BlockHeader   `cbor:"header"`
	Transactions []Transaction `cbor:"transactions"`
}

// Hash returns the block's identity: Hash(header).
func (b Block) Hash() (xhash.Hash, error) {
	return b.Header.Hash()
}

// CalculateMerkleRoot recomputes the Merkle root over b's transactions.
func (b Block) CalculateMerkleRoot() (xhash.MerkleRoot, error) {
	leaves := make([]xhash.Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		h, err := tx.Hash()
		if err != nil {
			return xhash.MerkleRoot{}, fmt.Errorf("chainmodel: hash tx %d: %w", i, err)
		}
		leaves[i] = h
	}
	return xhash.CalculateMerkleRoot(leaves)
}

// CoinbaseTransaction returns transactions[0], or an error if the block
// has no transactions at all (structurally invalid regardless of
// consensus rules).
func (b Block) CoinbaseTransaction() (Transaction, error) {
	if len(b.Transactions) == 0 {
		return Transaction{}, fmt.Errorf("chainmodel: block has no transactions")
	}
	return b.Transactions[0], nil
}
