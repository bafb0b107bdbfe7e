// Package chain implements the blockchain engine: block
// acceptance, UTXO bookkeeping, difficulty retargeting, and the mempool
// it fronts for the node service.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gochain/ironledger/pkg/chainmodel"
	"github.com/gochain/ironledger/pkg/consensus"
	"github.com/gochain/ironledger/pkg/mempool"
	"github.com/gochain/ironledger/pkg/xbig"
	"github.com/gochain/ironledger/pkg/xhash"
)

// Sentinel errors for the block-acceptance predicate, layered on top of
// the ones pkg/consensus returns from VerifyTransactions.
var (
	ErrInvalidBlock      = errors.New("chain: invalid block")
	ErrInvalidMerkleRoot = errors.New("chain: invalid merkle root")
)

// Blockchain is the process-wide chain state: the append-only block
// sequence, the UTXO set it implies, the pending-transaction pool, and
// the current difficulty target. All mutation goes through its exported
// methods, each of which holds mu for the duration of the call.
type Blockchain struct {
	mu     sync.Mutex
	blocks []chainmodel.Block
	utxos  *UTXOSet
	pool   *mempool.Pool
	target xbig.Target
}

// New returns an empty chain with the given starting difficulty target.
func New(initialTarget xbig.Target) *Blockchain {
	utxos := NewUTXOSet()
	return &Blockchain{
		utxos:  utxos,
		pool:   mempool.New(utxos),
		target: initialTarget,
	}
}

// Height returns the number of blocks appended so far.
func (bc *Blockchain) Height() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.blocks)
}

// LastBlock returns the chain tip and true, or the zero block and false
// if the chain is empty.
func (bc *Blockchain) LastBlock() (chainmodel.Block, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.blocks) == 0 {
		return chainmodel.Block{}, false
	}
	return bc.blocks[len(bc.blocks)-1], true
}

// LastHash returns Hash(blocks.last), or xhash.Zero if the chain is
// empty, the value a fresh template uses as prev_hash.
func (bc *Blockchain) LastHash() (xhash.Hash, error) {
	last, ok := bc.LastBlock()
	if !ok {
		return xhash.Zero, nil
	}
	return last.Hash()
}

// BlockAt returns the block at height, or false if out of range.
func (bc *Blockchain) BlockAt(height int) (chainmodel.Block, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if height < 0 || height >= len(bc.blocks) {
		return chainmodel.Block{}, false
	}
	return bc.blocks[height], true
}

// Target returns the current difficulty target.
func (bc *Blockchain) Target() xbig.Target {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.target
}

// UTXOs exposes the set for read-only lookups (template construction,
// wallet FetchUTXOs responses).
func (bc *Blockchain) UTXOs() *UTXOSet { return bc.utxos }

// Mempool exposes the pool for read-only inspection (template
// construction reads its fee-sorted entries).
func (bc *Blockchain) Mempool() *mempool.Pool { return bc.pool }

// AddBlock appends block to the chain. An empty chain accepts block only
// if its prev_hash is the zero hash, bypassing PoW, merkle, timestamp,
// and transaction verification entirely (the genesis block is taken on
// trust). Otherwise prev_hash, proof-of-work, merkle root, strictly
// increasing timestamp, and transaction validity are all checked against
// the UTXO snapshot that predates this block. On success, every mempool
// entry whose hash appears in block is dropped, block is appended, and
// TryAdjustTarget runs. The caller is responsible for invoking Rebuild
// afterwards (the node does so explicitly after a template submission).
func (bc *Blockchain) AddBlock(block chainmodel.Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if len(bc.blocks) == 0 {
		if block.Header.PrevHash != xhash.Zero {
			return fmt.Errorf("%w: genesis block must reference the zero hash", ErrInvalidBlock)
		}
		return bc.appendLocked(block)
	}

	last := bc.blocks[len(bc.blocks)-1]
	lastHash, err := last.Hash()
	if err != nil {
		return fmt.Errorf("chain: hashing chain tip: %w", err)
	}
	if block.Header.PrevHash != lastHash {
		return fmt.Errorf("%w: prev_hash does not reference chain tip", ErrInvalidBlock)
	}

	ok, err := consensus.ValidateProofOfWork(block.Header)
	if err != nil {
		return fmt.Errorf("chain: validating proof of work: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: header hash exceeds target", ErrInvalidBlock)
	}

	wantRoot, err := block.CalculateMerkleRoot()
	if err != nil {
		return fmt.Errorf("chain: computing merkle root: %w", err)
	}
	if wantRoot != block.Header.MerkleRoot {
		return fmt.Errorf("%w", ErrInvalidMerkleRoot)
	}

	if block.Header.Timestamp <= last.Header.Timestamp {
		return fmt.Errorf("%w: timestamp does not advance", ErrInvalidBlock)
	}

	if err := consensus.VerifyTransactions(block, uint64(len(bc.blocks)), bc.utxos); err != nil {
		return err
	}

	return bc.appendLocked(block)
}

// appendLocked drops displaced mempool entries, appends block, and
// retargets. Caller must hold bc.mu.
func (bc *Blockchain) appendLocked(block chainmodel.Block) error {
	for _, tx := range block.Transactions {
		h, err := tx.Hash()
		if err != nil {
			return fmt.Errorf("chain: hashing appended transaction: %w", err)
		}
		bc.pool.Remove(h)
	}
	bc.blocks = append(bc.blocks, block)
	bc.adjustTargetLocked()
	return nil
}

// Rebuild implements rebuild_utxos: clears the UTXO set, then replays
// every block in order, removing each input's referenced entry and
// inserting each output unmarked. The result is purely a function of
// blocks, independent of whatever the set held beforehand.
func (bc *Blockchain) Rebuild() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.rebuildLocked()
}

func (bc *Blockchain) rebuildLocked() error {
	bc.utxos.reset()
	for bi, block := range bc.blocks {
		for _, tx := range block.Transactions {
			for _, in := range tx.Inputs {
				bc.utxos.remove(in.PrevTransactionOutputHash)
			}
			for _, out := range tx.Outputs {
				h, err := out.Hash()
				if err != nil {
					return fmt.Errorf("chain: hashing output in block %d: %w", bi, err)
				}
				bc.utxos.insert(h, out)
			}
		}
	}
	return nil
}

// AddToMempool validates and admits tx via the pool.
func (bc *Blockchain) AddToMempool(tx chainmodel.Transaction) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.pool.Add(tx)
}

// CleanupMempool evicts pending entries older than
// mempool.MaxTransactionAge, unmarking the UTXOs each had reserved.
func (bc *Blockchain) CleanupMempool() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.pool.CleanupMempool()
}

// adjustTargetLocked retargets every consensus.DifficultyUpdateInterval
// blocks against the elapsed time since the start of that window.
// Caller must hold bc.mu.
func (bc *Blockchain) adjustTargetLocked() {
	n := len(bc.blocks)
	if n == 0 || n%consensus.DifficultyUpdateInterval != 0 {
		return
	}
	windowStart := n - consensus.DifficultyUpdateInterval
	observed := bc.blocks[n-1].Header.Timestamp - bc.blocks[windowStart].Header.Timestamp
	if observed <= 0 {
		observed = 1
	}
	ideal := int64(consensus.IdealBlockTimeSeconds * consensus.DifficultyUpdateInterval)
	bc.target = consensus.AdjustTarget(bc.target, observed, ideal)
}

// TryAdjustTarget recomputes the difficulty target against the last
// consensus.DifficultyUpdateInterval blocks, mirroring what AddBlock
// already does automatically on every append. Exposed for callers (e.g.
// bootstrap catch-up, or a fresh load from disk) that populate blocks
// through means other than AddBlock.
func (bc *Blockchain) TryAdjustTarget() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.adjustTargetLocked()
}
