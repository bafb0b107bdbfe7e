// Package mempool implements admission, displacement, and age eviction for
// pending transactions.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gochain/ironledger/pkg/chainmodel"
	"github.com/gochain/ironledger/pkg/xhash"
)

// MaxTransactionAge is the eviction threshold: an entry aged strictly
// greater than this is dropped by CleanupMempool. Equal to this age, it
// survives.
const MaxTransactionAge = 3600 * time.Second

var (
	ErrInvalidTransaction = errors.New("mempool: invalid transaction")
)

// UTXOSet is the subset of the chain's UTXO set the pool needs: lookup by
// hash and the ability to flip the reserved ("marked") bit. Satisfied by
// the chain package's UTXO set without an import cycle.
type UTXOSet interface {
	Get(h xhash.Hash) (chainmodel.TransactionOutput, bool)
	IsMarked(h xhash.Hash) bool
	SetMarked(h xhash.Hash, marked bool)
}

// Entry pairs an admitted transaction with its admission time and fee, the
// two quantities the pool orders and evicts by.
type Entry struct {
	Tx          chainmodel.Transaction
	AdmittedAt  time.Time
	Fee         uint64
	hash        xhash.Hash
	outputHashes map[xhash.Hash]bool
}

// Hash returns the entry transaction's identity hash.
func (e *Entry) Hash() xhash.Hash { return e.hash }

// Pool is the node's mempool: pending transactions ordered by descending
// fee, backed by a UTXO set whose marked bit it mutates on admission,
// displacement, and eviction.
type Pool struct {
	mu      sync.Mutex
	utxos   UTXOSet
	byHash  map[xhash.Hash]*Entry
	ordered []*Entry
}

// New builds an empty pool backed by utxos.
func New(utxos UTXOSet) *Pool {
	return &Pool{
		utxos:  utxos,
		byHash: make(map[xhash.Hash]*Entry),
	}
}

// Len reports the number of pending entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ordered)
}

// Entries returns a snapshot of the pool ordered by descending fee, the
// order template construction consumes from the front.
func (p *Pool) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, len(p.ordered))
	for i, e := range p.ordered {
		out[i] = *e
	}
	return out
}

// Contains reports whether txHash is currently pending.
func (p *Pool) Contains(txHash xhash.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHash[txHash]
	return ok
}

// Add validates and admits tx:
// every referenced UTXO must exist and be unique within tx; a UTXO already
// marked by another pending entry is displaced (that owning entry is
// dropped and its own reservations released) or, failing to find an
// owner, force-unmarked; inputs must cover outputs; every referenced UTXO
// is then marked and the entry inserted, re-sorting the pool by
// descending fee. Any failure leaves the pool and UTXO set unchanged.
func (p *Pool) Add(tx chainmodel.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash, err := tx.Hash()
	if err != nil {
		return fmt.Errorf("%w: hashing transaction: %v", ErrInvalidTransaction, err)
	}
	if _, exists := p.byHash[txHash]; exists {
		return fmt.Errorf("%w: transaction already pending", ErrInvalidTransaction)
	}

	seen := make(map[xhash.Hash]bool, len(tx.Inputs))
	var inputValue uint64
	prevOutputs := make([]chainmodel.TransactionOutput, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if seen[in.PrevTransactionOutputHash] {
			return fmt.Errorf("%w: input %s repeated within transaction", ErrInvalidTransaction, in.PrevTransactionOutputHash)
		}
		seen[in.PrevTransactionOutputHash] = true

		out, ok := p.utxos.Get(in.PrevTransactionOutputHash)
		if !ok {
			return fmt.Errorf("%w: unknown utxo %s", ErrInvalidTransaction, in.PrevTransactionOutputHash)
		}
		prevOutputs[i] = out
		inputValue += out.Value
	}

	outputValue := tx.OutputValueSum()
	if inputValue < outputValue {
		return fmt.Errorf("%w: outputs %d exceed inputs %d", ErrInvalidTransaction, outputValue, inputValue)
	}

	// Displacement: any input that reserves an already-marked UTXO must
	// either evict its current owner or be force-unmarked. Done only
	// after every check above passes, so a rejected tx never mutates
	// state.
	for _, in := range tx.Inputs {
		if !p.utxos.IsMarked(in.PrevTransactionOutputHash) {
			continue
		}
		if owner := p.findOwner(in.PrevTransactionOutputHash); owner != nil {
			p.evict(owner)
		} else {
			p.utxos.SetMarked(in.PrevTransactionOutputHash, false)
		}
	}

	outputHashes := make(map[xhash.Hash]bool, len(tx.Outputs))
	for _, out := range tx.Outputs {
		h, err := out.Hash()
		if err != nil {
			return fmt.Errorf("%w: hashing output: %v", ErrInvalidTransaction, err)
		}
		outputHashes[h] = true
	}

	for _, in := range tx.Inputs {
		p.utxos.SetMarked(in.PrevTransactionOutputHash, true)
	}

	entry := &Entry{
		Tx:           tx,
		AdmittedAt:   now(),
		Fee:          inputValue - outputValue,
		hash:         txHash,
		outputHashes: outputHashes,
	}
	p.byHash[txHash] = entry
	p.ordered = append(p.ordered, entry)
	p.resort()
	return nil
}

// findOwner locates the pending entry that reserved markedUTXO: the one
// with an input spending it.
func (p *Pool) findOwner(markedUTXO xhash.Hash) *Entry {
	for _, e := range p.ordered {
		for _, in := range e.Tx.Inputs {
			if in.PrevTransactionOutputHash == markedUTXO {
				return e
			}
		}
	}
	return nil
}

// evict removes e from the pool and releases every UTXO it had reserved.
// Caller must hold p.mu.
func (p *Pool) evict(e *Entry) {
	delete(p.byHash, e.hash)
	for _, in := range e.Tx.Inputs {
		p.utxos.SetMarked(in.PrevTransactionOutputHash, false)
	}
	for i, o := range p.ordered {
		if o == e {
			p.ordered = append(p.ordered[:i], p.ordered[i+1:]...)
			break
		}
	}
}

// resort re-sorts p.ordered by descending fee. Caller must hold p.mu.
func (p *Pool) resort() {
	sort.SliceStable(p.ordered, func(i, j int) bool {
		return p.ordered[i].Fee > p.ordered[j].Fee
	})
}

// CleanupMempool drops every entry admitted strictly more than
// MaxTransactionAge ago, unmarking the UTXOs each dropped entry had
// reserved. Returns the number of entries evicted.
func (p *Pool) CleanupMempool() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := now().Add(-MaxTransactionAge)
	var kept []*Entry
	evicted := 0
	for _, e := range p.ordered {
		if e.AdmittedAt.Before(cutoff) {
			for _, in := range e.Tx.Inputs {
				p.utxos.SetMarked(in.PrevTransactionOutputHash, false)
			}
			delete(p.byHash, e.hash)
			evicted++
			continue
		}
		kept = append(kept, e)
	}
	p.ordered = kept
	return evicted
}

// Remove drops txHash from the pool without touching UTXO marks, for use
// by the chain engine once a block containing it has been appended (the
// UTXO set is rebuilt wholesale by rebuild_utxos in that case).
func (p *Pool) Remove(txHash xhash.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byHash[txHash]; ok {
		delete(p.byHash, txHash)
		for i, o := range p.ordered {
			if o == e {
				p.ordered = append(p.ordered[:i], p.ordered[i+1:]...)
				break
			}
		}
	}
}

// Restore replaces the pool's contents with entries verbatim, re-sorted
// by descending fee, without re-running admission or touching the UTXO
// set's marked bits (the caller is expected to have already restored
// those from the same snapshot). Used by the chain package's Load.
func (p *Pool) Restore(entries []Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	byHash := make(map[xhash.Hash]*Entry, len(entries))
	ordered := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		txHash, err := e.Tx.Hash()
		if err != nil {
			return fmt.Errorf("%w: hashing restored transaction: %v", ErrInvalidTransaction, err)
		}
		outputHashes := make(map[xhash.Hash]bool, len(e.Tx.Outputs))
		for _, out := range e.Tx.Outputs {
			h, err := out.Hash()
			if err != nil {
				return fmt.Errorf("%w: hashing restored output: %v", ErrInvalidTransaction, err)
			}
			outputHashes[h] = true
		}
		entry := &Entry{
			Tx:           e.Tx,
			AdmittedAt:   e.AdmittedAt,
			Fee:          e.Fee,
			hash:         txHash,
			outputHashes: outputHashes,
		}
		byHash[txHash] = entry
		ordered = append(ordered, entry)
	}

	p.byHash = byHash
	p.ordered = ordered
	p.resort()
	return nil
}

// now is overridable in tests that need to simulate aging.
var now = time.Now
