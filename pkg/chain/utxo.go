package chain

import (
	"sync"

	"github.com/gochain/ironledger/pkg/chainmodel"
	"github.com/gochain/ironledger/pkg/xhash"
)

// utxoEntry pairs a stored output with whether it is currently reserved
// by a pending mempool transaction.
type utxoEntry struct {
	marked bool
	output chainmodel.TransactionOutput
}

// UTXOSet maps an output-hash to its (marked, TransactionOutput)
// entry. It implements both consensus.UTXOLookup and
// mempool.UTXOSet so the validator and the pool can share one instance.
type UTXOSet struct {
	mu      sync.RWMutex
	entries map[xhash.Hash]utxoEntry
}

// NewUTXOSet returns an empty set.
func NewUTXOSet() *UTXOSet {
	return &UTXOSet{entries: make(map[xhash.Hash]utxoEntry)}
}

// Get returns the output stored at h, if any, regardless of its marked
// state. Satisfies consensus.UTXOLookup and mempool.UTXOSet.
func (s *UTXOSet) Get(h xhash.Hash) (chainmodel.TransactionOutput, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[h]
	return e.output, ok
}

// IsMarked reports whether h is currently reserved by a mempool entry. An
// absent entry is reported unmarked.
func (s *UTXOSet) IsMarked(h xhash.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[h].marked
}

// SetMarked flips h's reserved bit. A no-op if h is not present.
func (s *UTXOSet) SetMarked(h xhash.Hash, marked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok {
		return
	}
	e.marked = marked
	s.entries[h] = e
}

// insert adds or overwrites h with output, unmarked.
func (s *UTXOSet) insert(h xhash.Hash, output chainmodel.TransactionOutput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[h] = utxoEntry{output: output}
}

// remove deletes h, if present.
func (s *UTXOSet) remove(h xhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, h)
}

// reset clears every entry, used by Rebuild before replaying blocks.
func (s *UTXOSet) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[xhash.Hash]utxoEntry)
}

// Len reports the number of unspent outputs currently tracked.
func (s *UTXOSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// OwnedEntry is one unspent output paired with its identity and reserved
// state, as returned by All and consumed by FetchUTXOs/OwnerIndex.Rebuild.
type OwnedEntry struct {
	Hash   xhash.Hash
	Marked bool
	Output chainmodel.TransactionOutput
}

// All returns every unspent output currently tracked. Used to rebuild
// the owner index and to answer FetchUTXOs when no index is configured.
func (s *UTXOSet) All() []OwnedEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OwnedEntry, 0, len(s.entries))
	for h, e := range s.entries {
		out = append(out, OwnedEntry{Hash: h, Marked: e.marked, Output: e.output})
	}
	return out
}

// snapshot and restore give the persistence layer (persist.go) a plain,
// canonically-encodable view of the set without exposing the mutex.
type utxoSnapshotEntry struct {
	Hash   xhash.Hash                  `cbor:"hash"`
	Marked bool                        `cbor:"marked"`
	Output chainmodel.TransactionOutput `cbor:"output"`
}

func (s *UTXOSet) snapshot() []utxoSnapshotEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]utxoSnapshotEntry, 0, len(s.entries))
	for h, e := range s.entries {
		out = append(out, utxoSnapshotEntry{Hash: h, Marked: e.marked, Output: e.output})
	}
	return out
}

func (s *UTXOSet) restore(snap []utxoSnapshotEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[xhash.Hash]utxoEntry, len(snap))
	for _, e := range snap {
		s.entries[e.Hash] = utxoEntry{marked: e.Marked, output: e.Output}
	}
}
