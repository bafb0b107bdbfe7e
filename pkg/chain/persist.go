package chain

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gochain/ironledger/pkg/canon"
	"github.com/gochain/ironledger/pkg/chainmodel"
	"github.com/gochain/ironledger/pkg/mempool"
	"github.com/gochain/ironledger/pkg/xbig"
)

// snapshot is the canonically-encoded on-disk form of a Blockchain:
// its blocks, UTXO set, target, and mempool.
type snapshot struct {
	Blocks  []chainmodel.Block   `cbor:"blocks"`
	UTXOs   []utxoSnapshotEntry  `cbor:"utxos"`
	Target  xbig.Target          `cbor:"target"`
	Mempool []mempoolSnapshotTx  `cbor:"mempool"`
}

// mempoolSnapshotTx is a pending transaction plus the bookkeeping the
// pool needs to restore it verbatim: admission time (for age eviction)
// and fee (for ordering), both otherwise recomputed only on admission.
type mempoolSnapshotTx struct {
	Tx         chainmodel.Transaction `cbor:"tx"`
	AdmittedAt int64                  `cbor:"admitted_at"`
	Fee        uint64                 `cbor:"fee"`
}

// Save atomically writes the chain state to path: the canonical encoding
// is written to a temporary sibling file, then renamed into place, so a
// concurrent reader (or a crash mid-write) never observes a partial file.
func (bc *Blockchain) Save(path string) error {
	bc.mu.Lock()
	snap := snapshot{
		Blocks: append([]chainmodel.Block(nil), bc.blocks...),
		UTXOs:  bc.utxos.snapshot(),
		Target: bc.target,
	}
	for _, e := range bc.pool.Entries() {
		snap.Mempool = append(snap.Mempool, mempoolSnapshotTx{Tx: e.Tx, AdmittedAt: e.AdmittedAt.Unix(), Fee: e.Fee})
	}
	bc.mu.Unlock()

	data, err := canon.Marshal(snap)
	if err != nil {
		return fmt.Errorf("chain: encoding snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".blockchain-*.tmp")
	if err != nil {
		return fmt.Errorf("chain: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chain: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chain: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chain: renaming into place: %w", err)
	}
	return nil
}

// Load replaces bc's state with the snapshot stored at path. The
// mempool is restored verbatim alongside the UTXO set's marked bits,
// rather than re-run through Pool.Add, matching the source's plain
// deserialize-and-trust load.
func (bc *Blockchain) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("chain: reading snapshot: %w", err)
	}
	var snap snapshot
	if err := canon.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("chain: decoding snapshot: %w", err)
	}

	entries := make([]mempool.Entry, len(snap.Mempool))
	for i, m := range snap.Mempool {
		entries[i] = mempool.Entry{Tx: m.Tx, AdmittedAt: time.Unix(m.AdmittedAt, 0).UTC(), Fee: m.Fee}
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.blocks = snap.Blocks
	bc.utxos.restore(snap.UTXOs)
	bc.target = snap.Target
	bc.pool = mempool.New(bc.utxos)
	return bc.pool.Restore(entries)
}
