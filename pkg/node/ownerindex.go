package node

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/gochain/ironledger/pkg/ckey"
	"github.com/gochain/ironledger/pkg/xhash"
)

// OwnerIndex is a rebuildable accelerator for FetchUTXOs: a badger-backed
// mapping from a public key's compressed bytes to the set of output
// hashes it owns, so answering FetchUTXOs doesn't require scanning the
// entire UTXO set on every request. It is never authoritative: Rebuild
// derives it wholesale from the chain's UTXO set, the same way
// rebuild_utxos derives the UTXO set from blocks.
type OwnerIndex struct {
	db *badger.DB
}

// OpenOwnerIndex opens (creating if absent) a badger database at dir.
func OpenOwnerIndex(dir string) (*OwnerIndex, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("node: opening owner index: %w", err)
	}
	return &OwnerIndex{db: db}, nil
}

// Close releases the underlying database handle.
func (idx *OwnerIndex) Close() error { return idx.db.Close() }

func ownerKey(pub *ckey.PublicKey, outputHash xhash.Hash) []byte {
	key := append([]byte("owner:"), pub.Bytes()...)
	key = append(key, ':')
	key = append(key, outputHash.Bytes()...)
	return key
}

// Add records that outputHash is owned by pub.
func (idx *OwnerIndex) Add(pub *ckey.PublicKey, outputHash xhash.Hash) error {
	return idx.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ownerKey(pub, outputHash), outputHash.Bytes())
	})
}

// Remove deletes the record of outputHash being owned by pub.
func (idx *OwnerIndex) Remove(pub *ckey.PublicKey, outputHash xhash.Hash) error {
	return idx.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(ownerKey(pub, outputHash))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// OutputHashesOwnedBy returns every output hash currently indexed under pub.
func (idx *OwnerIndex) OutputHashesOwnedBy(pub *ckey.PublicKey) ([]xhash.Hash, error) {
	prefix := append([]byte("owner:"), pub.Bytes()...)
	prefix = append(prefix, ':')

	var hashes []xhash.Hash
	err := idx.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				if len(v) != 32 {
					return fmt.Errorf("node: corrupt owner index entry")
				}
				var h xhash.Hash
				copy(h[:], v)
				hashes = append(hashes, h)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("node: scanning owner index: %w", err)
	}
	return hashes, nil
}

// Rebuild clears the index and re-derives it from utxos, the same way
// rebuild_utxos derives the UTXO set from the block sequence: the index
// is a pure function of the UTXO set's current contents.
func (idx *OwnerIndex) Rebuild(entries []OwnerEntry) error {
	return idx.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, append([]byte(nil), it.Item().Key()...))
		}
		it.Close()
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, e := range entries {
			if err := txn.Set(ownerKey(&e.PublicKey, e.OutputHash), e.OutputHash.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

// OwnerEntry is one (owner, output) pair fed to Rebuild.
type OwnerEntry struct {
	PublicKey  ckey.PublicKey
	OutputHash xhash.Hash
}
