// Package xhash implements the 256-bit hash and Merkle-root primitives
// described in the data model: a SHA-256 digest over the canonical
// encoding of a value, compared against a proof-of-work target as a
// big-endian integer.
package xhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/gochain/ironledger/pkg/canon"
)

// Hash is a 256-bit digest, stored in big-endian (standard digest) byte
// order: h[0] is the most significant byte.
type Hash [32]byte

// Zero is Hash(0), the sentinel previous-hash of the genesis block.
var Zero = Hash{}

// Of computes Hash.of(v): SHA-256 over the canonical encoding of v.
func Of(v interface{}) (Hash, error) {
	data, err := canon.Marshal(v)
	if err != nil {
		return Hash{}, fmt.Errorf("xhash: canonical encode: %w", err)
	}
	return Hash(sha256.Sum256(data)), nil
}

// MustOf is Of, panicking on encode failure. Reserved for values whose
// encoding cannot fail (no custom MarshalCBOR can return an error).
func MustOf(v interface{}) Hash {
	h, err := Of(v)
	if err != nil {
		panic(err)
	}
	return h
}

// Bytes returns a copy of the hash's big-endian bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, 32)
	copy(b, h[:])
	return b
}

// LittleEndianBytes returns the hash's bytes reversed: the 32-byte
// little-endian encoding that signatures are computed over.
func (h Hash) LittleEndianBytes() []byte {
	b := make([]byte, 32)
	for i := range h {
		b[i] = h[31-i]
	}
	return b
}

// Big interprets the hash as a big-endian unsigned integer.
func (h Hash) Big() *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// MatchesTarget reports whether the hash, read as a big-endian integer,
// is less than or equal to target.
func (h Hash) MatchesTarget(target *big.Int) bool {
	return h.Big().Cmp(target) <= 0
}

// IsZero reports whether h is Hash(0).
func (h Hash) IsZero() bool { return h == Zero }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// FromBig encodes a non-negative integer as a 32-byte big-endian Hash.
// An integer that does not fit in 256 bits returns an error.
func FromBig(i *big.Int) (Hash, error) {
	b := i.Bytes()
	if len(b) > 32 {
		return Hash{}, fmt.Errorf("xhash: value does not fit in 256 bits")
	}
	var h Hash
	copy(h[32-len(b):], b)
	return h, nil
}

// MarshalCBOR encodes the hash as a canonical 32-byte CBOR byte string.
func (h Hash) MarshalCBOR() ([]byte, error) {
	return canon.Marshal(h[:])
}

// UnmarshalCBOR decodes a 32-byte CBOR byte string into the hash.
func (h *Hash) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := canon.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("xhash: decode: %w", err)
	}
	if len(b) != 32 {
		return fmt.Errorf("xhash: expected 32-byte hash, got %d", len(b))
	}
	copy(h[:], b)
	return nil
}

// MerkleRoot wraps a Hash identifying the root of a transaction Merkle tree.
type MerkleRoot Hash

// ZeroMerkleRoot is MerkleRoot(Hash(0)), the root of an empty transaction set.
var ZeroMerkleRoot = MerkleRoot(Zero)

func (m MerkleRoot) Hash() Hash { return Hash(m) }

func (m MerkleRoot) String() string { return Hash(m).String() }

func (m MerkleRoot) MarshalCBOR() ([]byte, error) {
	return Hash(m).MarshalCBOR()
}

func (m *MerkleRoot) UnmarshalCBOR(data []byte) error {
	return (*Hash)(m).UnmarshalCBOR(data)
}

// merklePair is the two-element [left, right] array hashed to produce a
// parent node, per the Merkle construction rule.
type merklePair struct {
	_     struct{} `cbor:",toarray"`
	Left  Hash     `cbor:"left"`
	Right Hash     `cbor:"right"`
}

// CalculateMerkleRoot computes the Merkle root over a sequence of leaf
// hashes (one per transaction, in order). The base layer is the leaves
// themselves; each higher layer pairs adjacent hashes left-to-right and
// hashes the pair, duplicating the last element of an odd-length layer.
// An empty input yields MerkleRoot(Hash(0)).
func CalculateMerkleRoot(leaves []Hash) (MerkleRoot, error) {
	if len(leaves) == 0 {
		return ZeroMerkleRoot, nil
	}

	layer := make([]Hash, len(leaves))
	copy(layer, leaves)

	for len(layer) > 1 {
		if len(layer)%2 != 0 {
			layer = append(layer, layer[len(layer)-1])
		}
		next := make([]Hash, len(layer)/2)
		for i := 0; i < len(layer); i += 2 {
			h, err := Of(merklePair{Left: layer[i], Right: layer[i+1]})
			if err != nil {
				return MerkleRoot{}, fmt.Errorf("xhash: merkle pair hash: %w", err)
			}
			next[i/2] = h
		}
		layer = next
	}

	return MerkleRoot(layer[0]), nil
}
