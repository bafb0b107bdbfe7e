// Package ckey implements the elliptic-curve key and signature primitives
// pinned by the data model: secp256k1 keys, and ECDSA signatures computed
// over the 32-byte little-endian encoding of a Hash.
package ckey

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/gochain/ironledger/pkg/canon"
	"github.com/gochain/ironledger/pkg/xhash"
)

// PrivateKey is a secp256k1 scalar.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// PublicKey is a secp256k1 curve point.
type PublicKey struct {
	key *secp256k1.PublicKey
}

// Signature is a raw ECDSA signature, DER-encoded for transport.
type Signature struct {
	sig *ecdsa.Signature
}

// GeneratePrivateKey produces a fresh random private key.
func GeneratePrivateKey() (*PrivateKey, error) {
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("ckey: generate private key: %w", err)
	}
	return &PrivateKey{key: k}, nil
}

// PublicKey derives the corresponding public key.
func (p *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{key: p.key.PubKey()}
}

// Bytes returns the 32-byte big-endian scalar encoding of the private key.
func (p *PrivateKey) Bytes() []byte {
	return p.key.Serialize()
}

// PrivateKeyFromBytes parses a 32-byte scalar into a PrivateKey.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("ckey: private key must be 32 bytes, got %d", len(b))
	}
	k := secp256k1.PrivKeyFromBytes(b)
	return &PrivateKey{key: k}, nil
}

// Bytes returns the 33-byte compressed SEC1 encoding of the public key.
func (p *PublicKey) Bytes() []byte {
	return p.key.SerializeCompressed()
}

// PublicKeyFromBytes parses a 33-byte compressed public key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	k, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("ckey: invalid public key: %w", err)
	}
	return &PublicKey{key: k}, nil
}

// Equal reports whether two public keys are the same curve point.
func (p *PublicKey) Equal(other *PublicKey) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.key.IsEqual(other.key)
}

func (p *PublicKey) String() string { return fmt.Sprintf("%x", p.Bytes()) }

// Sign signs hash's 32-byte little-endian encoding with priv.
func Sign(hash xhash.Hash, priv *PrivateKey) (*Signature, error) {
	if priv == nil {
		return nil, fmt.Errorf("ckey: sign: nil private key")
	}
	sig := ecdsa.Sign(priv.key, hash.LittleEndianBytes())
	return &Signature{sig: sig}, nil
}

// Verify reports whether sig is a valid signature over hash's 32-byte
// little-endian encoding under pub. It never panics: a malformed signature
// or public key simply fails verification.
func Verify(hash xhash.Hash, sig *Signature, pub *PublicKey) bool {
	if sig == nil || sig.sig == nil || pub == nil || pub.key == nil {
		return false
	}
	return sig.sig.Verify(hash.LittleEndianBytes(), pub.key)
}

// Bytes returns the DER encoding of the signature.
func (s *Signature) Bytes() []byte {
	if s == nil || s.sig == nil {
		return nil
	}
	return s.sig.Serialize()
}

// SignatureFromBytes parses a DER-encoded signature. Malformed input
// returns an error rather than panicking; downstream verification of a
// Signature built this way will simply fail rather than crash.
func SignatureFromBytes(b []byte) (*Signature, error) {
	sig, err := ecdsa.ParseDERSignature(b)
	if err != nil {
		return nil, fmt.Errorf("ckey: invalid signature encoding: %w", err)
	}
	return &Signature{sig: sig}, nil
}

// --- canonical encoding ---

func (p PublicKey) MarshalCBOR() ([]byte, error) {
	if p.key == nil {
		return canon.Marshal([]byte{})
	}
	return canon.Marshal(p.Bytes())
}

func (p *PublicKey) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := canon.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("ckey: decode public key: %w", err)
	}
	if len(b) == 0 {
		p.key = nil
		return nil
	}
	k, err := PublicKeyFromBytes(b)
	if err != nil {
		return err
	}
	*p = *k
	return nil
}

func (s Signature) MarshalCBOR() ([]byte, error) {
	return canon.Marshal(s.Bytes())
}

func (s *Signature) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := canon.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("ckey: decode signature: %w", err)
	}
	if len(b) == 0 {
		s.sig = nil
		return nil
	}
	parsed, err := SignatureFromBytes(b)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}
