// Package xbig provides the arbitrary-precision 256-bit integer wrapper
// used for proof-of-work targets. Retargeting needs up to ~272 bits of
// intermediate precision (target * observed-seconds before dividing by
// ideal-seconds), so every computation here goes through math/big rather
// than a fixed-width type.
package xbig

import (
	"fmt"
	"math/big"

	"github.com/gochain/ironledger/pkg/canon"
)

// Target wraps a 256-bit proof-of-work target for canonical encoding and
// arithmetic. The zero value is not valid; use New or NewFromUint64.
type Target struct {
	v *big.Int
}

// New wraps i as a Target. i must be non-negative and fit in 256 bits.
func New(i *big.Int) Target {
	return Target{v: new(big.Int).Set(i)}
}

// NewFromUint64 wraps a small integer as a Target (test/constant convenience).
func NewFromUint64(u uint64) Target {
	return Target{v: new(big.Int).SetUint64(u)}
}

// Int returns the underlying big.Int. Callers must not mutate it.
func (t Target) Int() *big.Int {
	if t.v == nil {
		return big.NewInt(0)
	}
	return t.v
}

func (t Target) String() string { return t.Int().String() }

func (t Target) Cmp(other Target) int { return t.Int().Cmp(other.Int()) }

// Mul returns t * factor.
func (t Target) Mul(factor *big.Int) Target {
	return Target{v: new(big.Int).Mul(t.Int(), factor)}
}

// Div returns t / divisor (integer division, truncating toward zero).
func (t Target) Div(divisor *big.Int) Target {
	return Target{v: new(big.Int).Div(t.Int(), divisor)}
}

// Clamp returns t clamped into [lo, hi].
func (t Target) Clamp(lo, hi Target) Target {
	if t.Cmp(lo) < 0 {
		return lo
	}
	if t.Cmp(hi) > 0 {
		return hi
	}
	return t
}

// MarshalCBOR encodes the target as its canonical big-endian byte string
// (no leading zero byte, empty for zero), sidestepping reliance on any
// particular bignum tag convention so two implementations agree byte for
// byte regardless of CBOR library bignum support.
func (t Target) MarshalCBOR() ([]byte, error) {
	return canon.Marshal(t.Int().Bytes())
}

func (t *Target) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := canon.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("xbig: decode target: %w", err)
	}
	t.v = new(big.Int).SetBytes(b)
	return nil
}
