// Package canon pins the single canonical, self-describing binary encoding
// used for every hash input and every on-wire or on-disk byte stream in
// ironledger. It is a thin, deliberately narrow wrapper around CBOR's
// deterministic ("core deterministic") encoding mode: integers are encoded
// minimally, map keys are sorted by their encoded bytes, and byte strings
// and text strings carry distinct major types. Two independent encodes of
// an equal value MUST produce identical bytes.
package canon

import "github.com/fxamacker/cbor/v2"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("canon: failed to build canonical encode mode: " + err.Error())
	}
	encMode = em

	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("canon: failed to build decode mode: " + err.Error())
	}
	decMode = dm
}

// Marshal returns the canonical encoding of v.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data, previously produced by Marshal, into v.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}
