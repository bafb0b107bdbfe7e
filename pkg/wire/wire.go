// Package wire implements the length-prefixed, typed message codec every
// peer connection speaks: an 8-byte big-endian length prefix followed by
// that many bytes of canonically-encoded {type, data}.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gochain/ironledger/pkg/canon"
	"github.com/gochain/ironledger/pkg/chainmodel"
	"github.com/gochain/ironledger/pkg/ckey"
)

// ErrProtocol is returned for any framing violation: a short read, an
// oversized length prefix, or an envelope that fails to decode. Any
// short read is connection-fatal.
var ErrProtocol = errors.New("wire: protocol violation")

// MaxMessageSize bounds the length prefix so a hostile peer cannot make a
// reader allocate an unbounded buffer.
const MaxMessageSize = 64 << 20 // 64 MiB

// Tag identifies a message's payload type.
type Tag string

const (
	TagFetchUTXOs        Tag = "fetch_utxos"
	TagUTXOs             Tag = "utxos"
	TagSubmitTransaction Tag = "submit_transaction"
	TagNewTransaction    Tag = "new_transaction"
	TagFetchTemplate     Tag = "fetch_template"
	TagTemplate          Tag = "template"
	TagValidateTemplate  Tag = "validate_template"
	TagTemplateValidity  Tag = "template_validity"
	TagSubmitTemplate    Tag = "submit_template"
	TagDiscoverNodes     Tag = "discover_nodes"
	TagNodeList          Tag = "node_list"
	TagAskDifference     Tag = "ask_difference"
	TagDifference        Tag = "difference"
	TagFetchBlock        Tag = "fetch_block"
	TagNewBlock          Tag = "new_block"
)

// envelope is the canonically-encoded unit the length prefix wraps. Data
// carries the tag-specific payload in its own canonical encoding, decoded
// only once the caller knows what Go type to decode it into.
type envelope struct {
	Type Tag    `cbor:"type"`
	Data []byte `cbor:"data"`
}

// WriteMessage frames and writes a single message: tag plus the
// canonical encoding of payload.
func WriteMessage(w io.Writer, tag Tag, payload interface{}) error {
	data, err := canon.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wire: encoding %s payload: %w", tag, err)
	}
	buf, err := canon.Marshal(envelope{Type: tag, Data: data})
	if err != nil {
		return fmt.Errorf("wire: encoding envelope: %w", err)
	}
	if len(buf) > MaxMessageSize {
		return fmt.Errorf("%w: outgoing message %d bytes exceeds %d", ErrProtocol, len(buf), MaxMessageSize)
	}

	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(buf)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("%w: writing length prefix: %v", ErrProtocol, err)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: writing payload: %v", ErrProtocol, err)
	}
	return nil
}

// ReadMessage reads one framed message and returns its tag and the raw,
// still-encoded payload bytes for the caller to decode with DecodePayload.
// A read that returns fewer bytes than framed is reported as ErrProtocol.
func ReadMessage(r io.Reader) (Tag, []byte, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return "", nil, fmt.Errorf("%w: reading length prefix: %v", ErrProtocol, err)
	}
	length := binary.BigEndian.Uint64(prefix[:])
	if length > MaxMessageSize {
		return "", nil, fmt.Errorf("%w: incoming message %d bytes exceeds %d", ErrProtocol, length, MaxMessageSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", nil, fmt.Errorf("%w: reading payload: %v", ErrProtocol, err)
	}

	var env envelope
	if err := canon.Unmarshal(buf, &env); err != nil {
		return "", nil, fmt.Errorf("%w: decoding envelope: %v", ErrProtocol, err)
	}
	return env.Type, env.Data, nil
}

// DecodePayload decodes a message's raw Data into out, the shape
// determined by its Tag.
func DecodePayload(data []byte, out interface{}) error {
	if err := canon.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding payload: %v", ErrProtocol, err)
	}
	return nil
}

// Payload shapes for each Tag.

type FetchUTXOsPayload struct {
	PublicKey ckey.PublicKey `cbor:"public_key"`
}

// UTXOEntry pairs an owned output with its reserved state, as returned by
// FetchUTXOs.
type UTXOEntry struct {
	Output chainmodel.TransactionOutput `cbor:"output"`
	Marked bool                         `cbor:"marked"`
}

type UTXOsPayload struct {
	Entries []UTXOEntry `cbor:"entries"`
}

type SubmitTransactionPayload struct {
	Tx chainmodel.Transaction `cbor:"tx"`
}

type NewTransactionPayload struct {
	Tx chainmodel.Transaction `cbor:"tx"`
}

type FetchTemplatePayload struct {
	PublicKey ckey.PublicKey `cbor:"public_key"`
}

type TemplatePayload struct {
	Block chainmodel.Block `cbor:"block"`
}

type ValidateTemplatePayload struct {
	Block chainmodel.Block `cbor:"block"`
}

type TemplateValidityPayload struct {
	Valid bool `cbor:"valid"`
}

type SubmitTemplatePayload struct {
	Block chainmodel.Block `cbor:"block"`
}

// DiscoverNodesPayload carries no fields; the request is the tag alone.
type DiscoverNodesPayload struct{}

type NodeListPayload struct {
	Peers []string `cbor:"peers"`
}

type AskDifferencePayload struct {
	Height uint64 `cbor:"height"`
}

type DifferencePayload struct {
	Diff int64 `cbor:"diff"`
}

type FetchBlockPayload struct {
	Height uint64 `cbor:"height"`
}

type NewBlockPayload struct {
	Block chainmodel.Block `cbor:"block"`
}
