package core

// Canonical block structure (spec.md §3/§6): an immutable DAG vertex with
// 1-8 sorted, unique parent IDs, a protocol version byte, an optional
// payload, and a nonce. BlockID is the BLAKE2b-256 hash of the canonical
// encoding, so two blocks with the same ID are the same block.

import (
	"bytes"
	"sort"

	"golang.org/x/crypto/blake2b"
)

const (
	MinParents = 1
	MaxParents = 8

	BlockIDLength = 32
)

// BlockID is the BLAKE2b-256 hash of a block's canonical byte form.
type BlockID [BlockIDLength]byte

func (id BlockID) String() string { return hexString(id[:]) }

// Parents is a sorted, unique set of block IDs referenced by a block or a
// milestone essence. Construction always sorts; validity (count, strict
// ordering, no duplicates) is asserted separately by Validate.
type Parents []BlockID

// SortParents returns a new Parents slice sorted in ascending
// lexicographic order by ID.
func SortParents(ids []BlockID) Parents {
	out := make(Parents, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// Validate enforces spec.md's parent invariants: 1..=8 entries, strictly
// sorted, pairwise distinct.
func (p Parents) Validate() error {
	if len(p) < MinParents || len(p) > MaxParents {
		return &DecodeError{Kind: DecodeErrBounds, Field: "parents", Detail: "count out of range"}
	}
	for i := 1; i < len(p); i++ {
		if bytes.Compare(p[i-1][:], p[i][:]) >= 0 {
			return &DecodeError{Kind: DecodeErrSortedness, Field: "parents", Detail: "not strictly sorted"}
		}
	}
	return nil
}

// PayloadKind tags the variant stored inside a block's payload bytes.
type PayloadKind uint8

const (
	PayloadNone PayloadKind = iota
	PayloadTransaction
	PayloadMilestone
	PayloadTaggedData
)

// Payload is implemented by TransactionPayload, MilestonePayload and
// TaggedDataPayload. Kind identifies which one a decoded Payload is without
// a type switch at every call site.
type Payload interface {
	Kind() PayloadKind
	Encode() []byte
}

// TaggedDataPayload carries an application-defined tag and arbitrary data,
// with no ledger effect; the solidifier routes it to a sink and takes no
// further action.
type TaggedDataPayload struct {
	Tag  []byte
	Data []byte
}

func (t *TaggedDataPayload) Kind() PayloadKind { return PayloadTaggedData }

func (t *TaggedDataPayload) Encode() []byte {
	w := newWriter()
	w.writeBytesU8(t.Tag)
	w.writeBytesU32(t.Data)
	return w.Bytes()
}

func decodeTaggedData(r *reader) (*TaggedDataPayload, error) {
	tag, err := r.readBytesU8()
	if err != nil {
		return nil, err
	}
	data, err := r.readBytesU32()
	if err != nil {
		return nil, err
	}
	return &TaggedDataPayload{Tag: tag, Data: data}, nil
}

// Block is the immutable DAG vertex. ProtocolVersion, Parents, Payload and
// Nonce participate in the canonical encoding; ID is derived, not stored.
type Block struct {
	ProtocolVersion uint8
	Parents         Parents
	Payload         Payload // nil for an empty payload
	Nonce           uint64
}

// ID computes the block's content address: BLAKE2b-256 of its canonical
// encoding.
func (b *Block) ID() BlockID {
	sum := blake2b.Sum256(b.Encode())
	return BlockID(sum)
}

// Encode produces the canonical wire/persisted form described in spec.md §6:
//
//	protocol_version u8 ‖ parents length-prefixed(u8) ‖ payload length-prefixed(u32) ‖ nonce u64 LE
func (b *Block) Encode() []byte {
	w := newWriter()
	w.writeU8(b.ProtocolVersion)
	w.writeU8(uint8(len(b.Parents)))
	for _, p := range b.Parents {
		w.writeRaw(p[:])
	}
	var payloadBytes []byte
	if b.Payload != nil {
		payloadBytes = encodePayload(b.Payload)
	}
	w.writeBytesU32(payloadBytes)
	w.writeU64(b.Nonce)
	return w.Bytes()
}

// DecodeBlock parses and validates a canonical block, rejecting malformed
// parent counts/ordering before returning.
func DecodeBlock(data []byte) (*Block, error) {
	r := newReader(data)
	ver, err := r.readU8()
	if err != nil {
		return nil, err
	}
	n, err := r.readU8()
	if err != nil {
		return nil, err
	}
	if int(n) < MinParents || int(n) > MaxParents {
		return nil, &DecodeError{Kind: DecodeErrBounds, Field: "parents", Detail: "count out of range", Offset: r.pos}
	}
	parents := make(Parents, n)
	for i := range parents {
		raw, err := r.readRaw(32)
		if err != nil {
			return nil, err
		}
		copy(parents[i][:], raw)
	}
	if err := parents.Validate(); err != nil {
		return nil, err
	}
	payloadBytes, err := r.readBytesU32()
	if err != nil {
		return nil, err
	}
	var payload Payload
	if len(payloadBytes) > 0 {
		payload, err = decodePayload(payloadBytes)
		if err != nil {
			return nil, err
		}
	}
	nonce, err := r.readU64()
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &Block{ProtocolVersion: ver, Parents: parents, Payload: payload, Nonce: nonce}, nil
}

func encodePayload(p Payload) []byte {
	w := newWriter()
	w.writeU8(uint8(p.Kind()))
	w.writeRaw(p.Encode())
	return w.Bytes()
}

func decodePayload(data []byte) (Payload, error) {
	r := newReader(data)
	kind, err := r.readU8()
	if err != nil {
		return nil, err
	}
	switch PayloadKind(kind) {
	case PayloadTransaction:
		return decodeTransactionPayload(r)
	case PayloadMilestone:
		return decodeMilestonePayload(r)
	case PayloadTaggedData:
		return decodeTaggedData(r)
	default:
		return nil, &DecodeError{Kind: DecodeErrBounds, Field: "payload.kind", Detail: "unknown payload kind", Offset: r.pos}
	}
}
