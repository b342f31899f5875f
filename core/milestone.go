package core

// Milestone payload: the coordinator quorum's signed ledger checkpoint
// (spec.md §3/§4.8). A milestone is an ordinary block whose payload is a
// MilestonePayload; white-flag confirmation walks back from its parents.

import (
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const maxMilestoneMetadataLen = 64 * 1024

// MilestoneOption is an extensible, unparsed milestone essence option (for
// example a receipt). ion-node carries options opaquely; nothing in this
// node currently interprets their contents.
type MilestoneOption struct {
	OptionKind uint8
	Data       []byte
}

// MilestoneEssence is the signed body of a milestone: the checkpoint a
// quorum of coordinator keys attests to.
type MilestoneEssence struct {
	Index               uint32
	Timestamp            uint32
	PreviousMilestoneID  BlockID
	Parents              Parents
	InclusionMerkleRoot  [32]byte
	AppliedMerkleRoot    [32]byte
	Metadata             []byte
	Options              []MilestoneOption
}

func (e *MilestoneEssence) Validate() error {
	if len(e.Metadata) > maxMilestoneMetadataLen {
		return &DecodeError{Kind: DecodeErrBounds, Field: "essence.metadata", Detail: "exceeds 64KiB"}
	}
	return e.Parents.Validate()
}

// Encode produces the canonical form spec.md §6 names:
//
//	index u32 ‖ timestamp u32 ‖ previous_milestone_id 32B ‖ parents ‖
//	inclusion_merkle_root 32B ‖ applied_merkle_root 32B ‖ metadata(u16) ‖ options
func (e *MilestoneEssence) encode(w *writer) {
	w.writeU32(e.Index)
	w.writeU32(e.Timestamp)
	w.writeRaw(e.PreviousMilestoneID[:])
	w.writeU8(uint8(len(e.Parents)))
	for _, p := range e.Parents {
		w.writeRaw(p[:])
	}
	w.writeRaw(e.InclusionMerkleRoot[:])
	w.writeRaw(e.AppliedMerkleRoot[:])
	w.writeBytesU16(e.Metadata)
	w.writeU8(uint8(len(e.Options)))
	for _, opt := range e.Options {
		w.writeU8(opt.OptionKind)
		w.writeBytesU16(opt.Data)
	}
}

// Hash is the message every milestone signature covers.
func (e *MilestoneEssence) Hash() [32]byte {
	w := newWriter()
	e.encode(w)
	return blake2b.Sum256(w.Bytes())
}

func decodeMilestoneEssence(r *reader) (*MilestoneEssence, error) {
	e := &MilestoneEssence{}
	idx, err := r.readU32()
	if err != nil {
		return nil, err
	}
	e.Index = idx
	ts, err := r.readU32()
	if err != nil {
		return nil, err
	}
	e.Timestamp = ts
	prev, err := r.readRaw(BlockIDLength)
	if err != nil {
		return nil, err
	}
	copy(e.PreviousMilestoneID[:], prev)
	n, err := r.readU8()
	if err != nil {
		return nil, err
	}
	if int(n) < MinParents || int(n) > MaxParents {
		return nil, &DecodeError{Kind: DecodeErrBounds, Field: "essence.parents", Detail: "count out of range", Offset: r.pos}
	}
	parents := make(Parents, n)
	for i := range parents {
		raw, err := r.readRaw(BlockIDLength)
		if err != nil {
			return nil, err
		}
		copy(parents[i][:], raw)
	}
	if err := parents.Validate(); err != nil {
		return nil, err
	}
	e.Parents = parents
	inc, err := r.readRaw(32)
	if err != nil {
		return nil, err
	}
	copy(e.InclusionMerkleRoot[:], inc)
	app, err := r.readRaw(32)
	if err != nil {
		return nil, err
	}
	copy(e.AppliedMerkleRoot[:], app)
	meta, err := r.readBytesU16()
	if err != nil {
		return nil, err
	}
	if len(meta) > maxMilestoneMetadataLen {
		return nil, &DecodeError{Kind: DecodeErrBounds, Field: "essence.metadata", Detail: "exceeds 64KiB", Offset: r.pos}
	}
	e.Metadata = meta
	optCount, err := r.readU8()
	if err != nil {
		return nil, err
	}
	e.Options = make([]MilestoneOption, optCount)
	for i := range e.Options {
		kind, err := r.readU8()
		if err != nil {
			return nil, err
		}
		data, err := r.readBytesU16()
		if err != nil {
			return nil, err
		}
		e.Options[i] = MilestoneOption{OptionKind: kind, Data: data}
	}
	return e, nil
}

// MilestonePayload binds a milestone essence to the 1..=255 Ed25519
// signatures a quorum check (see quorum.go) validates against the
// coordinator key ranges configured for e.Index.
type MilestonePayload struct {
	Essence    *MilestoneEssence
	Signatures [][]byte // each ed25519.SignatureSize bytes
}

func (m *MilestonePayload) Kind() PayloadKind { return PayloadMilestone }

func (m *MilestonePayload) Encode() []byte {
	w := newWriter()
	m.Essence.encode(w)
	w.writeU8(uint8(len(m.Signatures)))
	for _, sig := range m.Signatures {
		w.writeRaw(sig)
	}
	return w.Bytes()
}

func decodeMilestonePayload(r *reader) (*MilestonePayload, error) {
	essence, err := decodeMilestoneEssence(r)
	if err != nil {
		return nil, err
	}
	if err := essence.Validate(); err != nil {
		return nil, err
	}
	sigCount, err := r.readU8()
	if err != nil {
		return nil, err
	}
	if sigCount == 0 {
		return nil, &DecodeError{Kind: DecodeErrBounds, Field: "signatures", Detail: "at least one signature required", Offset: r.pos}
	}
	sigs := make([][]byte, sigCount)
	for i := range sigs {
		raw, err := r.readRaw(ed25519.SignatureSize)
		if err != nil {
			return nil, err
		}
		sig := make([]byte, ed25519.SignatureSize)
		copy(sig, raw)
		sigs[i] = sig
	}
	return &MilestonePayload{Essence: essence, Signatures: sigs}, nil
}

// VerifySignatures checks every signature against its own key in keys
// (positional, one key per signature) and returns the count that verify.
// VerifyQuorum (quorum.go) does not call it: the quorum decision against
// the key range for Essence.Index tries every eligible key per signature.
func (m *MilestonePayload) VerifySignatures(keys []ed25519.PublicKey) (int, error) {
	if len(keys) != len(m.Signatures) {
		return 0, fmt.Errorf("milestone: key count %d does not match signature count %d", len(keys), len(m.Signatures))
	}
	hash := m.Essence.Hash()
	valid := 0
	for i, sig := range m.Signatures {
		if Verify(keys[i], hash[:], sig) {
			valid++
		}
	}
	return valid, nil
}
