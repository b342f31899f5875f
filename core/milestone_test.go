package core

import (
	"crypto/ed25519"
	"testing"
)

func sampleEssence() *MilestoneEssence {
	return &MilestoneEssence{
		Index:   5,
		Parents: sampleParents(2),
	}
}

// TestMilestonePayloadEncodeDecodeRoundTrip verifies a signed milestone
// payload round trips through the canonical codec.
func TestMilestonePayloadEncodeDecodeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	essence := sampleEssence()
	hash := essence.Hash()
	sig := ed25519.Sign(priv, hash[:])
	payload := &MilestonePayload{Essence: essence, Signatures: [][]byte{sig}}

	b := &Block{ProtocolVersion: 1, Parents: sampleParents(1), Payload: payload, Nonce: 1}
	dec, err := DecodeBlock(b.Encode())
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	decPayload, ok := dec.Payload.(*MilestonePayload)
	if !ok {
		t.Fatalf("expected *MilestonePayload, got %T", dec.Payload)
	}
	if decPayload.Essence.Index != essence.Index {
		t.Fatalf("index mismatch: %d vs %d", decPayload.Essence.Index, essence.Index)
	}
	valid, err := decPayload.VerifySignatures([]ed25519.PublicKey{pub})
	if err != nil {
		t.Fatalf("VerifySignatures: %v", err)
	}
	if valid != 1 {
		t.Fatalf("expected 1 valid signature, got %d", valid)
	}
}

// TestMilestonePayloadRejectsZeroSignatures verifies decode fails when no
// signature is present, since a milestone always needs at least one.
func TestMilestonePayloadRejectsZeroSignatures(t *testing.T) {
	w := newWriter()
	sampleEssence().encode(w)
	w.writeU8(0)
	if _, err := decodeMilestonePayload(newReader(w.Bytes())); err == nil {
		t.Fatalf("expected error for zero signatures")
	}
}

// TestVerifySignaturesRejectsWrongKey verifies a signature checked against
// the wrong public key does not count as valid.
func TestVerifySignaturesRejectsWrongKey(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	otherPub, _, _ := ed25519.GenerateKey(nil)
	essence := sampleEssence()
	hash := essence.Hash()
	sig := ed25519.Sign(priv, hash[:])
	payload := &MilestonePayload{Essence: essence, Signatures: [][]byte{sig}}
	valid, err := payload.VerifySignatures([]ed25519.PublicKey{otherPub})
	if err != nil {
		t.Fatalf("VerifySignatures: %v", err)
	}
	if valid != 0 {
		t.Fatalf("expected 0 valid signatures against the wrong key, got %d", valid)
	}
}

// TestMilestoneEssenceValidateRejectsOversizedMetadata verifies the 64KiB
// metadata bound is enforced.
func TestMilestoneEssenceValidateRejectsOversizedMetadata(t *testing.T) {
	e := sampleEssence()
	e.Metadata = make([]byte, maxMilestoneMetadataLen+1)
	if err := e.Validate(); err == nil {
		t.Fatalf("expected error for oversized metadata")
	}
}
