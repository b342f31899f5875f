package core

import "testing"

func sampleParents(n int) Parents {
	ids := make([]BlockID, n)
	for i := range ids {
		ids[i][0] = byte(i + 1)
	}
	return SortParents(ids)
}

// TestBlockEncodeDecodeRoundTrip verifies encode(decode(x)) == x for a
// block carrying a tagged-data payload.
func TestBlockEncodeDecodeRoundTrip(t *testing.T) {
	b := &Block{
		ProtocolVersion: 1,
		Parents:         sampleParents(2),
		Payload:         &TaggedDataPayload{Tag: []byte("tag"), Data: []byte("hello")},
		Nonce:           42,
	}
	enc := b.Encode()
	dec, err := DecodeBlock(enc)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if dec.ProtocolVersion != b.ProtocolVersion || dec.Nonce != b.Nonce {
		t.Fatalf("round trip mismatch: %+v vs %+v", dec, b)
	}
	if len(dec.Parents) != len(b.Parents) {
		t.Fatalf("parent count mismatch: %d vs %d", len(dec.Parents), len(b.Parents))
	}
	for i := range b.Parents {
		if dec.Parents[i] != b.Parents[i] {
			t.Fatalf("parent %d mismatch", i)
		}
	}
	if !bytesEqual(dec.Encode(), enc) {
		t.Fatalf("decode(encode(x)).Encode() != encode(x)")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestBlockEncodeDecodeEmptyPayload verifies a block with no payload round trips.
func TestBlockEncodeDecodeEmptyPayload(t *testing.T) {
	b := &Block{ProtocolVersion: 1, Parents: sampleParents(1), Nonce: 7}
	dec, err := DecodeBlock(b.Encode())
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if dec.Payload != nil {
		t.Fatalf("expected nil payload, got %+v", dec.Payload)
	}
}

// TestBlockIDDeterministic verifies two blocks with identical canonical
// bytes produce identical IDs, and differing nonces produce different IDs.
func TestBlockIDDeterministic(t *testing.T) {
	b1 := &Block{ProtocolVersion: 1, Parents: sampleParents(1), Nonce: 1}
	b2 := &Block{ProtocolVersion: 1, Parents: sampleParents(1), Nonce: 1}
	if b1.ID() != b2.ID() {
		t.Fatalf("identical blocks produced different IDs")
	}
	b3 := &Block{ProtocolVersion: 1, Parents: sampleParents(1), Nonce: 2}
	if b1.ID() == b3.ID() {
		t.Fatalf("different nonces produced the same ID")
	}
}

// TestParentsValidateBounds rejects too few and too many parents.
func TestParentsValidateBounds(t *testing.T) {
	if err := Parents{}.Validate(); err == nil {
		t.Fatalf("expected error for zero parents")
	}
	if err := sampleParents(MaxParents + 1).Validate(); err == nil {
		t.Fatalf("expected error for too many parents")
	}
	if err := sampleParents(MaxParents).Validate(); err != nil {
		t.Fatalf("MaxParents should validate: %v", err)
	}
}

// TestParentsValidateRejectsDuplicates verifies a duplicate parent ID fails
// validation even when nominally sorted.
func TestParentsValidateRejectsDuplicates(t *testing.T) {
	var id BlockID
	id[0] = 5
	p := Parents{id, id}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for duplicate parent IDs")
	}
}

// TestDecodeBlockRejectsBadParentCount verifies a declared parent count of
// zero is rejected before any parent bytes are read.
func TestDecodeBlockRejectsBadParentCount(t *testing.T) {
	w := newWriter()
	w.writeU8(1)
	w.writeU8(0)
	w.writeBytesU32(nil)
	w.writeU64(0)
	if _, err := DecodeBlock(w.Bytes()); err == nil {
		t.Fatalf("expected error for zero parent count")
	}
}

// TestDecodeBlockRejectsTruncated verifies a short buffer is rejected
// rather than panicking.
func TestDecodeBlockRejectsTruncated(t *testing.T) {
	b := &Block{ProtocolVersion: 1, Parents: sampleParents(1), Nonce: 1}
	enc := b.Encode()
	if _, err := DecodeBlock(enc[:len(enc)-3]); err == nil {
		t.Fatalf("expected error for truncated input")
	}
}

// TestDecodeBlockRejectsTrailingBytes verifies extra bytes after a
// well-formed block are rejected.
func TestDecodeBlockRejectsTrailingBytes(t *testing.T) {
	b := &Block{ProtocolVersion: 1, Parents: sampleParents(1), Nonce: 1}
	enc := append(b.Encode(), 0xFF)
	if _, err := DecodeBlock(enc); err == nil {
		t.Fatalf("expected error for trailing bytes")
	}
}
