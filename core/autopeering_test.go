package core

import (
	"testing"
)

func TestDistanceIsDeterministicAndSaltSensitive(t *testing.T) {
	a, b := peerIDFromByte(1), peerIDFromByte(2)
	var saltA, saltB [32]byte
	saltA[0] = 0x01
	saltB[0] = 0x02

	d1 := distance(a, b, saltA)
	d2 := distance(a, b, saltA)
	if d1.Cmp(d2) != 0 {
		t.Fatal("distance must be deterministic for the same inputs")
	}

	d3 := distance(a, b, saltB)
	if d1.Cmp(d3) == 0 {
		t.Fatal("distance should change when the salt changes")
	}
}

func TestDistanceIsAsymmetric(t *testing.T) {
	a, b := peerIDFromByte(3), peerIDFromByte(4)
	var salt [32]byte
	dAB := distance(a, b, salt)
	dBA := distance(b, a, salt)
	if dAB.Cmp(dBA) == 0 {
		t.Fatal("d(A,B,s) hashes A||B||s, so swapping A and B should change the digest")
	}
}

func TestAutopeerPacketRoundTrip(t *testing.T) {
	orig := &AutopeerPacket{
		Type: PacketVerificationRequest,
		Data: []byte("hello autopeering"),
	}
	orig.PublicKey[0] = 0xAB
	orig.Signature[0] = 0xCD

	encoded := encodeAutopeerPacket(orig)
	decoded, err := decodeAutopeerPacket(encoded)
	if err != nil {
		t.Fatalf("decodeAutopeerPacket: %v", err)
	}
	if decoded.Type != orig.Type {
		t.Errorf("type = %v, want %v", decoded.Type, orig.Type)
	}
	if string(decoded.Data) != string(orig.Data) {
		t.Errorf("data = %q, want %q", decoded.Data, orig.Data)
	}
	if decoded.PublicKey != orig.PublicKey {
		t.Errorf("public key mismatch")
	}
	if decoded.Signature != orig.Signature {
		t.Errorf("signature mismatch")
	}
}

func TestVerificationRequestRoundTrip(t *testing.T) {
	orig := VerificationRequestPayload{Timestamp: 1234567890, Address: "192.0.2.1:14626"}
	encoded := encodeVerificationRequest(orig)
	decoded, err := decodeVerificationRequest(encoded)
	if err != nil {
		t.Fatalf("decodeVerificationRequest: %v", err)
	}
	if decoded != orig {
		t.Fatalf("decoded = %+v, want %+v", decoded, orig)
	}
}

func TestDiscoveryResponseRoundTrip(t *testing.T) {
	peers := []verifiedPeerEndpoint{
		{ID: peerIDFromByte(1), Address: "10.0.0.1:14626"},
		{ID: peerIDFromByte(2), Address: "10.0.0.2:14626"},
	}
	encoded := encodeDiscoveryResponse(peers)
	decoded := decodeDiscoveryResponse(encoded)
	if len(decoded) != len(peers) {
		t.Fatalf("expected %d peers, got %d", len(peers), len(decoded))
	}
	for i, p := range peers {
		if decoded[i].ID != p.ID || decoded[i].Address != p.Address {
			t.Errorf("peer %d = %+v, want %+v", i, decoded[i], p)
		}
	}
}

func TestDecodePeeringResponse(t *testing.T) {
	if !decodePeeringResponse([]byte{1}) {
		t.Error("expected accept byte to decode true")
	}
	if decodePeeringResponse([]byte{0}) {
		t.Error("expected reject byte to decode false")
	}
	if decodePeeringResponse(nil) {
		t.Error("expected empty payload to decode false")
	}
}
