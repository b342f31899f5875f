package core

import (
	"crypto/ed25519"
	"testing"
)

func signedMilestone(t *testing.T, index uint32, keys []ed25519.PrivateKey) *MilestonePayload {
	t.Helper()
	essence := &MilestoneEssence{Index: index, Parents: sampleParents(1)}
	hash := essence.Hash()
	sigs := make([][]byte, len(keys))
	for i, k := range keys {
		sigs[i] = ed25519.Sign(k, hash[:])
	}
	return &MilestonePayload{Essence: essence, Signatures: sigs}
}

// TestVerifyQuorumReachesThreshold verifies a milestone signed by every
// eligible key meets the default (all-keys) threshold.
func TestVerifyQuorumReachesThreshold(t *testing.T) {
	pub1, priv1, _ := ed25519.GenerateKey(nil)
	pub2, priv2, _ := ed25519.GenerateKey(nil)
	keys := CoordinatorKeySet{Ranges: []KeyRange{
		{PublicKey: pub1, StartIndex: 0, EndIndex: 100},
		{PublicKey: pub2, StartIndex: 0, EndIndex: 100},
	}}
	m := signedMilestone(t, 5, []ed25519.PrivateKey{priv1, priv2})
	ok, count, err := VerifyQuorum(m, keys)
	if err != nil {
		t.Fatalf("VerifyQuorum: %v", err)
	}
	if !ok || count != 2 {
		t.Fatalf("expected quorum reached with 2 keys, got ok=%v count=%d", ok, count)
	}
}

// TestVerifyQuorumFailsBelowThreshold verifies a partially-signed
// milestone below an explicit threshold does not reach quorum.
func TestVerifyQuorumFailsBelowThreshold(t *testing.T) {
	pub1, priv1, _ := ed25519.GenerateKey(nil)
	pub2, _, _ := ed25519.GenerateKey(nil)
	keys := CoordinatorKeySet{
		Ranges:    []KeyRange{{PublicKey: pub1, StartIndex: 0, EndIndex: 100}, {PublicKey: pub2, StartIndex: 0, EndIndex: 100}},
		Threshold: 2,
	}
	m := signedMilestone(t, 5, []ed25519.PrivateKey{priv1})
	ok, count, err := VerifyQuorum(m, keys)
	if err != nil {
		t.Fatalf("VerifyQuorum: %v", err)
	}
	if ok || count != 1 {
		t.Fatalf("expected quorum not reached, got ok=%v count=%d", ok, count)
	}
}

// TestVerifyQuorumRejectsIndexOutsideRange verifies a milestone index
// outside every configured key range has no eligible keys and fails.
func TestVerifyQuorumRejectsIndexOutsideRange(t *testing.T) {
	pub1, priv1, _ := ed25519.GenerateKey(nil)
	keys := CoordinatorKeySet{Ranges: []KeyRange{{PublicKey: pub1, StartIndex: 0, EndIndex: 10}}}
	m := signedMilestone(t, 999, []ed25519.PrivateKey{priv1})
	ok, count, err := VerifyQuorum(m, keys)
	if err != nil {
		t.Fatalf("VerifyQuorum: %v", err)
	}
	if ok || count != 0 {
		t.Fatalf("expected no eligible keys outside range, got ok=%v count=%d", ok, count)
	}
}

// TestKeysForIndexPreservesRangesOrder verifies overlapping ranges both
// covering an index are returned in configuration order.
func TestKeysForIndexPreservesRangesOrder(t *testing.T) {
	pub1, _, _ := ed25519.GenerateKey(nil)
	pub2, _, _ := ed25519.GenerateKey(nil)
	keys := CoordinatorKeySet{Ranges: []KeyRange{
		{PublicKey: pub1, StartIndex: 0, EndIndex: 100},
		{PublicKey: pub2, StartIndex: 0, EndIndex: 100},
	}}
	got := keys.KeysForIndex(50)
	if len(got) != 2 {
		t.Fatalf("expected 2 eligible keys, got %d", len(got))
	}
	if string(got[0]) != string(pub1) || string(got[1]) != string(pub2) {
		t.Fatalf("expected range order preserved")
	}
}
