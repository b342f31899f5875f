package core

// Milestone signature quorum check (spec.md §3/§4.8/§8): a milestone at
// index i is valid only if a quorum of the coordinator public keys
// configured for i's key range produced a verifying signature over the
// essence hash. Grounded on the teacher's `core/quorum_tracker.go`
// threshold/vote-counting shape, but de-globalized: the teacher exposed a
// `sync.Once`-backed `globalQuorum` reached via `InitQuorumTracker`/
// `CurrentQuorumTracker`, which spec.md's design notes call out directly
// as an anti-pattern; here the coordinator key set is passed in explicitly
// and no package state is kept.

import "crypto/ed25519"

// CoordinatorKeySet resolves which public keys are eligible to sign a
// milestone at a given index, and how many distinct verifying signatures
// constitute a quorum.
type CoordinatorKeySet struct {
	Ranges    []KeyRange
	Threshold int // minimum distinct verifying signatures required
}

// KeysForIndex returns the public keys from Ranges that cover index,
// preserving Ranges order.
func (k CoordinatorKeySet) KeysForIndex(index uint32) []ed25519.PublicKey {
	var out []ed25519.PublicKey
	for _, r := range k.Ranges {
		if r.Covers(index) {
			out = append(out, r.PublicKey)
		}
	}
	return out
}

// VerifyQuorum checks m's signatures against the coordinator keys eligible
// at m.Essence.Index and reports whether a quorum of distinct eligible
// keys produced a verifying signature. Each signature is tried against
// every eligible key, in any order, and counts for the first key it
// verifies under; a key is counted once however many signatures match it.
// With Threshold <= 0 every eligible key must be counted.
func VerifyQuorum(m *MilestonePayload, keys CoordinatorKeySet) (bool, int, error) {
	eligible := keys.KeysForIndex(m.Essence.Index)
	if len(eligible) == 0 {
		return false, 0, nil
	}
	hash := m.Essence.Hash()
	verifiedKeys := make(map[string]struct{})
	for _, sig := range m.Signatures {
		for _, pub := range eligible {
			if Verify(pub, hash[:], sig) {
				verifiedKeys[string(pub)] = struct{}{}
				break
			}
		}
	}
	threshold := keys.Threshold
	if threshold <= 0 {
		threshold = len(eligible)
	}
	return len(verifiedKeys) >= threshold, len(verifiedKeys), nil
}
