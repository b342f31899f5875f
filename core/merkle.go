package core

// Domain-separated binary Merkle tree over block IDs, used for a
// milestone's inclusion_merkle_root and applied_merkle_root (spec.md §4.8
// step 4). The split point and domain-separation prefixes are fixed
// exactly as bee-ledger's merkle_hasher.rs defines them: leaves are
// hashed with a 0x00 prefix, internal nodes with 0x01, and an unbalanced
// list splits at the largest power of two below its length, not at the
// midpoint. This resolves the merkle-definition ambiguity spec.md §9
// flags as an open question.

import "golang.org/x/crypto/blake2b"

const (
	merkleLeafPrefix = 0x00
	merkleNodePrefix = 0x01
)

// MerkleRoot computes the domain-separated BLAKE2b-256 Merkle root over an
// ordered list of block IDs. An empty list hashes to BLAKE2b-256 of the
// empty input, matching bee-ledger's MerkleHasher::empty.
func MerkleRoot(ids []BlockID) [32]byte {
	return merkleDigest(ids)
}

func merkleDigest(ids []BlockID) [32]byte {
	switch len(ids) {
	case 0:
		return blake2b.Sum256(nil)
	case 1:
		return merkleLeaf(ids[0])
	default:
		return merkleNode(ids)
	}
}

func merkleLeaf(id BlockID) [32]byte {
	buf := make([]byte, 0, 1+BlockIDLength)
	buf = append(buf, merkleLeafPrefix)
	buf = append(buf, id[:]...)
	return blake2b.Sum256(buf)
}

func merkleNode(ids []BlockID) [32]byte {
	split := largestPowerOfTwoBelow(len(ids))
	left := merkleDigest(ids[:split])
	right := merkleDigest(ids[split:])
	buf := make([]byte, 0, 1+64)
	buf = append(buf, merkleNodePrefix)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return blake2b.Sum256(buf)
}

// largestPowerOfTwoBelow returns the largest power of two strictly less
// than n, for n >= 2. Mirrors bee-ledger's largest_power_of_two(n - 1).
func largestPowerOfTwoBelow(n int) int {
	p := 1
	for p*2 < n {
		p *= 2
	}
	return p
}
