package core

// Address identifies the owner of an output's unlock condition. It is
// distinct from PeerID: a PeerID names a gossip participant, an Address
// names a ledger actor, and the two numeric spaces are never compared.
// ion-node supports a single address kind, the Ed25519 address (the
// BLAKE2b-256 digest of a public key), matching the coordinator/signer
// model described in spec.md §3.

import "golang.org/x/crypto/blake2b"

const AddressLength = 32

type Address [AddressLength]byte

func (a Address) String() string { return hexString(a[:]) }

// AddressFromPublicKey derives the Ed25519 address for a public key.
func AddressFromPublicKey(pub []byte) Address {
	return Address(blake2b.Sum256(pub))
}
