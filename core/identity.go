package core

// Identity and signing primitives for an ion-node peer.
//
// Peer identity is a single Ed25519 keypair; there is no hierarchical
// derivation, mnemonic phrase, or account/index tree — those are wallet-UX
// concerns this node does not carry. The peer ID is the SHA-256 digest of
// the public key, matching the autopeering and gossip session wire formats.

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

func SetIdentityLogger(l *log.Logger) { identityLogger = l }

var identityLogger = log.StandardLogger()

const identityPEMBlockType = "ED25519 PRIVATE KEY"

// PeerID uniquely identifies a peer: SHA-256 of its Ed25519 public key.
type PeerID [32]byte

// String returns the lowercase hex encoding of the peer ID.
func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// Short returns a shortened hex form suitable for log lines.
func (p PeerID) Short() string {
	full := p.String()
	return full[:8]
}

// PeerIDFromPublicKey derives the PeerID for a public key.
func PeerIDFromPublicKey(pub ed25519.PublicKey) PeerID {
	return PeerID(sha256.Sum256(pub))
}

// Identity holds a node's local Ed25519 keypair and derived PeerID.
type Identity struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	ID      PeerID
}

// NewIdentity generates a fresh random Ed25519 identity.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	id := &Identity{Private: priv, Public: pub, ID: PeerIDFromPublicKey(pub)}
	identityLogger.Infof("identity: generated new keypair, peer id %s", id.ID.Short())
	return id, nil
}

// LoadIdentity reads an Ed25519 private key from a PEM file at path. If the
// file does not exist, a new identity is generated and persisted there.
func LoadIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, genErr := NewIdentity()
		if genErr != nil {
			return nil, genErr
		}
		if saveErr := SaveIdentity(path, id); saveErr != nil {
			return nil, saveErr
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != identityPEMBlockType {
		return nil, fmt.Errorf("identity: %s is not a valid ed25519 private key PEM", path)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: unexpected key length %d", len(block.Bytes))
	}
	priv := ed25519.PrivateKey(block.Bytes)
	pub := priv.Public().(ed25519.PublicKey)
	id := &Identity{Private: priv, Public: pub, ID: PeerIDFromPublicKey(pub)}
	identityLogger.Infof("identity: loaded keypair from %s, peer id %s", path, id.ID.Short())
	return id, nil
}

// SaveIdentity writes the identity's private key to path as a PEM block.
func SaveIdentity(path string, id *Identity) error {
	block := &pem.Block{Type: identityPEMBlockType, Bytes: id.Private}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", path, err)
	}
	return nil
}

// Sign produces an Ed25519 signature over msg (normally an essence hash).
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.Private, msg)
}

// Verify checks an Ed25519 signature against a public key and message.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// KeyRange binds a coordinator public key to the milestone index window in
// which it is eligible to sign. spec.md names `coordinator_public_keys[]`
// and `key_ranges[]` as configuration inputs but never shapes them; this is
// that shape, used by the white-flag quorum check (see quorum.go).
type KeyRange struct {
	PublicKey  ed25519.PublicKey
	StartIndex uint32
	EndIndex   uint32 // 0 means unbounded
}

// Covers reports whether the key range is eligible to sign at index i.
func (kr KeyRange) Covers(index uint32) bool {
	if index < kr.StartIndex {
		return false
	}
	if kr.EndIndex != 0 && index > kr.EndIndex {
		return false
	}
	return true
}
