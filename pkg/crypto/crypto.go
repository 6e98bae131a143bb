// Package crypto re-exports Partage's identity and key-package primitives
// for external consumers: it is, along with pkg/partage, one of the two
// packages an embedding application should import.
//
// Grounded on pkg/engine/sharing.go's type-alias re-export idiom (`type
// PeerID = sharing.PeerID`, a thin wrapper constructor around the internal
// constructor), applied here to internal/cryptoprim's identity and
// key-package primitives instead of duplicating pkg/crypto/crypto.go's
// standalone AEAD: Partage's AEAD already lives in internal/cryptoprim
// because internal/entrystore and internal/invite depend on it directly,
// so there is no separate "public crypto implementation" to write, only a
// re-export boundary.
package crypto

import (
	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/cryptoprim"
)

// GroupKeySize is the size in bytes of a symmetric AEAD group key.
const GroupKeySize = cryptoprim.GroupKeySize

// MemberID is a member's stable public-key-hash identifier.
type MemberID = core.MemberID

// Identity holds one device's ECDH keypair (for key exchange) and signing
// keypair (for authenticity).
type Identity = cryptoprim.Identity

// GroupKey is a versioned symmetric AEAD key.
type GroupKey = cryptoprim.GroupKey

// KeyPackage is a signed, per-recipient-encrypted blob distributing key
// material.
type KeyPackage = cryptoprim.KeyPackage

// ErrAuthenticationFailed is returned when AEAD decryption's tag check
// fails, or a key package's signature does not verify.
var ErrAuthenticationFailed = cryptoprim.ErrAuthenticationFailed

// GenerateIdentity creates a fresh ECDH (P-256) + Ed25519 signing keypair
// pair.
func GenerateIdentity() (*Identity, error) {
	return cryptoprim.GenerateIdentity()
}

// GenerateGroupKey creates a new random 256-bit AEAD group key.
func GenerateGroupKey() (GroupKey, error) {
	return cryptoprim.GenerateGroupKey()
}

// PublicKeyHashOf derives an identity's stable member id from its ECDH
// public key.
func PublicKeyHashOf(identity *Identity) MemberID {
	return cryptoprim.PublicKeyHashOf(identity)
}

// AEADEncrypt encrypts plaintext under a group key.
func AEADEncrypt(key GroupKey, plaintext, aad []byte) ([]byte, error) {
	return cryptoprim.AEADEncrypt(key, plaintext, aad)
}

// AEADDecrypt reverses AEADEncrypt.
func AEADDecrypt(key GroupKey, ciphertext, aad []byte) ([]byte, error) {
	return cryptoprim.AEADDecrypt(key, ciphertext, aad)
}

// WrapKeyPackage encrypts payload for one recipient via ECDH+HKDF+AEAD and
// signs the result with the sender's signing key.
func WrapKeyPackage(payload []byte, recipient *Identity, sender *Identity) (*KeyPackage, error) {
	return cryptoprim.WrapKeyPackage(payload, recipient.ECDHPublic, sender.ECDHPrivate, sender.SignPrivate)
}

// UnwrapKeyPackage verifies and decrypts an inbound key package sent by
// sender and addressed to recipient.
func UnwrapKeyPackage(pkg *KeyPackage, sender *Identity, recipient *Identity) ([]byte, error) {
	return cryptoprim.UnwrapKeyPackage(pkg, sender.SignPublic, recipient.ECDHPrivate, sender.ECDHPublic)
}
