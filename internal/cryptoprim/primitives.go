// Package cryptoprim implements spec §4.1's crypto primitives: identity
// keypairs, symmetric AEAD, and the ECDH+sign key-package wrap used to
// distribute group keys.
//
// Grounded on pkg/crypto/crypto.go's Encrypt/Decrypt shape (random nonce
// bundled with the ciphertext) and internal/sharing/sharing.go's
// ECDH-then-HKDF-then-wrap shape, repointed from X25519 to the P-256 ECDH
// and Ed25519 signing spec §4.1 names explicitly.
package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/mpizenberg/partage/internal/core"
)

const (
	// GroupKeySize is the size in bytes of a symmetric AEAD group key
	// (spec §4.1: "256-bit AEAD key").
	GroupKeySize = 32
	nonceSize    = 12 // AES-GCM standard nonce size
)

// ErrAuthenticationFailed is returned when AEAD decryption's tag check
// fails (spec §4.1).
var ErrAuthenticationFailed = errors.New("authentication failed")

// GroupKey is a versioned symmetric AEAD key.
type GroupKey [GroupKeySize]byte

// GenerateGroupKey creates a new random 256-bit AEAD key.
func GenerateGroupKey() (GroupKey, error) {
	var k GroupKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, fmt.Errorf("generate group key: %w", err)
	}
	return k, nil
}

// Identity holds one device/user's ECDH keypair (for key exchange) and
// signing keypair (for authenticity), per spec §4.1.
type Identity struct {
	ECDHPrivate *ecdh.PrivateKey
	ECDHPublic  *ecdh.PublicKey
	SignPublic  ed25519.PublicKey
	SignPrivate ed25519.PrivateKey
}

// GenerateIdentity creates a fresh ECDH (P-256) + Ed25519 signing keypair
// pair (spec §4.1: "generate_identity()").
func GenerateIdentity() (*Identity, error) {
	curve := ecdh.P256()
	ecdhPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ecdh key: %w", err)
	}

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	return &Identity{
		ECDHPrivate: ecdhPriv,
		ECDHPublic:  ecdhPriv.PublicKey(),
		SignPublic:  signPub,
		SignPrivate: signPriv,
	}, nil
}

// PublicKeyHashOf derives an identity's stable member id from its ECDH
// public key (spec §4.1).
func PublicKeyHashOf(identity *Identity) core.MemberID {
	return core.PublicKeyHash(identity.ECDHPublic.Bytes())
}

// AEADEncrypt encrypts plaintext with AES-GCM-256, bundling a random 96-bit
// nonce with the ciphertext: [nonce][ciphertext+tag].
func AEADEncrypt(key GroupKey, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// AEADDecrypt reverses AEADEncrypt; on tag mismatch it returns
// ErrAuthenticationFailed (spec §4.1).
func AEADDecrypt(key GroupKey, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, ErrAuthenticationFailed
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// KeyPackage is a signed, per-recipient-encrypted blob distributing key
// material (spec §4.1/§4.10: "Key package").
type KeyPackage struct {
	Ciphertext []byte // ECDH-derived-key AEAD wrap of the payload
	Signature  []byte // sender's Ed25519 signature over Ciphertext
}

const keyPackageInfo = "partage-key-package-v1"

// WrapKeyPackage derives a shared key via ECDH(senderPriv, recipientPub),
// stretches it through HKDF, AEAD-wraps payload, and signs the ciphertext
// with the sender's signing key. Spec §4.1: "ECDH -> HKDF -> AEAD-wrap ...
// sign ciphertext with sender's signing key".
func WrapKeyPackage(payload []byte, recipientPub *ecdh.PublicKey, senderPriv *ecdh.PrivateKey, senderSignPriv ed25519.PrivateKey) (*KeyPackage, error) {
	shared, err := senderPriv.ECDH(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	wrapKey, err := deriveWrapKey(shared)
	if err != nil {
		return nil, err
	}

	ciphertext, err := AEADEncrypt(wrapKey, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap payload: %w", err)
	}

	sig := ed25519.Sign(senderSignPriv, ciphertext)

	return &KeyPackage{Ciphertext: ciphertext, Signature: sig}, nil
}

// UnwrapKeyPackage verifies the sender's signature then decrypts the
// payload via ECDH(recipientPriv, senderPub). A signature failure is fatal
// for the incoming package (spec §4.1).
func UnwrapKeyPackage(pkg *KeyPackage, senderSignPub ed25519.PublicKey, recipientPriv *ecdh.PrivateKey, senderPub *ecdh.PublicKey) ([]byte, error) {
	if !ed25519.Verify(senderSignPub, pkg.Ciphertext, pkg.Signature) {
		return nil, ErrAuthenticationFailed
	}

	shared, err := recipientPriv.ECDH(senderPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	wrapKey, err := deriveWrapKey(shared)
	if err != nil {
		return nil, err
	}

	plaintext, err := AEADDecrypt(wrapKey, pkg.Ciphertext, nil)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func deriveWrapKey(shared []byte) (GroupKey, error) {
	var k GroupKey
	reader := hkdf.New(sha256.New, shared, nil, []byte(keyPackageInfo))
	if _, err := io.ReadFull(reader, k[:]); err != nil {
		return k, fmt.Errorf("derive wrap key: %w", err)
	}
	return k, nil
}
