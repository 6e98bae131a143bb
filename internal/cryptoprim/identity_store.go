package cryptoprim

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
)

// IdentityFileName is the name of the passphrase-wrapped identity file kept
// in a device's local app directory.
const IdentityFileName = "identity.json"

const (
	argonMemory      = 64 * 1024
	argonIterations  = 3
	argonParallelism = 2
	saltSize         = 16
)

// IdentityStore persists a local device's identity keypair, wrapped with a
// passphrase, mirroring the teacher's FileKeyStore.Initialize/Unlock/
// IsInitialized but storing the two Partage keypairs (ECDH + Ed25519)
// instead of a single symmetric master key.
type IdentityStore struct {
	dir string
	mu  sync.RWMutex
}

// NewIdentityStore creates a store rooted at dir.
func NewIdentityStore(dir string) *IdentityStore {
	return &IdentityStore{dir: dir}
}

type identityFile struct {
	Salt          string      `json:"salt"`
	Ciphertext    string      `json:"data"`
	ECDHPublic    string      `json:"ecdhPublic"`
	SignPublic    string      `json:"signPublic"`
	PublicKeyHash string      `json:"publicKeyHash"`
	Params        argonParams `json:"params"`
}

type argonParams struct {
	Memory      uint32 `json:"mem"`
	Iterations  uint32 `json:"time"`
	Parallelism uint8  `json:"threads"`
}

// identityPlaintext is the structure wrapped (AEAD-encrypted) inside the
// file; the public halves are also kept in the clear alongside it so
// PublicKeyHash is readable without unlocking.
type identityPlaintext struct {
	ECDHPrivate []byte `json:"ecdhPrivate"`
	SignPrivate []byte `json:"signPrivate"`
}

// Initialize generates a fresh identity, wraps it with passphrase, and
// writes it to disk. Returns an error if a file already exists.
func (s *IdentityStore) Initialize(passphrase []byte) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isInitializedLocked() {
		return nil, fmt.Errorf("identity store already initialized")
	}

	identity, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}

	if err := s.writeLocked(passphrase, identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// Unlock reads the identity file and decrypts the private keys with
// passphrase.
func (s *IdentityStore) Unlock(passphrase []byte) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, IdentityFileName))
	if err != nil {
		return nil, err
	}

	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return nil, err
	}
	ecdhPubBytes, err := base64.StdEncoding.DecodeString(f.ECDHPublic)
	if err != nil {
		return nil, err
	}
	signPubBytes, err := base64.StdEncoding.DecodeString(f.SignPublic)
	if err != nil {
		return nil, err
	}

	wrapKey := deriveWrapKeyFromPassphrase(passphrase, salt, f.Params)

	plaintextBytes, err := AEADDecrypt(wrapKey, ciphertext, nil)
	if err != nil {
		return nil, errors.New("incorrect passphrase or corrupted identity file")
	}

	var plaintext identityPlaintext
	if err := json.Unmarshal(plaintextBytes, &plaintext); err != nil {
		return nil, errors.New("corrupted identity file")
	}

	curve := ecdh.P256()
	ecdhPriv, err := curve.NewPrivateKey(plaintext.ECDHPrivate)
	if err != nil {
		return nil, fmt.Errorf("restore ecdh key: %w", err)
	}
	ecdhPub, err := curve.NewPublicKey(ecdhPubBytes)
	if err != nil {
		return nil, fmt.Errorf("restore ecdh public key: %w", err)
	}

	return &Identity{
		ECDHPrivate: ecdhPriv,
		ECDHPublic:  ecdhPub,
		SignPublic:  ed25519.PublicKey(signPubBytes),
		SignPrivate: ed25519.PrivateKey(plaintext.SignPrivate),
	}, nil
}

// IsInitialized reports whether an identity file already exists.
func (s *IdentityStore) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isInitializedLocked()
}

func (s *IdentityStore) isInitializedLocked() bool {
	_, err := os.Stat(filepath.Join(s.dir, IdentityFileName))
	return err == nil
}

func (s *IdentityStore) writeLocked(passphrase []byte, identity *Identity) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	params := argonParams{Memory: argonMemory, Iterations: argonIterations, Parallelism: argonParallelism}
	wrapKey := deriveWrapKeyFromPassphrase(passphrase, salt, params)

	plaintext := identityPlaintext{
		ECDHPrivate: identity.ECDHPrivate.Bytes(),
		SignPrivate: []byte(identity.SignPrivate),
	}
	plaintextBytes, err := json.Marshal(plaintext)
	if err != nil {
		return err
	}

	ciphertext, err := AEADEncrypt(wrapKey, plaintextBytes, nil)
	if err != nil {
		return err
	}

	f := identityFile{
		Salt:          base64.StdEncoding.EncodeToString(salt),
		Ciphertext:    base64.StdEncoding.EncodeToString(ciphertext),
		ECDHPublic:    base64.StdEncoding.EncodeToString(identity.ECDHPublic.Bytes()),
		SignPublic:    base64.StdEncoding.EncodeToString(identity.SignPublic),
		PublicKeyHash: string(PublicKeyHashOf(identity)),
		Params:        params,
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, IdentityFileName), data, 0600)
}

func deriveWrapKeyFromPassphrase(passphrase, salt []byte, p argonParams) GroupKey {
	var k GroupKey
	derived := argon2.IDKey(passphrase, salt, p.Iterations, p.Memory, p.Parallelism, GroupKeySize)
	copy(k[:], derived)
	return k
}
