package crypto

import "github.com/mpizenberg/partage/internal/cryptoprim"

// IdentityFileName is the name of the passphrase-wrapped identity file kept
// in a device's local app directory.
const IdentityFileName = cryptoprim.IdentityFileName

// IdentityStore manages a device's local identity keypair: its secure
// storage, passphrase-protected retrieval, and lifecycle.
//
// Grounded on pkg/crypto/store.go's KeyStore interface (Initialize/Unlock/
// IsInitialized), dropping InitializeWithKey (there is no external master
// key to import here, only a freshly generated identity) and returning an
// *Identity keypair in place of a single symmetric Key.
type IdentityStore interface {
	// Initialize generates a fresh identity, encrypts it with passphrase,
	// and persists it to storage. Errors if the store is already
	// initialized.
	Initialize(passphrase []byte) (*Identity, error)

	// Unlock loads and decrypts the identity using passphrase.
	Unlock(passphrase []byte) (*Identity, error)

	// IsInitialized reports whether an identity file already exists.
	IsInitialized() bool
}

// FileIdentityStore implements IdentityStore on the local filesystem.
type FileIdentityStore struct {
	inner *cryptoprim.IdentityStore
}

// NewFileIdentityStore creates a filesystem-backed IdentityStore rooted at
// dir. The identity file is stored at <dir>/identity.json.
func NewFileIdentityStore(dir string) *FileIdentityStore {
	return &FileIdentityStore{inner: cryptoprim.NewIdentityStore(dir)}
}

func (s *FileIdentityStore) Initialize(passphrase []byte) (*Identity, error) {
	return s.inner.Initialize(passphrase)
}

func (s *FileIdentityStore) Unlock(passphrase []byte) (*Identity, error) {
	return s.inner.Unlock(passphrase)
}

func (s *FileIdentityStore) IsInitialized() bool {
	return s.inner.IsInitialized()
}
