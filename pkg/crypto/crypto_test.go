package crypto

import (
	"bytes"
	"testing"
)

func TestAEADRoundTrip(t *testing.T) {
	key, err := GenerateGroupKey()
	if err != nil {
		t.Fatalf("generate group key: %v", err)
	}

	plaintext := []byte("groceries: 42.50")
	aad := []byte("group-1")

	ciphertext, err := AEADEncrypt(key, plaintext, aad)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(ciphertext) <= len(plaintext) {
		t.Error("ciphertext too short")
	}

	decrypted, err := AEADDecrypt(key, ciphertext, aad)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Error("decrypted content mismatch")
	}

	ciphertext[0] ^= 0xFF
	if _, err := AEADDecrypt(key, ciphertext, aad); err == nil {
		t.Error("decryption should fail for tampered ciphertext")
	}

	ciphertext[0] ^= 0xFF
	if _, err := AEADDecrypt(key, ciphertext, []byte("wrong-group")); err == nil {
		t.Error("decryption should fail for wrong aad")
	}
}

func TestKeyPackageRoundTrip(t *testing.T) {
	sender, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate sender identity: %v", err)
	}
	recipient, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate recipient identity: %v", err)
	}

	payload := []byte(`{"groupId":"g1","currentKeyVersion":1}`)
	pkg, err := WrapKeyPackage(payload, recipient, sender)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	got, err := UnwrapKeyPackage(pkg, sender, recipient)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload mismatch after unwrap")
	}

	pkg.Signature[0] ^= 0xFF
	if _, err := UnwrapKeyPackage(pkg, sender, recipient); err == nil {
		t.Error("unwrap should fail for tampered signature")
	}
}

func TestPublicKeyHashOfIsStableAndUnique(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	b, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	if PublicKeyHashOf(a) != PublicKeyHashOf(a) {
		t.Error("hash should be deterministic for the same identity")
	}
	if PublicKeyHashOf(a) == PublicKeyHashOf(b) {
		t.Error("distinct identities should hash differently")
	}
}

func TestIdentityStore(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewFileIdentityStore(tmpDir)

	if store.IsInitialized() {
		t.Error("should not be initialized")
	}

	passphrase := []byte("correct horse battery staple")

	identity, err := store.Initialize(passphrase)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !store.IsInitialized() {
		t.Error("should be initialized")
	}

	if _, err := store.Unlock([]byte("wrong passphrase")); err == nil {
		t.Error("unlock should fail with wrong passphrase")
	}

	unlocked, err := store.Unlock(passphrase)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if PublicKeyHashOf(unlocked) != PublicKeyHashOf(identity) {
		t.Error("unlocked identity should match the initialized one")
	}

	store2 := NewFileIdentityStore(tmpDir)
	unlocked2, err := store2.Unlock(passphrase)
	if err != nil {
		t.Fatalf("re-unlock from a second store instance: %v", err)
	}
	if PublicKeyHashOf(unlocked2) != PublicKeyHashOf(identity) {
		t.Error("identity should persist across store instances")
	}
}
