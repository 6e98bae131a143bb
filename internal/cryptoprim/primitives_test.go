package cryptoprim

import (
	"bytes"
	"testing"
)

func TestAEADRoundTrip(t *testing.T) {
	key, err := GenerateGroupKey()
	if err != nil {
		t.Fatalf("generate group key: %v", err)
	}

	plaintext := []byte("dinner at the lake house")
	aad := []byte("entry-id-123")

	ciphertext, err := AEADEncrypt(key, plaintext, aad)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := AEADDecrypt(key, ciphertext, aad)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func TestAEADWrongAADFails(t *testing.T) {
	key, _ := GenerateGroupKey()
	ciphertext, err := AEADEncrypt(key, []byte("hello"), []byte("aad-a"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := AEADDecrypt(key, ciphertext, []byte("aad-b")); err != ErrAuthenticationFailed {
		t.Fatalf("expected authentication failure, got %v", err)
	}
}

func TestAEADWrongKeyFails(t *testing.T) {
	key1, _ := GenerateGroupKey()
	key2, _ := GenerateGroupKey()
	ciphertext, err := AEADEncrypt(key1, []byte("hello"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := AEADDecrypt(key2, ciphertext, nil); err != ErrAuthenticationFailed {
		t.Fatalf("expected authentication failure, got %v", err)
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

	payload := []byte("group-key-bytes-go-here")

	pkg, err := WrapKeyPackage(payload, recipient.ECDHPublic, sender.ECDHPrivate, sender.SignPrivate)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	got, err := UnwrapKeyPackage(pkg, sender.SignPublic, recipient.ECDHPrivate, sender.ECDHPublic)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, payload)
	}
}

func TestKeyPackageRejectsTamperedSignature(t *testing.T) {
	sender, _ := GenerateIdentity()
	recipient, _ := GenerateIdentity()
	impostor, _ := GenerateIdentity()

	pkg, err := WrapKeyPackage([]byte("secret"), recipient.ECDHPublic, sender.ECDHPrivate, sender.SignPrivate)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	// Verifying against the impostor's signing key (wrong sender) must fail.
	if _, err := UnwrapKeyPackage(pkg, impostor.SignPublic, recipient.ECDHPrivate, sender.ECDHPublic); err != ErrAuthenticationFailed {
		t.Fatalf("expected authentication failure, got %v", err)
	}
}

func TestIdentityStoreInitializeAndUnlock(t *testing.T) {
	dir := t.TempDir()
	store := NewIdentityStore(dir)

	if store.IsInitialized() {
		t.Fatalf("fresh dir should not be initialized")
	}

	identity, err := store.Initialize([]byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !store.IsInitialized() {
		t.Fatalf("store should be initialized after Initialize")
	}

	if _, err := store.Initialize([]byte("anything")); err == nil {
		t.Fatalf("expected error re-initializing an existing store")
	}

	unlocked, err := store.Unlock([]byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if PublicKeyHashOf(unlocked) != PublicKeyHashOf(identity) {
		t.Fatalf("unlocked identity hash mismatch")
	}

	if _, err := store.Unlock([]byte("wrong passphrase")); err == nil {
		t.Fatalf("expected error unlocking with wrong passphrase")
	}
}
