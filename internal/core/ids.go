package core

import (
	"crypto/sha256"
	"encoding/hex"
)

// MemberID is the stable short hash of a member's ECDH public key (spec
// §3: "publicKeyHash ... serves as the member ID").
type MemberID string

// PublicKeyHash derives the 16-byte hex member id from a raw ECDH public
// key, per spec §4.1 ("stable 16-byte hex publicKeyHash derived from the
// ECDH public key").
func PublicKeyHash(pubKey []byte) MemberID {
	sum := sha256.Sum256(pubKey)
	return MemberID(hex.EncodeToString(sum[:16]))
}
