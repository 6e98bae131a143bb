package invite

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/crdt"
	"github.com/mpizenberg/partage/internal/cryptoprim"
	"github.com/mpizenberg/partage/internal/ledgererr"
	"github.com/mpizenberg/partage/internal/memberevent"
)

// JoinRequest is the payload a joiner posts to the relay (spec §4.10:
// "join_request{invitationId, groupId, requesterPublicKey,
// requesterPublicKeyHash, requesterName}").
type JoinRequest struct {
	InvitationID           string        `json:"invitationId"`
	GroupID                string        `json:"groupId"`
	RequesterPublicKey     []byte        `json:"requesterPublicKey"`
	RequesterSignPublicKey []byte        `json:"requesterSignPublicKey"`
	RequesterPublicKeyHash core.MemberID `json:"requesterPublicKeyHash"`
	RequesterName          string        `json:"requesterName"`
}

// KeyVersionEntry is one versioned key inside a GroupKeysPayload.
type KeyVersionEntry struct {
	Version int    `json:"version"`
	Key     []byte `json:"key"`
}

// GroupKeysPayload lists every retained group key version, distributed to
// a joiner (or any recipient) as the plaintext wrapped by a key package
// (spec §4.10: "GroupKeysPayload{groupId, keys: [{version, key}],
// currentKeyVersion}").
type GroupKeysPayload struct {
	GroupID           string            `json:"groupId"`
	Keys              []KeyVersionEntry `json:"keys"`
	CurrentKeyVersion int               `json:"currentKeyVersion"`
}

// BuildGroupKeysPayload assembles the full key history from ring, failing
// with ledgererr.MissingPreviousKey if a version in [1, CurrentVersion] is
// absent locally (spec §4.10: "Failure modes: missing historical key
// during rotation must abort with a clear error").
func BuildGroupKeysPayload(ring *KeyRing, groupID string) (GroupKeysPayload, error) {
	versions, err := ring.AllVersions()
	if err != nil {
		return GroupKeysPayload{}, err
	}

	entries := make([]KeyVersionEntry, 0, len(versions))
	for _, v := range versions {
		entries = append(entries, KeyVersionEntry{Version: v.Version, Key: v.Key})
	}
	return GroupKeysPayload{GroupID: groupID, Keys: entries, CurrentKeyVersion: ring.CurrentVersion()}, nil
}

// BuildKeyPackage encrypts payload for one recipient and signs it with the
// sender's signing key (spec §4.1: "key_package").
func BuildKeyPackage(payload GroupKeysPayload, recipientPub *ecdh.PublicKey, senderPriv *ecdh.PrivateKey, senderSignPriv ed25519.PrivateKey) (*cryptoprim.KeyPackage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode group keys payload: %w", err)
	}
	return cryptoprim.WrapKeyPackage(data, recipientPub, senderPriv, senderSignPriv)
}

// OpenGroupKeysPayload verifies and decrypts an inbound key package (spec
// §4.10 step 4: "verifies signature, decrypts").
func OpenGroupKeysPayload(pkg *cryptoprim.KeyPackage, senderSignPub ed25519.PublicKey, recipientPriv *ecdh.PrivateKey, senderPub *ecdh.PublicKey) (GroupKeysPayload, error) {
	data, err := cryptoprim.UnwrapKeyPackage(pkg, senderSignPub, recipientPriv, senderPub)
	if err != nil {
		if err == cryptoprim.ErrAuthenticationFailed {
			return GroupKeysPayload{}, ledgererr.SignatureInvalid{Context: "key package"}
		}
		return GroupKeysPayload{}, err
	}

	var payload GroupKeysPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return GroupKeysPayload{}, fmt.Errorf("decode group keys payload: %w", err)
	}
	return payload, nil
}

// ImportGroupKeysPayload records every key version in payload into ring
// (spec §4.10 step 4: "imports all historical keys").
func ImportGroupKeysPayload(ring *KeyRing, payload GroupKeysPayload) error {
	for _, entry := range payload.Keys {
		var key cryptoprim.GroupKey
		copy(key[:], entry.Key)
		if err := ring.Import(entry.Version, key); err != nil {
			return fmt.Errorf("import key version %d: %w", entry.Version, err)
		}
	}
	return nil
}

// Recipient is one real (non-virtual) member eligible to receive a
// rotated key package (spec §4.10: "For each real (non-virtual) member
// including the joiner").
type Recipient struct {
	MemberID      core.MemberID
	ECDHPublic    *ecdh.PublicKey
	SignPublicKey ed25519.PublicKey
}

// ActiveRecipients derives the current real-member roster from doc's
// member-event log, for use as the recipient list of a key rotation.
func ActiveRecipients(doc *crdt.Document) []Recipient {
	rows := doc.MemberEvents()
	events := make([]core.MemberEvent, 0, len(rows))
	for _, row := range rows {
		var evt core.MemberEvent
		if err := json.Unmarshal(row.Data, &evt); err == nil {
			events = append(events, evt)
		}
	}

	states := memberevent.ComputeMemberStates(events)
	curve := ecdh.P256()

	var recipients []Recipient
	for id, state := range states {
		if state.IsVirtual || !state.IsActive() || len(state.PublicKey) == 0 {
			continue
		}
		pub, err := curve.NewPublicKey(state.PublicKey)
		if err != nil {
			continue
		}
		recipients = append(recipients, Recipient{MemberID: id, ECDHPublic: pub, SignPublicKey: ed25519.PublicKey(state.SignPublicKey)})
	}
	return recipients
}

// ApproveJoin performs the approving member's side of spec §4.10 step 3:
// append a member_created event for the joiner, rotate the group key, and
// build one key package per real recipient (including the joiner).
//
// It does not talk to the relay: the caller pushes the returned CRDT delta
// and posts the returned packages as key_package records.
func ApproveJoin(doc *crdt.Document, ring *KeyRing, approver *cryptoprim.Identity, req JoinRequest, now int64) (memberEventID string, packages map[core.MemberID]*cryptoprim.KeyPackage, err error) {
	evt := core.MemberEvent{
		ID:            uuid.New().String(),
		MemberID:      req.RequesterPublicKeyHash,
		Kind:          core.MemberCreated,
		Timestamp:     now,
		ActorID:       cryptoprim.PublicKeyHashOf(approver),
		Name:          req.RequesterName,
		PublicKey:     req.RequesterPublicKey,
		SignPublicKey: req.RequesterSignPublicKey,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return "", nil, fmt.Errorf("encode member_created event: %w", err)
	}
	doc.ApplyLocalMemberEvent(evt.ID, data)

	if _, _, err := ring.Rotate(); err != nil {
		return "", nil, err
	}

	payload, err := BuildGroupKeysPayload(ring, req.GroupID)
	if err != nil {
		return "", nil, err
	}

	recipients := ActiveRecipients(doc)

	curve := ecdh.P256()
	joinerPub, err := curve.NewPublicKey(req.RequesterPublicKey)
	if err != nil {
		return "", nil, fmt.Errorf("invalid requester public key: %w", err)
	}
	recipients = append(recipients, Recipient{MemberID: req.RequesterPublicKeyHash, ECDHPublic: joinerPub, SignPublicKey: ed25519.PublicKey(req.RequesterSignPublicKey)})

	packages = make(map[core.MemberID]*cryptoprim.KeyPackage, len(recipients))
	for _, r := range recipients {
		pkg, err := BuildKeyPackage(payload, r.ECDHPublic, approver.ECDHPrivate, approver.SignPrivate)
		if err != nil {
			return "", nil, fmt.Errorf("build key package for %s: %w", r.MemberID, err)
		}
		packages[r.MemberID] = pkg
	}

	return evt.ID, packages, nil
}
