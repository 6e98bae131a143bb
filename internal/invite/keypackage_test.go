package invite

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/crdt"
	"github.com/mpizenberg/partage/internal/cryptoprim"
	"github.com/mpizenberg/partage/internal/storage"
	"github.com/mpizenberg/partage/internal/storage/sqlite"
)

func TestApproveJoinRotatesKeyAndPackagesReachBothParties(t *testing.T) {
	approver, err := cryptoprim.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate approver identity: %v", err)
	}
	joiner, err := cryptoprim.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate joiner identity: %v", err)
	}

	doc := crdt.NewDocument("approver-replica")

	// Seed the approver's own member_created event so it's a known active
	// recipient for the rotation's key package distribution.
	approverEvt := core.MemberEvent{
		ID:            uuid.New().String(),
		MemberID:      cryptoprim.PublicKeyHashOf(approver),
		Kind:          core.MemberCreated,
		Timestamp:     1,
		ActorID:       cryptoprim.PublicKeyHashOf(approver),
		Name:          "Alice",
		PublicKey:     approver.ECDHPublic.Bytes(),
		SignPublicKey: approver.SignPublic,
	}
	data, err := json.Marshal(approverEvt)
	if err != nil {
		t.Fatalf("marshal seed event: %v", err)
	}
	doc.ApplyLocalMemberEvent(approverEvt.ID, data)

	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if err := store.SaveGroup(storage.GroupRecord{ID: "g1", SettingsJSON: []byte(`{}`)}); err != nil {
		t.Fatalf("save group: %v", err)
	}

	ring, err := LoadKeyRing(store, "g1")
	if err != nil {
		t.Fatalf("load key ring: %v", err)
	}

	req := JoinRequest{
		InvitationID:           "inv1",
		GroupID:                "g1",
		RequesterPublicKey:     joiner.ECDHPublic.Bytes(),
		RequesterPublicKeyHash: cryptoprim.PublicKeyHashOf(joiner),
		RequesterName:          "Bob",
	}

	eventID, packages, err := ApproveJoin(doc, ring, approver, req, 2)
	if err != nil {
		t.Fatalf("approve join: %v", err)
	}
	if eventID == "" {
		t.Fatalf("expected a member event id")
	}
	if ring.CurrentVersion() != 1 {
		t.Fatalf("expected rotation to produce version 1, got %d", ring.CurrentVersion())
	}

	joinerHash := cryptoprim.PublicKeyHashOf(joiner)
	approverHash := cryptoprim.PublicKeyHashOf(approver)
	if _, ok := packages[joinerHash]; !ok {
		t.Fatalf("expected a key package addressed to the joiner")
	}
	if _, ok := packages[approverHash]; !ok {
		t.Fatalf("expected a key package addressed to the approver itself")
	}

	// Joiner-side: open the package addressed to them.
	joinerPkg := packages[joinerHash]
	payload, err := OpenGroupKeysPayload(joinerPkg, approver.SignPublic, joiner.ECDHPrivate, approver.ECDHPublic)
	if err != nil {
		t.Fatalf("open group keys payload: %v", err)
	}
	if payload.CurrentKeyVersion != 1 || len(payload.Keys) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	joinerStore, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open joiner store: %v", err)
	}
	defer joinerStore.Close()
	if err := joinerStore.SaveGroup(storage.GroupRecord{ID: "g1", SettingsJSON: []byte(`{}`)}); err != nil {
		t.Fatalf("save joiner group: %v", err)
	}

	joinerRing, err := LoadKeyRing(joinerStore, "g1")
	if err != nil {
		t.Fatalf("load joiner key ring: %v", err)
	}
	if err := ImportGroupKeysPayload(joinerRing, payload); err != nil {
		t.Fatalf("import group keys payload: %v", err)
	}
	if joinerRing.CurrentVersion() != 1 {
		t.Fatalf("expected joiner ring at version 1, got %d", joinerRing.CurrentVersion())
	}
	gotKey, ok := joinerRing.Key(1)
	if !ok {
		t.Fatalf("expected joiner to hold version 1 key")
	}
	wantKey, _ := ring.Key(1)
	if gotKey != wantKey {
		t.Fatalf("joiner's imported key does not match approver's rotated key")
	}
}

func TestOpenGroupKeysPayloadRejectsTamperedSignature(t *testing.T) {
	sender, err := cryptoprim.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate sender: %v", err)
	}
	recipient, err := cryptoprim.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate recipient: %v", err)
	}
	impostor, err := cryptoprim.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate impostor: %v", err)
	}

	payload := GroupKeysPayload{GroupID: "g1", CurrentKeyVersion: 1, Keys: []KeyVersionEntry{{Version: 1, Key: make([]byte, 32)}}}
	pkg, err := BuildKeyPackage(payload, recipient.ECDHPublic, sender.ECDHPrivate, sender.SignPrivate)
	if err != nil {
		t.Fatalf("build key package: %v", err)
	}

	if _, err := OpenGroupKeysPayload(pkg, impostor.SignPublic, recipient.ECDHPrivate, sender.ECDHPublic); err == nil {
		t.Fatalf("expected signature verification against the wrong signer to fail")
	}
}
