package core

// MemberEventKind enumerates the append-only member lifecycle events (spec §3).
type MemberEventKind string

const (
	MemberCreated  MemberEventKind = "member_created"
	MemberRenamed  MemberEventKind = "member_renamed"
	MemberRetired  MemberEventKind = "member_retired"
	MemberUnretired MemberEventKind = "member_unretired"
	MemberReplaced MemberEventKind = "member_replaced"
)

// MemberEvent is one immutable row in a group's member event log.
type MemberEvent struct {
	ID        string          `json:"id"`
	MemberID  MemberID        `json:"memberId"`
	Kind      MemberEventKind `json:"kind"`
	Timestamp int64           `json:"timestamp"`
	ActorID   MemberID        `json:"actorId"`

	// member_created
	Name          string `json:"name,omitempty"`
	PublicKey     []byte `json:"publicKey,omitempty"`     // ECDH public key
	SignPublicKey []byte `json:"signPublicKey,omitempty"` // Ed25519 public key, for key-package signature verification
	IsVirtual     bool   `json:"isVirtual,omitempty"`

	// member_renamed
	PreviousName string `json:"previousName,omitempty"`
	NewName      string `json:"newName,omitempty"`

	// member_replaced
	ReplacedByID MemberID `json:"replacedById,omitempty"`
}

// MemberState is the derived, point-in-time state of one member (spec §3:
// "Derived member state").
type MemberState struct {
	MemberID      MemberID
	Name          string
	IsVirtual     bool
	PublicKey     []byte // ECDH public key
	SignPublicKey []byte // Ed25519 public key, for key-package signature verification
	IsRetired     bool
	IsReplaced    bool
	ReplacedByID  MemberID
}

// IsActive mirrors spec §3's `isActive := !isRetired && !isReplaced`.
func (s MemberState) IsActive() bool {
	return !s.IsRetired && !s.IsReplaced
}

// GroupSettings are the boolean permission flags carried on a group record
// (spec §3).
type GroupSettings struct {
	AnyoneCanAddEntries    bool `json:"anyoneCanAddEntries"`
	AnyoneCanModifyEntries bool `json:"anyoneCanModifyEntries"`
	AnyoneCanDeleteEntries bool `json:"anyoneCanDeleteEntries"`
	AnyoneCanInvite        bool `json:"anyoneCanInvite"`
	AnyoneCanShareKeys     bool `json:"anyoneCanShareKeys"`
}

// Group is a group's clear-text record (spec §3: "Group"). Membership is
// derived from the member event log, not stored here.
type Group struct {
	ID                string        `json:"id"`
	DefaultCurrency   string        `json:"defaultCurrency"`
	CreatedAt         int64         `json:"createdAt"`
	CreatedBy         MemberID      `json:"createdBy"`
	CurrentKeyVersion int           `json:"currentKeyVersion"`
	Settings          GroupSettings `json:"settings"`
}
