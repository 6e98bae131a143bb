package api

import (
	"github.com/mpizenberg/partage/internal/activity"
	"github.com/mpizenberg/partage/internal/balance"
	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/settlement"
)

// Engine is the REST facade's view of the engine it fronts: every handler
// is expressed purely in terms of this interface, never a concrete type,
// so the facade never depends on pkg/partage directly (spec §1: "a shell
// around the core").
//
// Grounded on pkg/engine/engine.go's Engine interface shape (AddEntry/
// GetEntry/UpdateEntry/DeleteEntry/ListEntries/Subscribe), widened from a
// single flat entry store to Partage's group-scoped read models (balances,
// activities, settlement plan).
type Engine interface {
	ListEntries(groupID string) ([]core.Entry, error)
	AddEntry(groupID string, entry core.Entry) (core.Entry, error)
	ModifyEntry(groupID, entryID string, entry core.Entry) (core.Entry, error)
	DeleteEntry(groupID, entryID string, actor core.MemberID, reason string) (core.Entry, error)
	UndeleteEntry(groupID, entryID string, actor core.MemberID) (core.Entry, error)

	Balances(groupID string) (map[core.MemberID]balance.Balance, error)
	Activities(groupID string) ([]activity.Activity, error)
	SettlementPlan(groupID string) (settlement.Plan, error)
	Status(groupID string) (Status, error)

	Subscribe(groupID string) (Subscription, error)
}

// Status is the read model behind GET /groups/:id/status.
type Status struct {
	EntryCount    int    `json:"entryCount"`
	MemberCount   int    `json:"memberCount"`
	SyncState     string `json:"syncState"`
	CurrentKeyVer int    `json:"currentKeyVersion"`
}

// Subscription delivers change notifications for one group's SSE stream
// (spec §1: a live-updating shell around the core).
type Subscription interface {
	Events() <-chan Event
	Close()
}

// EventType enumerates the kinds of change an Event can report.
type EventType string

const (
	EventEntryChanged  EventType = "entry_changed"
	EventMemberChanged EventType = "member_changed"
	EventSynced        EventType = "synced"
)

// Event is one change notification pushed over GET /groups/:id/events.
type Event struct {
	Type      EventType `json:"type"`
	GroupID   string    `json:"groupId"`
	Timestamp int64     `json:"timestamp"`
}
