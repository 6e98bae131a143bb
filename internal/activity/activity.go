// Package activity derives typed activity records from a group's entry
// chain and member events (spec §4.7).
//
// Grounded on internal/version/store.go's Diff idea (a changes map between
// an old and new version) for entry_modified, and the general pattern of
// composing optional predicate filters over a result set seen in
// internal/storage/sqlite/sqlite.go's List, reimagined as in-memory
// filtering since activities live in the incremental state manager, not a
// SQL table.
package activity

import (
	"sort"

	"github.com/mpizenberg/partage/internal/core"
)

// Kind enumerates the typed activity records (spec §4.7).
type Kind string

const (
	KindEntryAdded     Kind = "entry_added"
	KindEntryModified  Kind = "entry_modified"
	KindEntryDeleted   Kind = "entry_deleted"
	KindEntryUndeleted Kind = "entry_undeleted"
	KindMemberJoined   Kind = "member_joined"
	KindMemberRenamed  Kind = "member_renamed"
	KindMemberRetired  Kind = "member_retired"
	KindMemberLinked   Kind = "member_linked"
)

// Activity is one derived, timestamped record in a group's activity feed.
type Activity struct {
	ID        string
	Kind      Kind
	Timestamp int64
	ActorID   core.MemberID
	EntryID   string
	MemberID  core.MemberID
	Reason    string
	Changes   map[string]FieldChange
}

// FieldChange is one field's before/after value in an entry_modified diff.
type FieldChange struct {
	Old any
	New any
}

// FromEntry classifies one entry transition into the activity it should
// produce (spec §4.7). prev is the predecessor entry, if any; prevFound
// must be false for the chain head.
func FromEntry(entry core.Entry, prev core.Entry, prevFound bool) Activity {
	base := Activity{
		ID:        entry.ID,
		Timestamp: entry.CreatedAt,
		ActorID:   entry.CreatedBy,
		EntryID:   entry.ID,
	}
	if entry.ModifiedAt != 0 {
		base.Timestamp = entry.ModifiedAt
		base.ActorID = entry.ModifiedBy
	}
	if entry.DeletedAt != 0 {
		base.Timestamp = entry.DeletedAt
		base.ActorID = entry.DeletedBy
	}

	switch {
	case !prevFound:
		base.Kind = KindEntryAdded
	case entry.Status == core.StatusDeleted:
		base.Kind = KindEntryDeleted
		base.Reason = entry.DeletionReason
	case prevFound && prev.Status == core.StatusDeleted && entry.Status == core.StatusActive:
		base.Kind = KindEntryUndeleted
	default:
		base.Kind = KindEntryModified
		base.Changes = diffEntries(prev, entry)
	}
	return base
}

// diffEntries builds the changes map spec §4.7 wants for entry_modified
// activities: old/new pairs for every field that differs.
func diffEntries(prev, next core.Entry) map[string]FieldChange {
	changes := make(map[string]FieldChange)
	if prev.Amount != next.Amount {
		changes["amount"] = FieldChange{Old: prev.Amount, New: next.Amount}
	}
	if prev.Currency != next.Currency {
		changes["currency"] = FieldChange{Old: prev.Currency, New: next.Currency}
	}
	if prev.Description != next.Description {
		changes["description"] = FieldChange{Old: prev.Description, New: next.Description}
	}
	if prev.Category != next.Category {
		changes["category"] = FieldChange{Old: prev.Category, New: next.Category}
	}
	if prev.Notes != next.Notes {
		changes["notes"] = FieldChange{Old: prev.Notes, New: next.Notes}
	}
	if prev.Date != next.Date {
		changes["date"] = FieldChange{Old: prev.Date, New: next.Date}
	}
	return changes
}

// FromMemberEvent maps one member event to its activity kind (spec §4.7).
func FromMemberEvent(evt core.MemberEvent) (Activity, bool) {
	base := Activity{
		ID:        evt.ID,
		Timestamp: evt.Timestamp,
		ActorID:   evt.ActorID,
		MemberID:  evt.MemberID,
	}

	switch evt.Kind {
	case core.MemberCreated:
		base.Kind = KindMemberJoined
	case core.MemberRenamed:
		base.Kind = KindMemberRenamed
		base.Changes = map[string]FieldChange{"name": {Old: evt.PreviousName, New: evt.NewName}}
	case core.MemberRetired:
		base.Kind = KindMemberRetired
	case core.MemberReplaced:
		base.Kind = KindMemberLinked
	default:
		return Activity{}, false
	}
	return base, true
}

// less gives the ordering activities are kept in: newest first,
// ties broken by id for determinism (spec §5: "Activity ordering is by
// timestamp, with ties broken by activity id").
func less(a, b Activity) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.ID < b.ID
}

// Insert places act into a slice already sorted by less, using binary
// search for O(log n) placement (spec §4.7).
func Insert(sorted []Activity, act Activity) []Activity {
	idx := sort.Search(len(sorted), func(i int) bool {
		return !less(sorted[i], act)
	})
	sorted = append(sorted, Activity{})
	copy(sorted[idx+1:], sorted[idx:])
	sorted[idx] = act
	return sorted
}

// Filter narrows a list of activities by the given (optional) criteria.
// A nil/empty field means "no constraint" for that dimension.
type Filter struct {
	Kinds    map[Kind]bool
	Actors   map[core.MemberID]bool
	Members  map[core.MemberID]bool
	EntryID  string
	Since    int64
	Until    int64
}

// Apply returns the subset of activities matching f.
func Apply(activities []Activity, f Filter) []Activity {
	var out []Activity
	for _, a := range activities {
		if len(f.Kinds) > 0 && !f.Kinds[a.Kind] {
			continue
		}
		if len(f.Actors) > 0 && !f.Actors[a.ActorID] {
			continue
		}
		if len(f.Members) > 0 && !f.Members[a.MemberID] {
			continue
		}
		if f.EntryID != "" && a.EntryID != f.EntryID {
			continue
		}
		if f.Since != 0 && a.Timestamp < f.Since {
			continue
		}
		if f.Until != 0 && a.Timestamp > f.Until {
			continue
		}
		out = append(out, a)
	}
	return out
}
