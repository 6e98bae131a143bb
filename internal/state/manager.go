// Package state implements the incremental derived-state manager (spec
// §4.8): on every observed update it recomputes balances and activities in
// O(new ops), not O(full log).
//
// Grounded on internal/engine/engine_impl.go's engineImpl shape (CRDT
// replica as source of truth plus derived index sets maintained alongside
// it), generalized from "one SQLite projection" to "balances + activities
// + index sets maintained incrementally."
package state

import (
	"encoding/json"

	"github.com/mpizenberg/partage/internal/activity"
	"github.com/mpizenberg/partage/internal/balance"
	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/crdt"
	"github.com/mpizenberg/partage/internal/entrystore"
	"github.com/mpizenberg/partage/internal/memberevent"
)

// Manager holds one group's derived state, kept in sync with its CRDT
// document via Initialize (full recompute) and HandleUpdate (incremental).
type Manager struct {
	doc   *crdt.Document
	store *entrystore.Store

	processedEntryIDs      map[string]bool
	processedMemberEventIDs map[string]bool

	entriesByID       map[string]core.Entry
	activeEntryIDs    map[string]bool
	supersededEntryIDs map[string]bool

	balances   map[core.MemberID]balance.Balance
	activities []activity.Activity

	memberStates map[core.MemberID]core.MemberState
	canonicalMap map[core.MemberID]core.MemberID
}

// New creates a manager bound to doc/store; call Initialize before reading
// any derived state.
func New(doc *crdt.Document, store *entrystore.Store) *Manager {
	return &Manager{
		doc:                     doc,
		store:                   store,
		processedEntryIDs:       make(map[string]bool),
		processedMemberEventIDs: make(map[string]bool),
		entriesByID:             make(map[string]core.Entry),
		activeEntryIDs:          make(map[string]bool),
		supersededEntryIDs:      make(map[string]bool),
		balances:                make(map[core.MemberID]balance.Balance),
		memberStates:            make(map[core.MemberID]core.MemberState),
		canonicalMap:            make(map[core.MemberID]core.MemberID),
	}
}

// decodeMemberEvents unmarshals every member event row currently in doc.
func (m *Manager) decodeMemberEvents() []core.MemberEvent {
	rows := m.doc.MemberEvents()
	events := make([]core.MemberEvent, 0, len(rows))
	for _, row := range rows {
		var evt core.MemberEvent
		if err := json.Unmarshal(row.Data, &evt); err == nil {
			events = append(events, evt)
		}
	}
	return events
}

// Initialize performs the full recompute described in spec §4.8:
// "decrypt all entries, compute member states, compute canonical map,
// compute balances from scratch, compute activities, populate index sets."
func (m *Manager) Initialize(history entrystore.KeyHistory) {
	events := m.decodeMemberEvents()
	m.memberStates = memberevent.ComputeMemberStates(events)
	m.canonicalMap = memberevent.BuildCanonicalIDMap(events)

	m.processedMemberEventIDs = make(map[string]bool)
	for _, evt := range events {
		m.processedMemberEventIDs[evt.ID] = true
	}

	entries := m.store.GetAllEntries(history)
	m.entriesByID = make(map[string]core.Entry, len(entries))
	m.supersededEntryIDs = make(map[string]bool)
	for _, e := range entries {
		m.entriesByID[e.ID] = e
		if e.PreviousVersionID != "" {
			m.supersededEntryIDs[e.PreviousVersionID] = true
		}
	}

	m.activeEntryIDs = make(map[string]bool)
	m.balances = make(map[core.MemberID]balance.Balance)
	var activeEntries []core.Entry
	for _, e := range entries {
		if m.supersededEntryIDs[e.ID] {
			continue
		}
		if e.Status == core.StatusActive {
			m.activeEntryIDs[e.ID] = true
			activeEntries = append(activeEntries, e)
		}
	}
	m.balances = balance.CalculateBalances(activeEntries, m.canonicalMap)

	m.processedEntryIDs = make(map[string]bool, len(entries))
	for _, e := range entries {
		m.processedEntryIDs[e.ID] = true
	}

	m.activities = m.buildActivitiesFromScratch(entries, events)
}

func (m *Manager) buildActivitiesFromScratch(entries []core.Entry, events []core.MemberEvent) []activity.Activity {
	var out []activity.Activity
	for _, e := range entries {
		var prev core.Entry
		found := false
		if e.PreviousVersionID != "" {
			prev, found = m.entriesByID[e.PreviousVersionID]
		}
		out = activity.Insert(out, activity.FromEntry(e, prev, found))
	}
	for _, evt := range events {
		if act, ok := activity.FromMemberEvent(evt); ok {
			out = activity.Insert(out, act)
		}
	}
	return out
}

// Balances returns the current derived balances.
func (m *Manager) Balances() map[core.MemberID]balance.Balance {
	out := make(map[core.MemberID]balance.Balance, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out
}

// Activities returns the current derived activity feed, newest first.
func (m *Manager) Activities() []activity.Activity {
	out := make([]activity.Activity, len(m.activities))
	copy(out, m.activities)
	return out
}

// MemberStates returns the current derived member states.
func (m *Manager) MemberStates() map[core.MemberID]core.MemberState {
	out := make(map[core.MemberID]core.MemberState, len(m.memberStates))
	for k, v := range m.memberStates {
		out[k] = v
	}
	return out
}

// CanonicalIDMap returns the current replaced-member alias map.
func (m *Manager) CanonicalIDMap() map[core.MemberID]core.MemberID {
	out := make(map[core.MemberID]core.MemberID, len(m.canonicalMap))
	for k, v := range m.canonicalMap {
		out[k] = v
	}
	return out
}

// HandleUpdate implements spec §4.8's incremental path: diff known ids
// against the document's current ids, recompute member-derived state only
// if member events changed, then apply each newly observed entry.
func (m *Manager) HandleUpdate(history entrystore.KeyHistory) {
	newEntryIDs := m.diffNewEntryIDs()
	newEventIDs, events, memberEventsChanged := m.diffNewMemberEvents()

	if memberEventsChanged {
		oldCanonical := m.canonicalMap
		m.memberStates = memberevent.ComputeMemberStates(events)
		m.canonicalMap = memberevent.BuildCanonicalIDMap(events)

		newEventSet := make(map[string]bool, len(newEventIDs))
		for _, id := range newEventIDs {
			newEventSet[id] = true
			m.processedMemberEventIDs[id] = true
		}

		if canonicalMapChanged(oldCanonical, m.canonicalMap) {
			m.recalculateBalancesFromActiveSet()
		}

		for _, evt := range events {
			if !newEventSet[evt.ID] {
				continue
			}
			if act, ok := activity.FromMemberEvent(evt); ok {
				m.activities = activity.Insert(m.activities, act)
			}
		}
	}

	for _, id := range newEntryIDs {
		entry, err := m.store.GetEntry(id, history)
		if err != nil {
			continue
		}
		m.ApplyEntry(entry)
	}
}

func (m *Manager) diffNewEntryIDs() []string {
	var out []string
	for _, id := range m.store.GetEntryIDs() {
		if !m.processedEntryIDs[id] {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) diffNewMemberEvents() ([]string, []core.MemberEvent, bool) {
	events := m.decodeMemberEvents()
	var newIDs []string
	for _, evt := range events {
		if !m.processedMemberEventIDs[evt.ID] {
			newIDs = append(newIDs, evt.ID)
		}
	}
	return newIDs, events, len(newIDs) > 0
}

func canonicalMapChanged(a, b map[core.MemberID]core.MemberID) bool {
	if len(a) != len(b) {
		return true
	}
	for k, v := range a {
		if b[k] != v {
			return true
		}
	}
	return false
}

// recalculateBalancesFromActiveSet rebuilds balances from the currently
// active entry set under the new canonical map (spec §4.8: "if canonical
// map changed, recompute balances from current active set").
func (m *Manager) recalculateBalancesFromActiveSet() {
	var activeEntries []core.Entry
	for id := range m.activeEntryIDs {
		if e, ok := m.entriesByID[id]; ok {
			activeEntries = append(activeEntries, e)
		}
	}
	m.balances = balance.CalculateBalances(activeEntries, m.canonicalMap)
}

// ApplyEntry implements spec §4.8's apply_entry: the commutative
// per-entry delta application that lets local and remote changes be
// applied uniformly without rollback.
func (m *Manager) ApplyEntry(entry core.Entry) {
	m.processedEntryIDs[entry.ID] = true
	m.entriesByID[entry.ID] = entry

	if entry.PreviousVersionID == "" {
		if entry.Status == core.StatusActive {
			m.activeEntryIDs[entry.ID] = true
			balance.ApplyEntryDelta(m.balances, entry, m.canonicalMap, +1)
			m.activities = activity.Insert(m.activities, activity.FromEntry(entry, core.Entry{}, false))
		}
		return
	}

	m.supersededEntryIDs[entry.PreviousVersionID] = true
	prev, prevFound := m.entriesByID[entry.PreviousVersionID]

	if entry.Status == core.StatusDeleted {
		if prevFound && m.activeEntryIDs[prev.ID] {
			balance.ApplyEntryDelta(m.balances, prev, m.canonicalMap, -1)
			delete(m.activeEntryIDs, prev.ID)
		}
		m.activities = activity.Insert(m.activities, activity.FromEntry(entry, prev, prevFound))
		return
	}

	// entry.Status == active, with a predecessor: modify or undelete.
	if prevFound && m.activeEntryIDs[prev.ID] {
		balance.ApplyEntryDelta(m.balances, prev, m.canonicalMap, -1)
		delete(m.activeEntryIDs, prev.ID)
	}
	m.activeEntryIDs[entry.ID] = true
	balance.ApplyEntryDelta(m.balances, entry, m.canonicalMap, +1)
	m.activities = activity.Insert(m.activities, activity.FromEntry(entry, prev, prevFound))
}

// Clear releases this manager's derived state, mirroring spec §5's
// "clear() on state manager" cancellation point when the active group
// changes.
func (m *Manager) Clear() {
	*m = *New(m.doc, m.store)
}
