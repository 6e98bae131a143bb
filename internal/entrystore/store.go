// Package entrystore wraps a group's CRDT document with the encrypted
// entry lifecycle from spec §4.3: version chains, status transitions, and
// key-version-aware decrypt with historical fallback.
//
// Grounded on internal/engine/engine_impl.go's AddEntry/GetEntry
// encrypt-then-store / decrypt-then-return shape (AAD bound to the entry
// id) and its error-conversion pattern.
package entrystore

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/crdt"
	"github.com/mpizenberg/partage/internal/cryptoprim"
	"github.com/mpizenberg/partage/internal/ledgererr"
)

// KeyHistory resolves a group-key version to its symmetric key, for
// decrypt fallback across rotations (spec §3: "decryption tries the
// entry's recorded version first then falls back across the known
// history").
type KeyHistory interface {
	Key(version int) (cryptoprim.GroupKey, bool)
	CurrentVersion() int
}

// envelope is the clear-text routing metadata kept alongside ciphertext in
// the CRDT document (spec §4.3: "storing {id, keyVersion, ciphertext,
// previousVersionId?, status} in the clear").
type envelope struct {
	ID                string          `json:"id"`
	KeyVersion        int             `json:"keyVersion"`
	Ciphertext        []byte          `json:"ciphertext"`
	PreviousVersionID string          `json:"previousVersionId,omitempty"`
	Status            core.EntryStatus `json:"status"`
}

// Store is the encrypted entry store for one group's CRDT document.
type Store struct {
	groupID string
	doc     *crdt.Document
}

// New wraps doc for a given groupID (used only to annotate KeyNotFound
// errors).
func New(groupID string, doc *crdt.Document) *Store {
	return &Store{groupID: groupID, doc: doc}
}

// CreateEntry encrypts entry and inserts it as a fresh row keyed by its id
// (spec §4.3: "create_entry"). entry.ID is generated here if empty.
func (s *Store) CreateEntry(entry core.Entry, key cryptoprim.GroupKey, keyVersion int) (core.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.Version = 1
	entry.Status = core.StatusActive
	entry.KeyVersion = keyVersion

	if err := s.putEntry(entry, key); err != nil {
		return core.Entry{}, err
	}
	return entry, nil
}

// ModifyEntry inserts newEntry as the successor of originalID (spec §4.3:
// "modify_entry"). The predecessor is decrypted with history (it may have
// been written under an older key version); the successor is encrypted
// with history's key at newKeyVersion.
func (s *Store) ModifyEntry(originalID string, newEntry core.Entry, history KeyHistory, newKeyVersion int) (core.Entry, error) {
	prev, err := s.getRawEntry(originalID, history)
	if err != nil {
		return core.Entry{}, err
	}

	key, ok := history.Key(newKeyVersion)
	if !ok {
		return core.Entry{}, ledgererr.KeyNotFound{GroupID: s.groupID, Version: newKeyVersion}
	}

	if newEntry.ID == "" {
		newEntry.ID = uuid.New().String()
	}
	newEntry.Version = prev.Version + 1
	newEntry.PreviousVersionID = originalID
	newEntry.Status = core.StatusActive
	newEntry.KeyVersion = newKeyVersion

	if err := s.putEntry(newEntry, key); err != nil {
		return core.Entry{}, err
	}
	return newEntry, nil
}

// DeleteEntry reads id's current content, emits a successor row with
// status=deleted (spec §4.3: "delete_entry").
func (s *Store) DeleteEntry(id string, actor core.MemberID, reason string, history KeyHistory, newKeyVersion int) (core.Entry, error) {
	current, err := s.GetEntry(id, history)
	if err != nil {
		return core.Entry{}, err
	}

	key, ok := history.Key(newKeyVersion)
	if !ok {
		return core.Entry{}, ledgererr.KeyNotFound{GroupID: s.groupID, Version: newKeyVersion}
	}

	successor := current
	successor.ID = uuid.New().String()
	successor.Version = current.Version + 1
	successor.PreviousVersionID = id
	successor.Status = core.StatusDeleted
	successor.DeletedBy = actor
	successor.DeletionReason = reason
	successor.KeyVersion = newKeyVersion

	if err := s.putEntry(successor, key); err != nil {
		return core.Entry{}, err
	}
	return successor, nil
}

// UndeleteEntry emits a successor row with status=active (spec §4.3:
// "undelete_entry").
func (s *Store) UndeleteEntry(id string, actor core.MemberID, history KeyHistory, newKeyVersion int) (core.Entry, error) {
	current, err := s.GetEntry(id, history)
	if err != nil {
		return core.Entry{}, err
	}

	key, ok := history.Key(newKeyVersion)
	if !ok {
		return core.Entry{}, ledgererr.KeyNotFound{GroupID: s.groupID, Version: newKeyVersion}
	}

	successor := current
	successor.ID = uuid.New().String()
	successor.Version = current.Version + 1
	successor.PreviousVersionID = id
	successor.Status = core.StatusActive
	successor.DeletedBy = ""
	successor.DeletionReason = ""
	successor.KeyVersion = newKeyVersion

	if err := s.putEntry(successor, key); err != nil {
		return core.Entry{}, err
	}
	return successor, nil
}

func (s *Store) putEntry(entry core.Entry, key cryptoprim.GroupKey) error {
	plaintext, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	ciphertext, err := cryptoprim.AEADEncrypt(key, plaintext, []byte(entry.ID))
	if err != nil {
		return fmt.Errorf("encrypt entry: %w", err)
	}

	env := envelope{
		ID:                entry.ID,
		KeyVersion:        entry.KeyVersion,
		Ciphertext:        ciphertext,
		PreviousVersionID: entry.PreviousVersionID,
		Status:            entry.Status,
	}
	rowData, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	s.doc.ApplyLocalEntry(entry.ID, rowData)
	return nil
}

// GetEntry decrypts and returns entry id, trying its recorded key version
// first then falling back across history (spec §4.3: "get_entry").
func (s *Store) GetEntry(id string, history KeyHistory) (core.Entry, error) {
	return s.getRawEntry(id, history)
}

func (s *Store) getRawEntry(id string, history KeyHistory) (core.Entry, error) {
	row, ok := s.doc.Entry(id)
	if !ok {
		return core.Entry{}, ledgererr.EntryNotFound{EntryID: id}
	}

	var env envelope
	if err := json.Unmarshal(row.Data, &env); err != nil {
		return core.Entry{}, fmt.Errorf("unmarshal envelope for %s: %w", id, err)
	}

	entry, err := decryptEnvelope(env, history)
	if err != nil {
		return core.Entry{}, err
	}
	return entry, nil
}

func decryptEnvelope(env envelope, history KeyHistory) (core.Entry, error) {
	tryVersions := []int{env.KeyVersion}
	if history != nil {
		for v := history.CurrentVersion(); v >= 1; v-- {
			if v != env.KeyVersion {
				tryVersions = append(tryVersions, v)
			}
		}
	}

	for _, v := range tryVersions {
		key, ok := history.Key(v)
		if !ok {
			continue
		}
		plaintext, err := cryptoprim.AEADDecrypt(key, env.Ciphertext, []byte(env.ID))
		if err != nil {
			continue
		}
		var entry core.Entry
		if err := json.Unmarshal(plaintext, &entry); err != nil {
			continue
		}
		return entry, nil
	}

	return core.Entry{}, ledgererr.DecryptionFailed{EntryID: env.ID}
}

// GetEntryIDs returns every entry id without decrypting (spec §4.3:
// "get_entry_ids").
func (s *Store) GetEntryIDs() []string {
	rows := s.doc.Entries()
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids
}

// GetEntriesByIDs batch-decrypts a set of entries (spec §4.3:
// "get_entries_by_ids"). A DecryptionFailed on one id is skipped, not
// fatal, per spec §7's "log and skip that entry, continue with others".
func (s *Store) GetEntriesByIDs(ids []string, history KeyHistory) []core.Entry {
	out := make([]core.Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.GetEntry(id, history)
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// GetAllEntries decrypts every entry row (spec §4.3: "get_all_entries").
func (s *Store) GetAllEntries(history KeyHistory) []core.Entry {
	return s.GetEntriesByIDs(s.GetEntryIDs(), history)
}

// chainInfo precomputes, for every entry id, whether some other entry
// names it as PreviousVersionID — i.e. whether it is superseded.
func chainInfo(entries []core.Entry) map[string]bool {
	superseded := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.PreviousVersionID != "" {
			superseded[e.PreviousVersionID] = true
		}
	}
	return superseded
}

// GetCurrentEntries returns only the tail node of every version chain,
// regardless of active/deleted status (spec §4.3: "get_current_entries").
// A detected cycle (spec §4.4/§7: ConflictingChain) is tolerated: cyclic
// nodes are all treated as non-tails and simply excluded, the two
// independent tails elsewhere in the chain still surface normally.
func (s *Store) GetCurrentEntries(history KeyHistory) []core.Entry {
	all := s.GetAllEntries(history)
	superseded := chainInfo(all)

	var current []core.Entry
	for _, e := range all {
		if !superseded[e.ID] {
			current = append(current, e)
		}
	}
	return current
}

// GetActiveEntries returns current entries whose status is active (spec
// §4.3: "get_active_entries": "filter by status + not superseded").
func (s *Store) GetActiveEntries(history KeyHistory) []core.Entry {
	current := s.GetCurrentEntries(history)
	var active []core.Entry
	for _, e := range current {
		if e.Status == core.StatusActive {
			active = append(active, e)
		}
	}
	return active
}
