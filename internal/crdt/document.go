// Package crdt implements the group ledger's CRDT document (spec §4.2):
// state-based replication where any two replicas that have observed the
// same set of rows converge to the same state, regardless of delivery
// order.
//
// Grounded on internal/crdt/{orset,lww,replica}.go's container/merge shapes;
// generalized from a single entries+tags replica to a four-container
// document (entries, member events, settlement preferences, plus the
// version vector that drives incremental export).
package crdt

import (
	"encoding/json"

	"github.com/mpizenberg/partage/internal/core"
)

// Document is the full CRDT state for one group: the append-only entry and
// member-event logs, the settlement-preferences register, and the version
// vector tracking what every contributing replica has produced.
type Document struct {
	replicaID   string
	clock       *core.Clock
	version     core.VersionVector
	entries     *GSet
	memberEvts  *GSet
	preferences *LWWRegister
}

// NewDocument creates an empty document for replicaID (this device/client's
// stable sync identifier, distinct from a member's publicKeyHash).
func NewDocument(replicaID string) *Document {
	return &Document{
		replicaID:   replicaID,
		clock:       core.NewClock(),
		version:     make(core.VersionVector),
		entries:     NewGSet(),
		memberEvts:  NewGSet(),
		preferences: NewLWWRegister(),
	}
}

// ApplyLocalEntry wraps data in a Row stamped with a fresh local clock tick
// and adds it to the entries container. Spec §4.2: "apply_local_op".
func (d *Document) ApplyLocalEntry(id string, data []byte) Row {
	row := d.nextRow(id, data)
	d.entries.Add(row)
	return row
}

// ApplyLocalMemberEvent is ApplyLocalEntry's counterpart for the member
// event log.
func (d *Document) ApplyLocalMemberEvent(id string, data []byte) Row {
	row := d.nextRow(id, data)
	d.memberEvts.Add(row)
	return row
}

// SetPreference writes a settlement preference for a member, stamped with a
// fresh local clock tick.
func (d *Document) SetPreference(memberID string, data []byte) {
	seq := d.clock.Tick()
	d.version[d.replicaID] = seq
	d.preferences.Set(memberID, RegisterValue{Data: data, Timestamp: seq, WriterID: d.replicaID})
}

func (d *Document) nextRow(id string, data []byte) Row {
	seq := d.clock.Tick()
	d.version[d.replicaID] = seq
	return Row{ID: id, OriginReplica: d.replicaID, OriginSeq: seq, Data: data}
}

// Entries returns every entry row.
func (d *Document) Entries() []Row { return d.entries.All() }

// Entry looks up a single entry row by id.
func (d *Document) Entry(id string) (Row, bool) { return d.entries.Get(id) }

// MemberEvents returns every member event row.
func (d *Document) MemberEvents() []Row { return d.memberEvts.All() }

// Preferences returns every member's current settlement preference.
func (d *Document) Preferences() map[string]RegisterValue { return d.preferences.All() }

// Preference returns one member's current settlement preference.
func (d *Document) Preference(memberID string) (RegisterValue, bool) {
	return d.preferences.Get(memberID)
}

// Version returns a copy of the document's version vector (spec §4.2:
// "version()").
func (d *Document) Version() core.VersionVector {
	return d.version.Clone()
}

// state is the wire/disk representation of a Document, used by both
// ExportSnapshot (full) and ExportFrom (filtered to rows newer than a given
// version).
type state struct {
	ReplicaID   string                   `json:"replicaId"`
	Version     core.VersionVector       `json:"version"`
	Entries     []Row                    `json:"entries"`
	MemberEvts  []Row                    `json:"memberEvents"`
	Preferences map[string]RegisterValue `json:"preferences"`
}

// ExportSnapshot serializes the full document state (spec §4.2:
// "export_snapshot()").
func (d *Document) ExportSnapshot() ([]byte, error) {
	s := state{
		ReplicaID:   d.replicaID,
		Version:     d.version.Clone(),
		Entries:     d.entries.All(),
		MemberEvts:  d.memberEvts.All(),
		Preferences: d.preferences.All(),
	}
	return json.Marshal(s)
}

// ExportFrom serializes only rows not yet observed by a peer at the given
// version, and every current preference value (preferences are few and
// small enough that shipping all of them is simpler than per-cell delta
// tracking; spec §4.2: "export_from(version)").
func (d *Document) ExportFrom(since core.VersionVector) ([]byte, error) {
	s := state{
		ReplicaID:   d.replicaID,
		Version:     d.version.Clone(),
		Entries:     d.entries.Since(since),
		MemberEvts:  d.memberEvts.Since(since),
		Preferences: d.preferences.All(),
	}
	return json.Marshal(s)
}

// Import merges a remote snapshot or delta into this document (spec §4.2:
// "import(state)"). Safe to call with overlapping or repeated data: GSet and
// LWWRegister merges are idempotent.
func (d *Document) Import(data []byte) error {
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	for _, row := range s.Entries {
		d.entries.Add(row)
	}
	for _, row := range s.MemberEvts {
		d.memberEvts.Add(row)
	}
	for memberID, value := range s.Preferences {
		d.preferences.Set(memberID, value)
	}

	d.version.Merge(s.Version)
	for _, row := range s.Entries {
		if row.OriginSeq > d.version[row.OriginReplica] {
			d.version[row.OriginReplica] = row.OriginSeq
		}
	}
	for _, row := range s.MemberEvts {
		if row.OriginSeq > d.version[row.OriginReplica] {
			d.version[row.OriginReplica] = row.OriginSeq
		}
	}

	if remote, ok := s.Version[d.replicaID]; ok {
		d.clock.Observe(remote)
	}
	return nil
}

// Clone deep-copies the document, including its clock position.
func (d *Document) Clone() *Document {
	clone := &Document{
		replicaID:   d.replicaID,
		clock:       core.NewClockWithTime(d.clock.Now()),
		version:     d.version.Clone(),
		entries:     d.entries.Clone(),
		memberEvts:  d.memberEvts.Clone(),
		preferences: d.preferences.Clone(),
	}
	return clone
}

// Merge folds another document's full state into this one directly (used
// in tests and for local replica forking; production sync goes through
// ExportSnapshot/Import over the wire).
func (d *Document) Merge(other *Document) {
	d.entries.Merge(other.entries)
	d.memberEvts.Merge(other.memberEvts)
	d.preferences.Merge(other.preferences)
	d.version.Merge(other.version)
}
