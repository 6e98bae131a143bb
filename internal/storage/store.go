// Package storage implements the local persistence facade (spec §6):
// identity, groups, group keys, CRDT snapshots/incremental updates,
// pending outbound operations, and usage accounting. Storage is a durable
// cache of what the CRDT document and key material already hold; it is
// not itself a source of truth for conflict resolution.
//
// Grounded on internal/storage/store.go's Store interface shape (a narrow
// domain interface in front of a concrete sqlite implementation) and
// internal/storage/sqlite/sqlite.go's schema-as-a-string/tx.Exec/tx.Commit
// pattern, generalized from one entries+tags schema to spec §6's seven
// tables.
package storage

// PendingOperation is one not-yet-acknowledged outbound mutation, queued
// while the relay is unreachable (spec §4.9, §6: "pendingOperations").
type PendingOperation struct {
	ID        string
	GroupID   string
	Operation []byte // opaque JSON-encoded operation payload
	CreatedAt int64
}

// IncrementalUpdate is one CRDT delta appended to a group's update log
// (spec §6: "loroIncrementalUpdates"), addressed by (groupId, sequence).
type IncrementalUpdate struct {
	GroupID   string
	Sequence  uint64
	Data      []byte
	Version   int
	Timestamp int64
}

// Snapshot is a group's latest compacted CRDT state (spec §6:
// "loroSnapshots").
type Snapshot struct {
	GroupID   string
	Data      []byte
	Version   int
	UpdatedAt int64
}

// StoredIdentity is the local device identity record (spec §6: "identity",
// a singleton).
type StoredIdentity struct {
	PublicKey        []byte
	PrivateKey       []byte
	PublicKeyHash    string
	SigningPublicKey []byte
	SigningPrivateKey []byte
}

// StoredGroupKey is one versioned symmetric group key (spec §6:
// "groupKeys"). History is retained, never overwritten.
type StoredGroupKey struct {
	GroupID string
	Version int
	Key     []byte
}

// UsageStats is the singleton transfer/storage accounting record (spec §6:
// "usageStats").
type UsageStats struct {
	TotalBytesTransferred      int64
	TrackingSince              int64
	LastStorageEstimateTimestamp int64
	LastStorageEstimateSizeBytes int64
	TotalStorageCost           float64
}

// Store is the persistence facade spec §6 describes. All group-scoped
// reads/writes are addressed by groupId; DeleteGroup removes every
// group-scoped row across tables transactionally.
type Store interface {
	// Identity
	SaveIdentity(id StoredIdentity) error
	LoadIdentity() (StoredIdentity, error)
	HasIdentity() (bool, error)

	// Groups
	SaveGroup(g GroupRecord) error
	LoadGroup(groupID string) (GroupRecord, error)
	ListGroups() ([]GroupRecord, error)
	DeleteGroup(groupID string) error

	// Group keys
	SaveGroupKey(k StoredGroupKey) error
	LoadGroupKey(groupID string, version int) (StoredGroupKey, error)
	LoadGroupKeyHistory(groupID string) ([]StoredGroupKey, error)

	// Snapshots
	SaveSnapshot(s Snapshot) error
	LoadSnapshot(groupID string) (Snapshot, bool, error)

	// Incremental updates
	AppendIncrementalUpdate(u IncrementalUpdate) error
	LoadIncrementalUpdatesSince(groupID string, sinceSequence uint64) ([]IncrementalUpdate, error)

	// Pending operations
	ReplacePendingOperations(groupID string, ops []PendingOperation) error
	LoadPendingOperations(groupID string) ([]PendingOperation, error)
	DeletePendingOperation(id string) error

	// Usage accounting
	LoadUsageStats() (UsageStats, error)
	SaveUsageStats(s UsageStats) error
	RecordTransfer(now int64, bytesTransferred int64) error
	RecordStorageEstimate(timestamp int64, sizeBytes int64) error

	Close() error
}

// GroupRecord is the clear-text group row (spec §6: "groups"). Settings is
// stored JSON-encoded; membership is derived from the member-event log and
// never stored here.
type GroupRecord struct {
	ID                string
	DefaultCurrency   string
	CreatedAt         int64
	CreatedBy         string
	CurrentKeyVersion int
	SettingsJSON      []byte
}

// ErrNotFound is returned when a singleton or keyed record has no local row.
type ErrNotFound struct{ What string }

func (e ErrNotFound) Error() string { return "not found: " + e.What }
