// Package sqlite implements the storage.Store facade on top of SQLite
// (spec §6).
//
// Grounded directly on internal/storage/sqlite/sqlite.go's SQLiteStore:
// same schema-as-a-string initSchema, same tx.Begin/defer tx.Rollback/
// tx.Commit transactional pattern, same ON CONFLICT DO UPDATE upsert
// idiom, repointed from the entries+tags schema to spec §6's seven
// tables (identity, groups, groupKeys, loroSnapshots,
// loroIncrementalUpdates, pendingOperations, usageStats).
package sqlite

import (
	"database/sql"
	"encoding/base64"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mpizenberg/partage/internal/storage"
)

func encodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode group key: %w", err)
	}
	return key, nil
}

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New opens (creating if absent) a SQLite database at path and ensures its
// schema exists. path may be ":memory:" for an ephemeral store.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// GetDB exposes the underlying *sql.DB, mirroring the teacher's GetDB
// escape hatch for callers that need raw access (migrations, inspection).
func (s *Store) GetDB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS identity (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			public_key BLOB NOT NULL,
			private_key BLOB NOT NULL,
			public_key_hash TEXT NOT NULL,
			signing_public_key BLOB NOT NULL,
			signing_private_key BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY,
			default_currency TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			created_by TEXT NOT NULL,
			current_key_version INTEGER NOT NULL,
			settings_json BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS group_keys (
			group_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			key_base64 TEXT NOT NULL,
			PRIMARY KEY (group_id, version),
			FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS loro_snapshots (
			group_id TEXT PRIMARY KEY,
			snapshot_bytes BLOB NOT NULL,
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS loro_incremental_updates (
			group_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			update_data BLOB NOT NULL,
			version INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY (group_id, sequence),
			FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS pending_operations (
			id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			operation_json BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS usage_stats (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			total_bytes_transferred INTEGER NOT NULL DEFAULT 0,
			tracking_since INTEGER NOT NULL DEFAULT 0,
			last_storage_estimate_timestamp INTEGER NOT NULL DEFAULT 0,
			last_storage_estimate_size_bytes INTEGER NOT NULL DEFAULT 0,
			total_storage_cost REAL NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_group_keys_group ON group_keys(group_id);
		CREATE INDEX IF NOT EXISTS idx_incremental_group ON loro_incremental_updates(group_id);
		CREATE INDEX IF NOT EXISTS idx_incremental_group_seq ON loro_incremental_updates(group_id, sequence);
		CREATE INDEX IF NOT EXISTS idx_pending_group ON pending_operations(group_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveIdentity upserts the singleton local identity row.
func (s *Store) SaveIdentity(id storage.StoredIdentity) error {
	_, err := s.db.Exec(`
		INSERT INTO identity (id, public_key, private_key, public_key_hash, signing_public_key, signing_private_key)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			public_key = excluded.public_key,
			private_key = excluded.private_key,
			public_key_hash = excluded.public_key_hash,
			signing_public_key = excluded.signing_public_key,
			signing_private_key = excluded.signing_private_key
	`, id.PublicKey, id.PrivateKey, id.PublicKeyHash, id.SigningPublicKey, id.SigningPrivateKey)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// LoadIdentity reads the singleton local identity row.
func (s *Store) LoadIdentity() (storage.StoredIdentity, error) {
	var id storage.StoredIdentity
	err := s.db.QueryRow(`
		SELECT public_key, private_key, public_key_hash, signing_public_key, signing_private_key
		FROM identity WHERE id = 1
	`).Scan(&id.PublicKey, &id.PrivateKey, &id.PublicKeyHash, &id.SigningPublicKey, &id.SigningPrivateKey)
	if err == sql.ErrNoRows {
		return storage.StoredIdentity{}, storage.ErrNotFound{What: "identity"}
	}
	if err != nil {
		return storage.StoredIdentity{}, fmt.Errorf("load identity: %w", err)
	}
	return id, nil
}

// HasIdentity reports whether a local identity has been initialized.
func (s *Store) HasIdentity() (bool, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM identity WHERE id = 1`).Scan(&count); err != nil {
		return false, fmt.Errorf("check identity: %w", err)
	}
	return count > 0, nil
}

// SaveGroup upserts a group's clear-text record.
func (s *Store) SaveGroup(g storage.GroupRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO groups (id, default_currency, created_at, created_by, current_key_version, settings_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			default_currency = excluded.default_currency,
			current_key_version = excluded.current_key_version,
			settings_json = excluded.settings_json
	`, g.ID, g.DefaultCurrency, g.CreatedAt, g.CreatedBy, g.CurrentKeyVersion, g.SettingsJSON)
	if err != nil {
		return fmt.Errorf("save group: %w", err)
	}
	return nil
}

// LoadGroup reads one group's clear-text record.
func (s *Store) LoadGroup(groupID string) (storage.GroupRecord, error) {
	var g storage.GroupRecord
	err := s.db.QueryRow(`
		SELECT id, default_currency, created_at, created_by, current_key_version, settings_json
		FROM groups WHERE id = ?
	`, groupID).Scan(&g.ID, &g.DefaultCurrency, &g.CreatedAt, &g.CreatedBy, &g.CurrentKeyVersion, &g.SettingsJSON)
	if err == sql.ErrNoRows {
		return storage.GroupRecord{}, storage.ErrNotFound{What: "group " + groupID}
	}
	if err != nil {
		return storage.GroupRecord{}, fmt.Errorf("load group: %w", err)
	}
	return g, nil
}

// ListGroups returns every locally known group.
func (s *Store) ListGroups() ([]storage.GroupRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, default_currency, created_at, created_by, current_key_version, settings_json
		FROM groups ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []storage.GroupRecord
	for rows.Next() {
		var g storage.GroupRecord
		if err := rows.Scan(&g.ID, &g.DefaultCurrency, &g.CreatedAt, &g.CreatedBy, &g.CurrentKeyVersion, &g.SettingsJSON); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, nil
}

// DeleteGroup removes a group and every row scoped to it (keys, snapshot,
// incremental updates, pending operations) transactionally, so a crash
// mid-delete never leaves orphaned group-scoped rows behind.
func (s *Store) DeleteGroup(groupID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	statements := []string{
		"DELETE FROM pending_operations WHERE group_id = ?",
		"DELETE FROM loro_incremental_updates WHERE group_id = ?",
		"DELETE FROM loro_snapshots WHERE group_id = ?",
		"DELETE FROM group_keys WHERE group_id = ?",
		"DELETE FROM groups WHERE id = ?",
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt, groupID); err != nil {
			return fmt.Errorf("delete group cascade: %w", err)
		}
	}
	return tx.Commit()
}

// SaveGroupKey inserts a new key version. Existing versions are retained,
// never overwritten (spec §6: "History retained").
func (s *Store) SaveGroupKey(k storage.StoredGroupKey) error {
	_, err := s.db.Exec(`
		INSERT INTO group_keys (group_id, version, key_base64)
		VALUES (?, ?, ?)
		ON CONFLICT(group_id, version) DO NOTHING
	`, k.GroupID, k.Version, encodeKey(k.Key))
	if err != nil {
		return fmt.Errorf("save group key: %w", err)
	}
	return nil
}

// LoadGroupKey reads one specific key version.
func (s *Store) LoadGroupKey(groupID string, version int) (storage.StoredGroupKey, error) {
	var encoded string
	err := s.db.QueryRow(`
		SELECT key_base64 FROM group_keys WHERE group_id = ? AND version = ?
	`, groupID, version).Scan(&encoded)
	if err == sql.ErrNoRows {
		return storage.StoredGroupKey{}, storage.ErrNotFound{What: fmt.Sprintf("group key %s/%d", groupID, version)}
	}
	if err != nil {
		return storage.StoredGroupKey{}, fmt.Errorf("load group key: %w", err)
	}
	key, err := decodeKey(encoded)
	if err != nil {
		return storage.StoredGroupKey{}, err
	}
	return storage.StoredGroupKey{GroupID: groupID, Version: version, Key: key}, nil
}

// LoadGroupKeyHistory returns every retained key version for a group,
// oldest first.
func (s *Store) LoadGroupKeyHistory(groupID string) ([]storage.StoredGroupKey, error) {
	rows, err := s.db.Query(`
		SELECT version, key_base64 FROM group_keys WHERE group_id = ? ORDER BY version ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("load group key history: %w", err)
	}
	defer rows.Close()

	var out []storage.StoredGroupKey
	for rows.Next() {
		var version int
		var encoded string
		if err := rows.Scan(&version, &encoded); err != nil {
			return nil, fmt.Errorf("scan group key: %w", err)
		}
		key, err := decodeKey(encoded)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.StoredGroupKey{GroupID: groupID, Version: version, Key: key})
	}
	return out, nil
}

// SaveSnapshot upserts a group's compacted CRDT snapshot.
func (s *Store) SaveSnapshot(snap storage.Snapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO loro_snapshots (group_id, snapshot_bytes, version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			snapshot_bytes = excluded.snapshot_bytes,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, snap.GroupID, snap.Data, snap.Version, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a group's snapshot, if one exists.
func (s *Store) LoadSnapshot(groupID string) (storage.Snapshot, bool, error) {
	var snap storage.Snapshot
	snap.GroupID = groupID
	err := s.db.QueryRow(`
		SELECT snapshot_bytes, version, updated_at FROM loro_snapshots WHERE group_id = ?
	`, groupID).Scan(&snap.Data, &snap.Version, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return storage.Snapshot{}, false, nil
	}
	if err != nil {
		return storage.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, true, nil
}

// AppendIncrementalUpdate inserts one CRDT delta at (groupId, sequence),
// idempotently: re-appending the same sequence is a no-op, so replaying an
// already-applied relay push never duplicates rows.
func (s *Store) AppendIncrementalUpdate(u storage.IncrementalUpdate) error {
	_, err := s.db.Exec(`
		INSERT INTO loro_incremental_updates (group_id, sequence, update_data, version, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_id, sequence) DO NOTHING
	`, u.GroupID, u.Sequence, u.Data, u.Version, u.Timestamp)
	if err != nil {
		return fmt.Errorf("append incremental update: %w", err)
	}
	return nil
}

// LoadIncrementalUpdatesSince returns every delta for groupID with sequence
// strictly greater than sinceSequence, ordered ascending.
func (s *Store) LoadIncrementalUpdatesSince(groupID string, sinceSequence uint64) ([]storage.IncrementalUpdate, error) {
	rows, err := s.db.Query(`
		SELECT sequence, update_data, version, timestamp
		FROM loro_incremental_updates
		WHERE group_id = ? AND sequence > ?
		ORDER BY sequence ASC
	`, groupID, sinceSequence)
	if err != nil {
		return nil, fmt.Errorf("load incremental updates: %w", err)
	}
	defer rows.Close()

	var out []storage.IncrementalUpdate
	for rows.Next() {
		u := storage.IncrementalUpdate{GroupID: groupID}
		if err := rows.Scan(&u.Sequence, &u.Data, &u.Version, &u.Timestamp); err != nil {
			return nil, fmt.Errorf("scan incremental update: %w", err)
		}
		out = append(out, u)
	}
	return out, nil
}

// ReplacePendingOperations atomically swaps a group's entire pending-op
// queue for ops, so a partial write never leaves a mix of old and new
// queued operations (spec §4.9: ops are replaced as a batch on
// reconciliation, not patched one at a time).
func (s *Store) ReplacePendingOperations(groupID string, ops []storage.PendingOperation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM pending_operations WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("clear pending operations: %w", err)
	}
	for _, op := range ops {
		if _, err := tx.Exec(`
			INSERT INTO pending_operations (id, group_id, operation_json, created_at)
			VALUES (?, ?, ?, ?)
		`, op.ID, op.GroupID, op.Operation, op.CreatedAt); err != nil {
			return fmt.Errorf("insert pending operation: %w", err)
		}
	}
	return tx.Commit()
}

// LoadPendingOperations returns a group's queued operations, oldest first.
func (s *Store) LoadPendingOperations(groupID string) ([]storage.PendingOperation, error) {
	rows, err := s.db.Query(`
		SELECT id, group_id, operation_json, created_at
		FROM pending_operations WHERE group_id = ? ORDER BY created_at ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("load pending operations: %w", err)
	}
	defer rows.Close()

	var out []storage.PendingOperation
	for rows.Next() {
		var op storage.PendingOperation
		if err := rows.Scan(&op.ID, &op.GroupID, &op.Operation, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending operation: %w", err)
		}
		out = append(out, op)
	}
	return out, nil
}

// DeletePendingOperation removes a single acknowledged operation.
func (s *Store) DeletePendingOperation(id string) error {
	_, err := s.db.Exec(`DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pending operation: %w", err)
	}
	return nil
}

// LoadUsageStats reads the singleton usage row, returning a zero-value
// record (not an error) if tracking has not started yet.
func (s *Store) LoadUsageStats() (storage.UsageStats, error) {
	var u storage.UsageStats
	err := s.db.QueryRow(`
		SELECT total_bytes_transferred, tracking_since, last_storage_estimate_timestamp,
		       last_storage_estimate_size_bytes, total_storage_cost
		FROM usage_stats WHERE id = 1
	`).Scan(&u.TotalBytesTransferred, &u.TrackingSince, &u.LastStorageEstimateTimestamp,
		&u.LastStorageEstimateSizeBytes, &u.TotalStorageCost)
	if err == sql.ErrNoRows {
		return storage.UsageStats{}, nil
	}
	if err != nil {
		return storage.UsageStats{}, fmt.Errorf("load usage stats: %w", err)
	}
	return u, nil
}

// SaveUsageStats upserts the singleton usage row.
func (s *Store) SaveUsageStats(u storage.UsageStats) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_stats (id, total_bytes_transferred, tracking_since,
			last_storage_estimate_timestamp, last_storage_estimate_size_bytes, total_storage_cost)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			total_bytes_transferred = excluded.total_bytes_transferred,
			tracking_since = excluded.tracking_since,
			last_storage_estimate_timestamp = excluded.last_storage_estimate_timestamp,
			last_storage_estimate_size_bytes = excluded.last_storage_estimate_size_bytes,
			total_storage_cost = excluded.total_storage_cost
	`, u.TotalBytesTransferred, u.TrackingSince, u.LastStorageEstimateTimestamp,
		u.LastStorageEstimateSizeBytes, u.TotalStorageCost)
	if err != nil {
		return fmt.Errorf("save usage stats: %w", err)
	}
	return nil
}

// RecordTransfer adds bytesTransferred to the running total (spec §9: every
// relay push/pull updates totalBytesTransferred), initializing
// trackingSince to now on first use.
func (s *Store) RecordTransfer(now int64, bytesTransferred int64) error {
	u, err := s.LoadUsageStats()
	if err != nil {
		return err
	}
	if u.TrackingSince == 0 {
		u.TrackingSince = now
	}
	u.TotalBytesTransferred += bytesTransferred
	return s.SaveUsageStats(u)
}

// RecordStorageEstimate updates the last local-storage size estimate.
func (s *Store) RecordStorageEstimate(timestamp int64, sizeBytes int64) error {
	u, err := s.LoadUsageStats()
	if err != nil {
		return err
	}
	u.LastStorageEstimateTimestamp = timestamp
	u.LastStorageEstimateSizeBytes = sizeBytes
	return s.SaveUsageStats(u)
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ storage.Store = (*Store)(nil)
