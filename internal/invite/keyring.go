package invite

import (
	"fmt"
	"sync"

	"github.com/mpizenberg/partage/internal/cryptoprim"
	"github.com/mpizenberg/partage/internal/ledgererr"
	"github.com/mpizenberg/partage/internal/storage"
)

// KeyRing is the production entrystore.KeyHistory implementation: an
// in-memory cache of a group's versioned symmetric keys, backed by
// storage.Store for durability across restarts (spec §3: "decryption tries
// the entry's recorded version first then falls back across the known
// history").
//
// Grounded on internal/cryptoprim/identity_store.go's mutex-guarded,
// disk-backed cache shape, repointed from one identity to one group's
// key-version history.
type KeyRing struct {
	store   storage.Store
	groupID string

	mu      sync.RWMutex
	keys    map[int]cryptoprim.GroupKey
	current int
}

// legacyKeyVersion is the on-disk version slot a pre-rotation single-key
// record is found under: the source format kept one unversioned group key,
// which this codebase represents as the record stored at version 0.
const legacyKeyVersion = 0

// LoadKeyRing loads every retained key version for groupID from store. If
// no versioned history exists but a legacy single-key record is present
// (spec §9 open question: "the source variously stores a single group key
// per group and a versioned history ... implementations should normalize
// any legacy single-key storage on first load"), it is promoted to version
// 1 and persisted under the versioned scheme.
func LoadKeyRing(store storage.Store, groupID string) (*KeyRing, error) {
	history, err := store.LoadGroupKeyHistory(groupID)
	if err != nil {
		return nil, fmt.Errorf("load group key history: %w", err)
	}

	keys := make(map[int]cryptoprim.GroupKey, len(history))
	current := 0
	for _, k := range history {
		var gk cryptoprim.GroupKey
		copy(gk[:], k.Key)
		keys[k.Version] = gk
		if k.Version > current {
			current = k.Version
		}
	}

	ring := &KeyRing{store: store, groupID: groupID, keys: keys, current: current}

	if len(history) == 0 {
		if legacy, err := store.LoadGroupKey(groupID, legacyKeyVersion); err == nil {
			var gk cryptoprim.GroupKey
			copy(gk[:], legacy.Key)
			if err := ring.Import(1, gk); err != nil {
				return nil, fmt.Errorf("normalize legacy group key: %w", err)
			}
		}
	}

	return ring, nil
}

// Key resolves a group-key version (entrystore.KeyHistory).
func (r *KeyRing) Key(version int) (cryptoprim.GroupKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[version]
	return k, ok
}

// CurrentVersion returns the highest key version known locally
// (entrystore.KeyHistory).
func (r *KeyRing) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Rotate generates a fresh symmetric key, bumps the current version, and
// persists it, retaining every previous version (spec §4.10: "Rotate the
// group key: generate a new symmetric key, bump currentKeyVersion, retain
// all previous versions locally").
func (r *KeyRing) Rotate() (cryptoprim.GroupKey, int, error) {
	newKey, err := cryptoprim.GenerateGroupKey()
	if err != nil {
		return cryptoprim.GroupKey{}, 0, fmt.Errorf("generate rotated group key: %w", err)
	}

	r.mu.Lock()
	newVersion := r.current + 1
	r.mu.Unlock()

	if err := r.Import(newVersion, newKey); err != nil {
		return cryptoprim.GroupKey{}, 0, err
	}
	return newKey, newVersion, nil
}

// Import records a key version received locally or via a key package,
// persisting it and advancing CurrentVersion if version is newer.
func (r *KeyRing) Import(version int, key cryptoprim.GroupKey) error {
	if err := r.store.SaveGroupKey(storage.StoredGroupKey{GroupID: r.groupID, Version: version, Key: key[:]}); err != nil {
		return fmt.Errorf("persist group key version %d: %w", version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[version] = key
	if version > r.current {
		r.current = version
	}
	return nil
}

// AllVersions returns every retained key version up to CurrentVersion, in
// ascending order. It returns ledgererr.MissingPreviousKey if a version in
// that range is absent locally, the failure mode spec §4.10 requires
// before a rotation or key-package build can proceed.
func (r *KeyRing) AllVersions() ([]storage.StoredGroupKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]storage.StoredGroupKey, 0, r.current)
	for v := 1; v <= r.current; v++ {
		key, ok := r.keys[v]
		if !ok {
			return nil, ledgererr.MissingPreviousKey{GroupID: r.groupID, Version: v}
		}
		out = append(out, storage.StoredGroupKey{GroupID: r.groupID, Version: v, Key: key[:]})
	}
	return out, nil
}
