// Package partage provides the public API for an embedding application: a
// local-first, end-to-end-encrypted shared-ledger engine.
//
// This is the only package (along with pkg/crypto) external applications
// should import. All internal implementation detail is hidden behind the
// Engine interface.
//
// Example usage:
//
//	identity, err := crypto.GenerateIdentity()
//	e, err := partage.New(partage.Config{DataDir: filepath.Join(dir, "partage.db"), Identity: identity})
//	defer e.Close()
//
//	groupID, err := e.CreateGroup("Ski trip", "Alice")
//	entry, err := e.AddEntry(groupID, core.Entry{...})
//
// Grounded on pkg/engine/engine.go's public-interface-plus-New(cfg)-plus-
// engineWrapper shape, widened from one flat entry store wrapping a single
// internal engine to a multi-group facade composing, per group,
// crdt.Document + entrystore.Store + state.Manager + invite.KeyRing +
// sync.Manager over a shared storage.Store and local identity.
package partage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpizenberg/partage/internal/activity"
	"github.com/mpizenberg/partage/internal/api"
	"github.com/mpizenberg/partage/internal/balance"
	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/crdt"
	"github.com/mpizenberg/partage/internal/cryptoprim"
	"github.com/mpizenberg/partage/internal/entrystore"
	"github.com/mpizenberg/partage/internal/invite"
	"github.com/mpizenberg/partage/internal/ledgererr"
	"github.com/mpizenberg/partage/internal/settlement"
	"github.com/mpizenberg/partage/internal/state"
	"github.com/mpizenberg/partage/internal/storage"
	"github.com/mpizenberg/partage/internal/storage/sqlite"
	syncpkg "github.com/mpizenberg/partage/internal/sync"
	partagecrypto "github.com/mpizenberg/partage/pkg/crypto"
)

// Re-exported so callers never need to import internal/api directly.
type (
	Status       = api.Status
	Event        = api.Event
	EventType    = api.EventType
	Subscription = api.Subscription
)

const (
	EventEntryChanged  = api.EventEntryChanged
	EventMemberChanged = api.EventMemberChanged
	EventSynced        = api.EventSynced
)

// Identity is this device's keypair.
type Identity = partagecrypto.Identity

// GroupSummary is one row of ListGroups.
type GroupSummary struct {
	ID                string
	Name              string
	DefaultCurrency   string
	CurrentKeyVersion int
}

// Config configures a new Engine.
type Config struct {
	// DataDir is the file path of the local SQLite database. If empty and
	// InMemory is false, defaults to "./partage.db".
	DataDir string

	// InMemory opens a temporary, non-persistent database. If true,
	// DataDir is ignored.
	InMemory bool

	// Identity is this device's already-unlocked keypair (see
	// pkg/crypto.IdentityStore for passphrase-protected storage). Required.
	Identity *Identity

	// RelayURL is the base URL of the sync/invite relay. May be empty for
	// an engine used purely offline; Push/Pull/CreateInvite/RequestJoin
	// will then fail with ledgererr.NetworkUnavailable.
	RelayURL string
}

// Engine is the main interface for Partage. Products embed this interface
// to interact with the ledger.
//
// It embeds internal/api.Engine so that any Engine can back a REST facade
// directly via api.New(engine) without an adapter.
type Engine interface {
	api.Engine

	// Identity returns this device's local identity.
	Identity() *Identity

	// Group lifecycle
	CreateGroup(name, creatorName string) (groupID string, err error)
	OpenGroup(groupID string) error
	ListGroups() ([]GroupSummary, error)

	// SetSettlementPreference records the ordered list of creditors that
	// memberID, as a debtor, settles with first, used by settlement plan
	// generation's preference-routing pass.
	SetSettlementPreference(groupID string, memberID core.MemberID, preferredDebtors []core.MemberID) error

	// Invites (spec §4.10)
	CreateInvite(groupID string) (invite.Link, error)
	RequestJoin(ctx context.Context, link invite.Link, requesterName string) error
	PendingJoinRequests(ctx context.Context, groupID string) ([]invite.JoinRequest, error)
	ApproveJoin(ctx context.Context, groupID string, req invite.JoinRequest) error
	AwaitGroupKeys(ctx context.Context, groupID string) error

	// Sync (spec §4.9)
	Push(ctx context.Context, groupID string) error
	Pull(ctx context.Context, groupID string) error
	SyncState(groupID string) (syncpkg.State, error)

	Close() error
}

// groupSession holds every in-memory component one open group needs.
type groupSession struct {
	doc         *crdt.Document
	entries     *entrystore.Store
	keyRing     *invite.KeyRing
	manager     *state.Manager
	syncManager *syncpkg.Manager

	mu            sync.Mutex
	subs          []chan api.Event
	pushedVersion core.VersionVector
}

// engineImpl is the concrete Engine implementation.
type engineImpl struct {
	identity    *Identity
	store       storage.Store
	relayURL    string
	inviteRelay invite.RelayClient

	mu     sync.Mutex
	groups map[string]*groupSession
}

// New creates a new Partage Engine with the given configuration.
func New(cfg Config) (Engine, error) {
	if cfg.Identity == nil {
		return nil, ledgererr.IdentityMissing{}
	}

	path := cfg.DataDir
	if cfg.InMemory {
		path = ":memory:"
	} else if path == "" {
		path = "./partage.db"
	}

	store, err := sqlite.New(path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var inviteRelay invite.RelayClient
	if cfg.RelayURL != "" {
		inviteRelay = invite.NewHTTPRelayClient(cfg.RelayURL)
	}

	return &engineImpl{
		identity:    cfg.Identity,
		store:       store,
		relayURL:    cfg.RelayURL,
		inviteRelay: inviteRelay,
		groups:      make(map[string]*groupSession),
	}, nil
}

func (e *engineImpl) Identity() *Identity {
	return e.identity
}

// groupSettings is the JSON shape persisted in GroupRecord.SettingsJSON:
// the display name spec.md's wire format names (invite links carry
// groupName) alongside the four permission flags spec §3 defines, neither
// of which has its own column in storage.GroupRecord.
type groupSettings struct {
	Name string `json:"name"`
	core.GroupSettings
}

// CreateGroup creates a new group with this device's identity as its
// first member, generates its initial symmetric key (version 1), and
// opens it for immediate use.
func (e *engineImpl) CreateGroup(name, creatorName string) (string, error) {
	groupID := uuid.New().String()
	replicaID := string(cryptoprim.PublicKeyHashOf(e.identity))

	doc := crdt.NewDocument(replicaID)

	creatorID := cryptoprim.PublicKeyHashOf(e.identity)
	evt := core.MemberEvent{
		ID:            uuid.New().String(),
		MemberID:      creatorID,
		Kind:          core.MemberCreated,
		Timestamp:     time.Now().UnixMilli(),
		ActorID:       creatorID,
		Name:          creatorName,
		PublicKey:     e.identity.ECDHPublic.Bytes(),
		SignPublicKey: e.identity.SignPublic,
	}
	evtData, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("encode creator member event: %w", err)
	}
	doc.ApplyLocalMemberEvent(evt.ID, evtData)

	settings, err := json.Marshal(groupSettings{Name: name})
	if err != nil {
		return "", fmt.Errorf("encode group settings: %w", err)
	}
	record := storage.GroupRecord{
		ID:                groupID,
		CreatedAt:         evt.Timestamp,
		CreatedBy:         string(creatorID),
		CurrentKeyVersion: 1,
		SettingsJSON:      settings,
	}
	if err := e.store.SaveGroup(record); err != nil {
		return "", fmt.Errorf("persist group record: %w", err)
	}

	key, err := cryptoprim.GenerateGroupKey()
	if err != nil {
		return "", fmt.Errorf("generate group key: %w", err)
	}
	if err := e.store.SaveGroupKey(storage.StoredGroupKey{GroupID: groupID, Version: 1, Key: key[:]}); err != nil {
		return "", fmt.Errorf("persist initial group key: %w", err)
	}

	if err := e.registerGroup(groupID, doc); err != nil {
		return "", err
	}
	return groupID, nil
}

// OpenGroup loads an existing group's CRDT state and key history into
// memory, reconstructing the document from its latest snapshot plus every
// incremental update recorded since (spec §4.9).
func (e *engineImpl) OpenGroup(groupID string) error {
	e.mu.Lock()
	if _, ok := e.groups[groupID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	record, err := e.store.LoadGroup(groupID)
	if err != nil {
		return ledgererr.GroupNotFound{GroupID: groupID}
	}

	replicaID := string(cryptoprim.PublicKeyHashOf(e.identity))
	doc := crdt.NewDocument(replicaID)

	if snapshot, ok, err := e.store.LoadSnapshot(groupID); err != nil {
		return fmt.Errorf("load snapshot for group %s: %w", groupID, err)
	} else if ok {
		if err := doc.Import(snapshot.Data); err != nil {
			return fmt.Errorf("import snapshot for group %s: %w", groupID, err)
		}
	}

	updates, err := e.store.LoadIncrementalUpdatesSince(groupID, 0)
	if err != nil {
		return fmt.Errorf("load incremental updates for group %s: %w", groupID, err)
	}
	for _, u := range updates {
		if err := doc.Import(u.Data); err != nil {
			return fmt.Errorf("import incremental update for group %s: %w", groupID, err)
		}
	}

	_ = record
	return e.registerGroup(groupID, doc)
}

// registerGroup wires a loaded/created document into an entrystore,
// key ring, derived-state manager, and sync manager, then registers the
// session.
func (e *engineImpl) registerGroup(groupID string, doc *crdt.Document) error {
	keyRing, err := invite.LoadKeyRing(e.store, groupID)
	if err != nil {
		return fmt.Errorf("load key ring for group %s: %w", groupID, err)
	}

	entries := entrystore.New(groupID, doc)
	manager := state.New(doc, entries)
	manager.Initialize(keyRing)

	var syncManager *syncpkg.Manager
	if e.relayURL != "" {
		relay := syncpkg.NewHTTPRelayClient(e.relayURL)
		syncManager, err = syncpkg.NewManagerResumed(relay, e.store, doc, groupID, string(cryptoprim.PublicKeyHashOf(e.identity)), syncpkg.DefaultConfig(e.relayURL))
		if err != nil {
			return fmt.Errorf("resume sync manager for group %s: %w", groupID, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.groups[groupID] = &groupSession{
		doc:         doc,
		entries:     entries,
		keyRing:     keyRing,
		manager:     manager,
		syncManager: syncManager,
	}
	return nil
}

// session returns the open session for groupID, opening it on demand if a
// local record exists.
func (e *engineImpl) session(groupID string) (*groupSession, error) {
	e.mu.Lock()
	sess, ok := e.groups[groupID]
	e.mu.Unlock()
	if ok {
		return sess, nil
	}

	if err := e.OpenGroup(groupID); err != nil {
		return nil, err
	}

	e.mu.Lock()
	sess = e.groups[groupID]
	e.mu.Unlock()
	return sess, nil
}

// ListGroups lists every locally known group.
func (e *engineImpl) ListGroups() ([]GroupSummary, error) {
	records, err := e.store.ListGroups()
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	out := make([]GroupSummary, 0, len(records))
	for _, r := range records {
		var settings groupSettings
		if len(r.SettingsJSON) > 0 {
			_ = json.Unmarshal(r.SettingsJSON, &settings)
		}
		out = append(out, GroupSummary{
			ID:                r.ID,
			Name:              settings.Name,
			DefaultCurrency:   r.DefaultCurrency,
			CurrentKeyVersion: r.CurrentKeyVersion,
		})
	}
	return out, nil
}

// Close releases the underlying storage handle.
func (e *engineImpl) Close() error {
	return e.store.Close()
}
