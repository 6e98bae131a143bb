package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/mpizenberg/partage/internal/storage"
)

// pendingOp is the JSON payload persisted in storage.PendingOperation's
// opaque Operation field (spec §4.9: "enqueue a pending op with groupId,
// authorId, and delta bytes").
type pendingOp struct {
	AuthorID string `json:"authorId"`
	Bytes    []byte `json:"bytes"`
}

// Manager is the sync manager for one group (spec §4.9): it owns the
// idle/syncing/error state machine, pull cursor, and pending-op retry
// queue for a single group's relay traffic.
//
// Grounded on internal/sync/p2p.go's p2pService (atomic metric counters,
// a single mutex-guarded session/state field, a periodic background loop)
// repointed from peer sessions to one relay connection per group.
type Manager struct {
	relay    RelayClient
	store    storage.Store
	provider StateProvider
	groupID  string
	authorID string
	logger   Logger

	mu     sync.Mutex
	state  State
	cursor uint64

	metrics Metrics

	backoffInitial time.Duration
	backoffMax     time.Duration
}

// NewManager creates a sync manager for one group. authorID is this
// device's identity, used to tag pushed deltas.
func NewManager(relay RelayClient, store storage.Store, provider StateProvider, groupID, authorID string, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Manager{
		relay:          relay,
		store:          store,
		provider:       provider,
		groupID:        groupID,
		authorID:       authorID,
		logger:         logger,
		state:          StateIdle,
		backoffInitial: 500 * time.Millisecond,
		backoffMax:     30 * time.Second,
	}
}

// State returns the manager's current state-machine position.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Metrics returns a snapshot of cumulative sync counters.
func (m *Manager) Metrics() Metrics {
	return Metrics{
		PushAttempts:  atomic.LoadInt64(&m.metrics.PushAttempts),
		PushSuccesses: atomic.LoadInt64(&m.metrics.PushSuccesses),
		PushFailures:  atomic.LoadInt64(&m.metrics.PushFailures),
		PullAttempts:  atomic.LoadInt64(&m.metrics.PullAttempts),
		PullSuccesses: atomic.LoadInt64(&m.metrics.PullSuccesses),
		PullFailures:  atomic.LoadInt64(&m.metrics.PullFailures),
	}
}

func (m *Manager) enterSyncing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateSyncing {
		return false
	}
	m.state = StateSyncing
	return true
}

func (m *Manager) exitSyncing(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateError
		return
	}
	m.state = StateIdle
}

// hydrateCursor restores the pull cursor from the highest sequence number
// recorded in local persistence, so a restart resumes incremental sync
// rather than re-pulling everything.
func (m *Manager) hydrateCursor() error {
	updates, err := m.store.LoadIncrementalUpdatesSince(m.groupID, 0)
	if err != nil {
		return fmt.Errorf("hydrate cursor: %w", err)
	}
	var max uint64
	for _, u := range updates {
		if u.Sequence > max {
			max = u.Sequence
		}
	}
	m.mu.Lock()
	m.cursor = max
	m.mu.Unlock()
	return nil
}

// InitialSync performs spec §4.9's "initial sync on group selection": pull
// every update since cursor=0, import each into the document, and persist a
// fresh snapshot.
func (m *Manager) InitialSync(ctx context.Context, now int64) error {
	if !m.enterSyncing() {
		return nil
	}
	err := m.pullAndImport(ctx, 0, now)
	m.exitSyncing(err)
	if err != nil {
		return err
	}
	return m.persistSnapshot(now)
}

// IncrementalSync performs spec §4.9's "incremental sync": pull since the
// last cursor, import, advance the cursor.
func (m *Manager) IncrementalSync(ctx context.Context, now int64) error {
	if !m.enterSyncing() {
		return nil
	}
	m.mu.Lock()
	since := m.cursor
	m.mu.Unlock()

	err := m.pullAndImport(ctx, since, now)
	m.exitSyncing(err)
	return err
}

func (m *Manager) pullAndImport(ctx context.Context, since uint64, now int64) error {
	atomic.AddInt64(&m.metrics.PullAttempts, 1)

	records, nextCursor, err := m.relay.PullUpdatesSince(ctx, m.groupID, since)
	if err != nil {
		atomic.AddInt64(&m.metrics.PullFailures, 1)
		return err
	}

	var bytesPulled int64
	for _, rec := range records {
		if err := m.provider.Import(rec.Bytes); err != nil {
			atomic.AddInt64(&m.metrics.PullFailures, 1)
			return fmt.Errorf("import update at cursor %d: %w", rec.Cursor, err)
		}
		if err := m.store.AppendIncrementalUpdate(storage.IncrementalUpdate{
			GroupID:   m.groupID,
			Sequence:  rec.Cursor,
			Data:      rec.Bytes,
			Timestamp: now,
		}); err != nil {
			atomic.AddInt64(&m.metrics.PullFailures, 1)
			return fmt.Errorf("persist update at cursor %d: %w", rec.Cursor, err)
		}
		bytesPulled += int64(len(rec.Bytes))
	}

	m.mu.Lock()
	if nextCursor > m.cursor {
		m.cursor = nextCursor
	}
	m.mu.Unlock()

	if bytesPulled > 0 {
		if err := m.store.RecordTransfer(now, bytesPulled); err != nil {
			m.logger.Printf("failed to record pull transfer accounting: %v", err)
		}
	}

	atomic.AddInt64(&m.metrics.PullSuccesses, 1)
	return nil
}

func (m *Manager) persistSnapshot(now int64) error {
	data, err := m.provider.ExportSnapshot()
	if err != nil {
		return fmt.Errorf("export snapshot: %w", err)
	}
	if err := m.store.SaveSnapshot(storage.Snapshot{GroupID: m.groupID, Data: data, UpdatedAt: now}); err != nil {
		return err
	}
	if err := m.store.RecordStorageEstimate(now, int64(len(data))); err != nil {
		m.logger.Printf("failed to record storage estimate: %v", err)
	}
	return nil
}

// Push sends delta, already exported by the caller, to the relay
// (spec §4.9: "Push"). On failure the delta is enqueued as a pending
// operation for retry on reconnect rather than being lost.
func (m *Manager) Push(ctx context.Context, delta []byte, now int64) error {
	atomic.AddInt64(&m.metrics.PushAttempts, 1)

	err := m.relay.PushUpdate(ctx, m.groupID, m.authorID, delta, nil)
	if err == nil {
		atomic.AddInt64(&m.metrics.PushSuccesses, 1)
		if len(delta) > 0 {
			if rerr := m.store.RecordTransfer(now, int64(len(delta))); rerr != nil {
				m.logger.Printf("failed to record push transfer accounting: %v", rerr)
			}
		}
		return nil
	}

	atomic.AddInt64(&m.metrics.PushFailures, 1)
	m.logger.Printf("push failed, queuing pending op: %v", err)
	if qerr := m.enqueuePending(delta, now); qerr != nil {
		return fmt.Errorf("push failed (%v) and queuing failed: %w", err, qerr)
	}
	return err
}

func (m *Manager) enqueuePending(delta []byte, now int64) error {
	existing, err := m.store.LoadPendingOperations(m.groupID)
	if err != nil {
		return fmt.Errorf("load pending operations: %w", err)
	}

	payload, err := json.Marshal(pendingOp{AuthorID: m.authorID, Bytes: delta})
	if err != nil {
		return fmt.Errorf("encode pending operation: %w", err)
	}

	existing = append(existing, storage.PendingOperation{
		ID:        uuid.New().String(),
		GroupID:   m.groupID,
		Operation: payload,
		CreatedAt: now,
	})
	return m.store.ReplacePendingOperations(m.groupID, existing)
}

// RetryPending replays every queued pending operation against the relay,
// in order, using exponential backoff with jitter between attempts (spec
// §5: "Backpressure"). It stops at the first operation that still fails,
// preserving order: a later op succeeding while an earlier one is still
// unacknowledged would desync the relay's per-author linearization.
//
// Grounded on cenkalti/backoff/v4's Retry helper, the standard idiom for
// this library (construct an ExponentialBackOff, hand it to Retry with the
// operation closure).
func (m *Manager) RetryPending(ctx context.Context) error {
	ops, err := m.store.LoadPendingOperations(m.groupID)
	if err != nil {
		return fmt.Errorf("load pending operations: %w", err)
	}

	for _, op := range ops {
		var decoded pendingOp
		if err := json.Unmarshal(op.Operation, &decoded); err != nil {
			// Corrupt queue entry: drop it rather than block the queue forever.
			_ = m.store.DeletePendingOperation(op.ID)
			continue
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = m.backoffInitial
		bo.MaxInterval = m.backoffMax

		attempt := func() error {
			atomic.AddInt64(&m.metrics.PushAttempts, 1)
			err := m.relay.PushUpdate(ctx, m.groupID, decoded.AuthorID, decoded.Bytes, nil)
			if err != nil {
				atomic.AddInt64(&m.metrics.PushFailures, 1)
				return err
			}
			atomic.AddInt64(&m.metrics.PushSuccesses, 1)
			return nil
		}

		if err := backoff.Retry(attempt, backoff.WithContext(bo, ctx)); err != nil {
			return fmt.Errorf("retry pending op %s: %w", op.ID, err)
		}
		if err := m.store.DeletePendingOperation(op.ID); err != nil {
			return fmt.Errorf("delete acknowledged pending op %s: %w", op.ID, err)
		}
	}
	return nil
}

// Subscribe opens a live subscription to the relay and imports every
// inbound delta, invoking onUpdate after each successful import so the
// incremental state manager can pick up the new rows (spec §4.9: "Live
// subscription"). Blocks until ctx is cancelled or the connection drops.
func (m *Manager) Subscribe(ctx context.Context, now int64, onUpdate func()) error {
	return m.relay.Subscribe(ctx, m.groupID, func(rec UpdateRecord) {
		if err := m.provider.Import(rec.Bytes); err != nil {
			m.logger.Printf("failed to import subscribed update at cursor %d: %v", rec.Cursor, err)
			return
		}
		if err := m.store.AppendIncrementalUpdate(storage.IncrementalUpdate{
			GroupID:   m.groupID,
			Sequence:  rec.Cursor,
			Data:      rec.Bytes,
			Timestamp: now,
		}); err != nil {
			m.logger.Printf("failed to persist subscribed update at cursor %d: %v", rec.Cursor, err)
		}
		if len(rec.Bytes) > 0 {
			if err := m.store.RecordTransfer(now, int64(len(rec.Bytes))); err != nil {
				m.logger.Printf("failed to record subscribed transfer accounting: %v", err)
			}
		}

		m.mu.Lock()
		if rec.Cursor > m.cursor {
			m.cursor = rec.Cursor
		}
		m.mu.Unlock()

		if onUpdate != nil {
			onUpdate()
		}
	})
}

// NewManagerResumed creates a Manager and hydrates its cursor from local
// persistence, the usual entry point after a restart.
func NewManagerResumed(relay RelayClient, store storage.Store, provider StateProvider, groupID, authorID string, cfg Config) (*Manager, error) {
	m := NewManager(relay, store, provider, groupID, authorID, cfg)
	if err := m.hydrateCursor(); err != nil {
		return nil, err
	}
	return m, nil
}
