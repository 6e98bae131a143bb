package partage

import (
	"context"
	"fmt"
	"time"

	"github.com/mpizenberg/partage/internal/ledgererr"
	syncpkg "github.com/mpizenberg/partage/internal/sync"
)

// Push sends every local change made since the last successful Push to the
// relay, falling back to the pending-operation queue on failure (spec
// §4.9: "Push").
func (e *engineImpl) Push(ctx context.Context, groupID string) error {
	sess, err := e.session(groupID)
	if err != nil {
		return err
	}
	if sess.syncManager == nil {
		return ledgererr.NetworkUnavailable{Cause: fmt.Errorf("no relay configured for this engine")}
	}

	sess.mu.Lock()
	since := sess.pushedVersion
	sess.mu.Unlock()

	delta, err := sess.doc.ExportFrom(since)
	if err != nil {
		return fmt.Errorf("export local delta: %w", err)
	}

	now := time.Now().UnixMilli()
	if err := sess.syncManager.Push(ctx, delta, now); err != nil {
		return err
	}

	sess.mu.Lock()
	sess.pushedVersion = sess.doc.Version()
	sess.mu.Unlock()
	return nil
}

// Pull fetches every update posted since this group was last synced by
// running an incremental sync from the group's stored cursor (zero for a
// group that has never pulled, so everything is fetched), feeds the new
// rows to the state manager, then retries queued pending operations
// (spec §4.9). It never runs InitialSync, so no snapshot is persisted here.
func (e *engineImpl) Pull(ctx context.Context, groupID string) error {
	sess, err := e.session(groupID)
	if err != nil {
		return err
	}
	if sess.syncManager == nil {
		return ledgererr.NetworkUnavailable{Cause: fmt.Errorf("no relay configured for this engine")}
	}

	now := time.Now().UnixMilli()
	if err := sess.syncManager.IncrementalSync(ctx, now); err != nil {
		return err
	}
	sess.manager.HandleUpdate(sess.keyRing)

	if err := sess.syncManager.RetryPending(ctx); err != nil {
		return err
	}

	e.broadcast(groupID, EventSynced)
	return nil
}

// SyncState reports the current sync state machine position for groupID
// (spec §4.9: "idle → syncing → idle | error").
func (e *engineImpl) SyncState(groupID string) (syncpkg.State, error) {
	sess, err := e.session(groupID)
	if err != nil {
		return "", err
	}
	if sess.syncManager == nil {
		return syncpkg.StateIdle, nil
	}
	return sess.syncManager.State(), nil
}
