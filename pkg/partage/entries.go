package partage

import (
	"fmt"

	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/cryptoprim"
)

// currentGroupKey resolves the session's current symmetric key and
// version, the pair every encrypted write needs.
func currentGroupKey(sess *groupSession) (key cryptoprim.GroupKey, version int, err error) {
	version = sess.keyRing.CurrentVersion()
	k, ok := sess.keyRing.Key(version)
	if !ok {
		return key, 0, fmt.Errorf("current group key version %d missing locally", version)
	}
	return k, version, nil
}

// ListEntries returns every active (non-deleted, non-superseded) entry.
func (e *engineImpl) ListEntries(groupID string) ([]core.Entry, error) {
	sess, err := e.session(groupID)
	if err != nil {
		return nil, err
	}
	return sess.entries.GetActiveEntries(sess.keyRing), nil
}

// AddEntry encrypts and appends a new entry under the group's current key
// version (spec §4.3).
func (e *engineImpl) AddEntry(groupID string, entry core.Entry) (core.Entry, error) {
	sess, err := e.session(groupID)
	if err != nil {
		return core.Entry{}, err
	}

	key, version, err := currentGroupKey(sess)
	if err != nil {
		return core.Entry{}, err
	}

	created, err := sess.entries.CreateEntry(entry, key, version)
	if err != nil {
		return core.Entry{}, err
	}

	sess.manager.ApplyEntry(created)
	e.broadcast(groupID, EventEntryChanged)
	return created, nil
}

// ModifyEntry supersedes entryID with a new version chained onto it.
func (e *engineImpl) ModifyEntry(groupID, entryID string, entry core.Entry) (core.Entry, error) {
	sess, err := e.session(groupID)
	if err != nil {
		return core.Entry{}, err
	}

	_, version, err := currentGroupKey(sess)
	if err != nil {
		return core.Entry{}, err
	}

	modified, err := sess.entries.ModifyEntry(entryID, entry, sess.keyRing, version)
	if err != nil {
		return core.Entry{}, err
	}

	sess.manager.ApplyEntry(modified)
	e.broadcast(groupID, EventEntryChanged)
	return modified, nil
}

// DeleteEntry tombstones entryID (spec §4.3: status transitions to
// "deleted", preserving the version chain for undelete).
func (e *engineImpl) DeleteEntry(groupID, entryID string, actor core.MemberID, reason string) (core.Entry, error) {
	sess, err := e.session(groupID)
	if err != nil {
		return core.Entry{}, err
	}

	_, version, err := currentGroupKey(sess)
	if err != nil {
		return core.Entry{}, err
	}

	deleted, err := sess.entries.DeleteEntry(entryID, actor, reason, sess.keyRing, version)
	if err != nil {
		return core.Entry{}, err
	}

	sess.manager.ApplyEntry(deleted)
	e.broadcast(groupID, EventEntryChanged)
	return deleted, nil
}

// UndeleteEntry reverses a prior DeleteEntry.
func (e *engineImpl) UndeleteEntry(groupID, entryID string, actor core.MemberID) (core.Entry, error) {
	sess, err := e.session(groupID)
	if err != nil {
		return core.Entry{}, err
	}

	_, version, err := currentGroupKey(sess)
	if err != nil {
		return core.Entry{}, err
	}

	undeleted, err := sess.entries.UndeleteEntry(entryID, actor, sess.keyRing, version)
	if err != nil {
		return core.Entry{}, err
	}

	sess.manager.ApplyEntry(undeleted)
	e.broadcast(groupID, EventEntryChanged)
	return undeleted, nil
}
