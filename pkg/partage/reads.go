package partage

import (
	"encoding/json"

	"github.com/mpizenberg/partage/internal/activity"
	"github.com/mpizenberg/partage/internal/balance"
	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/settlement"
)

// Balances returns every canonical member's net position (spec §4.5).
func (e *engineImpl) Balances(groupID string) (map[core.MemberID]balance.Balance, error) {
	sess, err := e.session(groupID)
	if err != nil {
		return nil, err
	}
	return sess.manager.Balances(), nil
}

// Activities returns the group's derived activity feed (spec §4.7).
func (e *engineImpl) Activities(groupID string) ([]activity.Activity, error) {
	sess, err := e.session(groupID)
	if err != nil {
		return nil, err
	}
	return sess.manager.Activities(), nil
}

// SettlementPlan computes the minimum-transaction settlement, honoring any
// settlement preferences recorded in the CRDT document (spec §4.6).
func (e *engineImpl) SettlementPlan(groupID string) (settlement.Plan, error) {
	sess, err := e.session(groupID)
	if err != nil {
		return settlement.Plan{}, err
	}

	preferences := decodePreferences(sess)
	return settlement.GenerateSettlementPlan(sess.manager.Balances(), preferences), nil
}

// decodePreferences reads every settlement-preference register cell off
// the CRDT document into the ordered-debtor-list shape
// GenerateSettlementPlan expects.
func decodePreferences(sess *groupSession) map[core.MemberID][]core.MemberID {
	raw := sess.doc.Preferences()
	out := make(map[core.MemberID][]core.MemberID, len(raw))
	for memberID, value := range raw {
		var ordered []core.MemberID
		if err := json.Unmarshal(value.Data, &ordered); err == nil {
			out[core.MemberID(memberID)] = ordered
		}
	}
	return out
}

// SetSettlementPreference records the ordered list of creditors that
// memberID, as a debtor, settles with first (spec §4.6's
// "settlementPreferences" register), used by settlement
// plan generation's preference-routing pass.
func (e *engineImpl) SetSettlementPreference(groupID string, memberID core.MemberID, preferredDebtors []core.MemberID) error {
	sess, err := e.session(groupID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(preferredDebtors)
	if err != nil {
		return err
	}
	sess.doc.SetPreference(string(memberID), data)
	return nil
}

// Status reports a group's summary counters for the REST facade's
// status endpoint.
func (e *engineImpl) Status(groupID string) (Status, error) {
	sess, err := e.session(groupID)
	if err != nil {
		return Status{}, err
	}

	syncState := "offline"
	if sess.syncManager != nil {
		syncState = string(sess.syncManager.State())
	}

	return Status{
		EntryCount:    len(sess.entries.GetActiveEntries(sess.keyRing)),
		MemberCount:   len(sess.manager.MemberStates()),
		SyncState:     syncState,
		CurrentKeyVer: sess.keyRing.CurrentVersion(),
	}, nil
}
