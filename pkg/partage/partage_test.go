package partage

import (
	"context"
	"testing"

	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/cryptoprim"
	"github.com/mpizenberg/partage/internal/ledgererr"
)

func newTestEngine(t *testing.T) Engine {
	t.Helper()
	identity, err := cryptoprim.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	e, err := New(Config{InMemory: true, Identity: identity})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestNewRequiresIdentity(t *testing.T) {
	if _, err := New(Config{InMemory: true}); err == nil {
		t.Fatalf("expected an error when no identity is configured")
	} else if _, ok := err.(ledgererr.IdentityMissing); !ok {
		t.Fatalf("expected IdentityMissing, got %T: %v", err, err)
	}
}

func TestCreateGroupAddEntryAndBalances(t *testing.T) {
	e := newTestEngine(t)

	groupID, err := e.CreateGroup("Ski trip", "Alice")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	creator := cryptoprim.PublicKeyHashOf(e.Identity())
	entry, err := e.AddEntry(groupID, core.Entry{
		Type:      core.EntryTypeExpense,
		Amount:    90,
		Currency:  "USD",
		Payers:        []core.Payer{{MemberID: creator, Amount: 90}},
		Beneficiaries: []core.Beneficiary{{MemberID: creator, SplitType: core.SplitShares, Shares: 1}},
		CreatedBy:     creator,
	})
	if err != nil {
		t.Fatalf("add entry: %v", err)
	}
	if entry.ID == "" {
		t.Fatalf("expected an assigned entry id")
	}

	entries, err := e.ListEntries(groupID)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 active entry, got %d", len(entries))
	}

	balances, err := e.Balances(groupID)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if _, ok := balances[creator]; !ok {
		t.Fatalf("expected a balance row for the creator")
	}

	status, err := e.Status(groupID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.EntryCount != 1 || status.MemberCount != 1 || status.CurrentKeyVer != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestModifyDeleteUndeleteEntry(t *testing.T) {
	e := newTestEngine(t)
	groupID, err := e.CreateGroup("Trip", "Alice")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	creator := cryptoprim.PublicKeyHashOf(e.Identity())

	entry, err := e.AddEntry(groupID, core.Entry{
		Type: core.EntryTypeExpense, Amount: 20, Currency: "USD",
		Payers:        []core.Payer{{MemberID: creator, Amount: 20}},
		Beneficiaries: []core.Beneficiary{{MemberID: creator, SplitType: core.SplitShares, Shares: 1}},
		CreatedBy:     creator,
	})
	if err != nil {
		t.Fatalf("add entry: %v", err)
	}

	modified, err := e.ModifyEntry(groupID, entry.ID, core.Entry{
		Type: core.EntryTypeExpense, Amount: 30, Currency: "USD",
		Payers:        []core.Payer{{MemberID: creator, Amount: 30}},
		Beneficiaries: []core.Beneficiary{{MemberID: creator, SplitType: core.SplitShares, Shares: 1}},
		CreatedBy:     creator,
	})
	if err != nil {
		t.Fatalf("modify entry: %v", err)
	}
	if modified.Amount != 30 {
		t.Fatalf("expected amount 30 after modify, got %v", modified.Amount)
	}

	deleted, err := e.DeleteEntry(groupID, modified.ID, creator, "mistake")
	if err != nil {
		t.Fatalf("delete entry: %v", err)
	}
	if deleted.Status != core.StatusDeleted {
		t.Fatalf("expected deleted status, got %s", deleted.Status)
	}

	undeleted, err := e.UndeleteEntry(groupID, modified.ID, creator)
	if err != nil {
		t.Fatalf("undelete entry: %v", err)
	}
	if undeleted.Status != core.StatusActive {
		t.Fatalf("expected active status after undelete, got %s", undeleted.Status)
	}
}

func TestSettlementPreferenceAffectsPlan(t *testing.T) {
	e := newTestEngine(t)
	groupID, err := e.CreateGroup("Trip", "Alice")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	creator := cryptoprim.PublicKeyHashOf(e.Identity())

	// The creator owes 20: bob paid 5 and carol 15. The greedy pass alone
	// would pay carol, the larger creditor, first.
	if _, err := e.AddEntry(groupID, core.Entry{
		Type: core.EntryTypeExpense, Amount: 20, Currency: "USD",
		Payers:        []core.Payer{{MemberID: "bob", Amount: 5}, {MemberID: "carol", Amount: 15}},
		Beneficiaries: []core.Beneficiary{{MemberID: creator, SplitType: core.SplitShares, Shares: 1}},
		CreatedBy:     creator,
	}); err != nil {
		t.Fatalf("add entry: %v", err)
	}

	if err := e.SetSettlementPreference(groupID, creator, []core.MemberID{"bob"}); err != nil {
		t.Fatalf("set settlement preference: %v", err)
	}

	plan, err := e.SettlementPlan(groupID)
	if err != nil {
		t.Fatalf("settlement plan: %v", err)
	}
	if len(plan.Transactions) != 2 || plan.Transactions[0].To != "bob" || plan.Transactions[0].Amount != 5 {
		t.Fatalf("expected the preferred creditor bob to be paid 5 first, got %+v", plan.Transactions)
	}
}

func TestListGroupsReturnsName(t *testing.T) {
	e := newTestEngine(t)
	groupID, err := e.CreateGroup("Ski trip", "Alice")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	groups, err := e.ListGroups()
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 1 || groups[0].ID != groupID || groups[0].Name != "Ski trip" {
		t.Fatalf("unexpected groups: %+v", groups)
	}
}

func TestSubscribeReceivesEntryChangedEvent(t *testing.T) {
	e := newTestEngine(t)
	groupID, err := e.CreateGroup("Trip", "Alice")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	creator := cryptoprim.PublicKeyHashOf(e.Identity())

	sub, err := e.Subscribe(groupID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := e.AddEntry(groupID, core.Entry{
		Type: core.EntryTypeExpense, Amount: 5, Currency: "USD",
		Payers:        []core.Payer{{MemberID: creator, Amount: 5}},
		Beneficiaries: []core.Beneficiary{{MemberID: creator, SplitType: core.SplitShares, Shares: 1}},
		CreatedBy:     creator,
	}); err != nil {
		t.Fatalf("add entry: %v", err)
	}

	select {
	case evt := <-sub.Events():
		if evt.Type != EventEntryChanged || evt.GroupID != groupID {
			t.Fatalf("unexpected event: %+v", evt)
		}
	default:
		t.Fatalf("expected an event to be immediately available")
	}
}

func TestOfflineOperationsFailWithoutRelay(t *testing.T) {
	e := newTestEngine(t)
	groupID, err := e.CreateGroup("Trip", "Alice")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	if _, err := e.CreateInvite(groupID); err == nil {
		t.Fatalf("expected CreateInvite to fail without a configured relay")
	} else if _, ok := err.(ledgererr.NetworkUnavailable); !ok {
		t.Fatalf("expected NetworkUnavailable, got %T: %v", err, err)
	}

	if err := e.Push(context.Background(), groupID); err == nil {
		t.Fatalf("expected Push to fail without a configured relay")
	} else if _, ok := err.(ledgererr.NetworkUnavailable); !ok {
		t.Fatalf("expected NetworkUnavailable, got %T: %v", err, err)
	}
}
