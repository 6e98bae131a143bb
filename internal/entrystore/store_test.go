package entrystore

import (
	"errors"
	"testing"

	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/crdt"
	"github.com/mpizenberg/partage/internal/cryptoprim"
	"github.com/mpizenberg/partage/internal/ledgererr"
)

type memHistory struct {
	keys    map[int]cryptoprim.GroupKey
	current int
}

func newMemHistory() *memHistory {
	return &memHistory{keys: make(map[int]cryptoprim.GroupKey)}
}

func (h *memHistory) add(version int) cryptoprim.GroupKey {
	key, _ := cryptoprim.GenerateGroupKey()
	h.keys[version] = key
	if version > h.current {
		h.current = version
	}
	return key
}

func (h *memHistory) Key(version int) (cryptoprim.GroupKey, bool) {
	k, ok := h.keys[version]
	return k, ok
}

func (h *memHistory) CurrentVersion() int { return h.current }

func TestCreateAndGetEntryRoundTrip(t *testing.T) {
	doc := crdt.NewDocument("replica-1")
	store := New("group-1", doc)
	history := newMemHistory()
	key := history.add(1)

	created, err := store.CreateEntry(core.Entry{
		Type:     core.EntryTypeExpense,
		Amount:   100,
		Currency: "USD",
	}, key, 1)
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}

	got, err := store.GetEntry(created.ID, history)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if got.Amount != 100 || got.Status != core.StatusActive {
		t.Fatalf("unexpected roundtrip entry: %+v", got)
	}
}

func TestModifyEntryCreatesNewTailAndSupersedesOriginal(t *testing.T) {
	doc := crdt.NewDocument("replica-1")
	store := New("group-1", doc)
	history := newMemHistory()
	key := history.add(1)

	e1, err := store.CreateEntry(core.Entry{Type: core.EntryTypeExpense, Amount: 100, Currency: "USD"}, key, 1)
	if err != nil {
		t.Fatalf("create e1: %v", err)
	}

	e2, err := store.ModifyEntry(e1.ID, core.Entry{Type: core.EntryTypeExpense, Amount: 60, Currency: "USD"}, history, 1)
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if e2.Version != e1.Version+1 {
		t.Fatalf("expected version chain monotonicity, e1=%d e2=%d", e1.Version, e2.Version)
	}

	current := store.GetCurrentEntries(history)
	if len(current) != 1 || current[0].ID != e2.ID {
		t.Fatalf("expected only e2 to be current, got %+v", current)
	}

	active := store.GetActiveEntries(history)
	if len(active) != 1 || active[0].Amount != 60 {
		t.Fatalf("expected active set to reflect only e2's amount, got %+v", active)
	}
}

func TestDeleteThenUndeleteEntry(t *testing.T) {
	doc := crdt.NewDocument("replica-1")
	store := New("group-1", doc)
	history := newMemHistory()
	key := history.add(1)

	e1, err := store.CreateEntry(core.Entry{Type: core.EntryTypeExpense, Amount: 100, Currency: "USD"}, key, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	e2, err := store.DeleteEntry(e1.ID, "actor-1", "duplicate", history, 1)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if e2.Status != core.StatusDeleted {
		t.Fatalf("expected deleted status, got %s", e2.Status)
	}

	if active := store.GetActiveEntries(history); len(active) != 0 {
		t.Fatalf("expected no active entries after delete, got %+v", active)
	}

	e3, err := store.UndeleteEntry(e2.ID, "actor-1", history, 1)
	if err != nil {
		t.Fatalf("undelete: %v", err)
	}
	if e3.Status != core.StatusActive {
		t.Fatalf("expected active status after undelete, got %s", e3.Status)
	}

	active := store.GetActiveEntries(history)
	if len(active) != 1 || active[0].ID != e3.ID {
		t.Fatalf("expected only e3 active, got %+v", active)
	}
}

func TestDecryptFallsBackAcrossKeyRotation(t *testing.T) {
	doc := crdt.NewDocument("replica-1")
	store := New("group-1", doc)
	history := newMemHistory()
	oldKey := history.add(1)
	history.add(2) // rotate: version 2 becomes current

	e1, err := store.CreateEntry(core.Entry{Type: core.EntryTypeExpense, Amount: 42, Currency: "USD"}, oldKey, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetEntry(e1.ID, history)
	if err != nil {
		t.Fatalf("expected fallback decrypt to succeed: %v", err)
	}
	if got.Amount != 42 {
		t.Fatalf("unexpected amount after fallback decrypt: %v", got.Amount)
	}
}

func TestGetEntryMissingKeyReturnsDecryptionFailed(t *testing.T) {
	doc := crdt.NewDocument("replica-1")
	store := New("group-1", doc)
	history := newMemHistory()
	key := history.add(1)

	e1, err := store.CreateEntry(core.Entry{Type: core.EntryTypeExpense, Amount: 1, Currency: "USD"}, key, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	emptyHistory := newMemHistory()
	_, err = store.GetEntry(e1.ID, emptyHistory)
	if err == nil {
		t.Fatalf("expected decryption failure with no known keys")
	}
	var failed ledgererr.DecryptionFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected DecryptionFailed, got %T: %v", err, err)
	}
}
