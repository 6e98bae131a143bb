package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mpizenberg/partage/internal/activity"
	"github.com/mpizenberg/partage/internal/balance"
	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/ledgererr"
	"github.com/mpizenberg/partage/internal/settlement"
)

type fakeEngine struct {
	entries   map[string]core.Entry
	balances  map[core.MemberID]balance.Balance
	plan      settlement.Plan
	status    Status
	addErr    error
	groupErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		entries:  make(map[string]core.Entry),
		balances: make(map[core.MemberID]balance.Balance),
	}
}

func (f *fakeEngine) ListEntries(groupID string) ([]core.Entry, error) {
	if f.groupErr != nil {
		return nil, f.groupErr
	}
	out := make([]core.Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeEngine) AddEntry(groupID string, entry core.Entry) (core.Entry, error) {
	if f.addErr != nil {
		return core.Entry{}, f.addErr
	}
	entry.ID = "e1"
	f.entries[entry.ID] = entry
	return entry, nil
}

func (f *fakeEngine) ModifyEntry(groupID, entryID string, entry core.Entry) (core.Entry, error) {
	if _, ok := f.entries[entryID]; !ok {
		return core.Entry{}, ledgererr.EntryNotFound{EntryID: entryID}
	}
	entry.ID = entryID + "-v2"
	f.entries[entry.ID] = entry
	return entry, nil
}

func (f *fakeEngine) DeleteEntry(groupID, entryID string, actor core.MemberID, reason string) (core.Entry, error) {
	e, ok := f.entries[entryID]
	if !ok {
		return core.Entry{}, ledgererr.EntryNotFound{EntryID: entryID}
	}
	e.Status = core.StatusDeleted
	return e, nil
}

func (f *fakeEngine) UndeleteEntry(groupID, entryID string, actor core.MemberID) (core.Entry, error) {
	e, ok := f.entries[entryID]
	if !ok {
		return core.Entry{}, ledgererr.EntryNotFound{EntryID: entryID}
	}
	e.Status = core.StatusActive
	return e, nil
}

func (f *fakeEngine) Balances(groupID string) (map[core.MemberID]balance.Balance, error) {
	return f.balances, nil
}

func (f *fakeEngine) Activities(groupID string) ([]activity.Activity, error) {
	return nil, nil
}

func (f *fakeEngine) SettlementPlan(groupID string) (settlement.Plan, error) {
	return f.plan, nil
}

func (f *fakeEngine) Status(groupID string) (Status, error) {
	return f.status, nil
}

func (f *fakeEngine) Subscribe(groupID string) (Subscription, error) {
	return nil, nil
}

func TestCreateAndListEntries(t *testing.T) {
	engine := newFakeEngine()
	server := New(engine)

	body, _ := json.Marshal(core.Entry{Type: core.EntryTypeExpense, Amount: 42})
	req := httptest.NewRequest(http.MethodPost, "/groups/g1/entries", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/groups/g1/entries", nil)
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []core.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestModifyMissingEntryReturns404(t *testing.T) {
	engine := newFakeEngine()
	server := New(engine)

	body, _ := json.Marshal(core.Entry{Amount: 10})
	req := httptest.NewRequest(http.MethodPut, "/groups/g1/entries/missing", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUndeleteEntry(t *testing.T) {
	engine := newFakeEngine()
	engine.entries["e1"] = core.Entry{ID: "e1", Status: core.StatusDeleted}
	server := New(engine)

	req := httptest.NewRequest(http.MethodPost, "/groups/g1/entries/e1/undelete?actor=m1", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got core.Entry
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != core.StatusActive {
		t.Fatalf("expected active status after undelete, got %s", got.Status)
	}
}

func TestBalancesAndStatusEndpoints(t *testing.T) {
	engine := newFakeEngine()
	engine.balances[core.MemberID("m1")] = balance.Balance{NetBalance: 12.5}
	engine.status = Status{EntryCount: 3, SyncState: "idle"}
	server := New(engine)

	req := httptest.NewRequest(http.MethodGet, "/groups/g1/balances", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "12.5") {
		t.Fatalf("unexpected balances response: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/groups/g1/status", nil)
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	var status Status
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status.EntryCount != 3 || status.SyncState != "idle" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestCorsHeadersAndOptionsPreflight(t *testing.T) {
	engine := newFakeEngine()
	server := New(engine)

	req := httptest.NewRequest(http.MethodOptions, "/groups/g1/entries", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header on preflight response")
	}
}

func TestMissingGroupIDReturns400(t *testing.T) {
	engine := newFakeEngine()
	server := New(engine)

	req := httptest.NewRequest(http.MethodGet, "/groups/", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
