package crdt

import "testing"

func TestDocumentConvergesRegardlessOfDeliveryOrder(t *testing.T) {
	a := NewDocument("replica-a")
	b := NewDocument("replica-b")

	a.ApplyLocalEntry("entry-1", []byte("a1"))
	a.ApplyLocalEntry("entry-2", []byte("a2"))
	b.ApplyLocalEntry("entry-3", []byte("b1"))

	snapA, err := a.ExportSnapshot()
	if err != nil {
		t.Fatalf("export a: %v", err)
	}
	snapB, err := b.ExportSnapshot()
	if err != nil {
		t.Fatalf("export b: %v", err)
	}

	// Deliver in one order to a fresh replica...
	orderXY := NewDocument("observer-1")
	if err := orderXY.Import(snapA); err != nil {
		t.Fatalf("import a into xy: %v", err)
	}
	if err := orderXY.Import(snapB); err != nil {
		t.Fatalf("import b into xy: %v", err)
	}

	// ...and the reverse order to another.
	orderYX := NewDocument("observer-2")
	if err := orderYX.Import(snapB); err != nil {
		t.Fatalf("import b into yx: %v", err)
	}
	if err := orderYX.Import(snapA); err != nil {
		t.Fatalf("import a into yx: %v", err)
	}

	if len(orderXY.Entries()) != 3 || len(orderYX.Entries()) != 3 {
		t.Fatalf("expected 3 entries in both orders, got %d and %d", len(orderXY.Entries()), len(orderYX.Entries()))
	}

	for _, id := range []string{"entry-1", "entry-2", "entry-3"} {
		rowXY, okXY := orderXY.Entry(id)
		rowYX, okYX := orderYX.Entry(id)
		if !okXY || !okYX {
			t.Fatalf("entry %s missing from one ordering", id)
		}
		if string(rowXY.Data) != string(rowYX.Data) {
			t.Fatalf("entry %s diverged: %q vs %q", id, rowXY.Data, rowYX.Data)
		}
	}
}

func TestImportIsIdempotent(t *testing.T) {
	a := NewDocument("replica-a")
	a.ApplyLocalEntry("entry-1", []byte("hello"))
	snap, err := a.ExportSnapshot()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	observer := NewDocument("observer")
	for i := 0; i < 3; i++ {
		if err := observer.Import(snap); err != nil {
			t.Fatalf("import %d: %v", i, err)
		}
	}

	if len(observer.Entries()) != 1 {
		t.Fatalf("expected exactly 1 entry after repeated import, got %d", len(observer.Entries()))
	}
}

func TestExportFromOnlyShipsNewerRows(t *testing.T) {
	a := NewDocument("replica-a")
	a.ApplyLocalEntry("entry-1", []byte("v1"))

	observer := NewDocument("observer")
	snap, _ := a.ExportSnapshot()
	if err := observer.Import(snap); err != nil {
		t.Fatalf("initial import: %v", err)
	}

	knownVersion := observer.Version()

	a.ApplyLocalEntry("entry-2", []byte("v2"))

	delta, err := a.ExportFrom(knownVersion)
	if err != nil {
		t.Fatalf("export from: %v", err)
	}

	if err := observer.Import(delta); err != nil {
		t.Fatalf("import delta: %v", err)
	}

	if len(observer.Entries()) != 2 {
		t.Fatalf("expected 2 entries after delta import, got %d", len(observer.Entries()))
	}
}

func TestPreferencesLastWriterWins(t *testing.T) {
	a := NewDocument("replica-a")
	b := NewDocument("replica-b")

	a.SetPreference("member-1", []byte("venmo"))
	b.SetPreference("member-1", []byte("paypal"))

	snapA, _ := a.ExportSnapshot()
	snapB, _ := b.ExportSnapshot()

	observer := NewDocument("observer")
	if err := observer.Import(snapA); err != nil {
		t.Fatalf("import a: %v", err)
	}
	if err := observer.Import(snapB); err != nil {
		t.Fatalf("import b: %v", err)
	}

	pref, ok := observer.Preference("member-1")
	if !ok {
		t.Fatalf("expected a preference for member-1")
	}
	// Both wrote at logical time 1; replica-b > replica-a breaks the tie.
	if string(pref.Data) != "paypal" {
		t.Fatalf("expected paypal to win tie-break, got %q", pref.Data)
	}
}
