package kref

import (
	"path/filepath"
	"testing"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.bunt"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestImportExportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	defer txn.Rollback()

	vatA := ids.VatID("v1")
	vatB := ids.VatID("v2")

	// vatA exports a fresh object.
	kref, err := ImportFromVat(txn, vatA, "o+1")
	if err != nil {
		t.Fatalf("ImportFromVat: %v", err)
	}

	// vatB imports it for the first time.
	vrB, err := ExportToVat(txn, vatB, kref)
	if err != nil {
		t.Fatalf("ExportToVat: %v", err)
	}
	if !vrB.IsImport() {
		t.Fatalf("expected importer to see an o- ref, got %s", vrB)
	}

	// vatA sees its own object as o+1 always, never o-.
	vrA, err := ExportToVat(txn, vatA, kref)
	if err != nil {
		t.Fatalf("ExportToVat owner: %v", err)
	}
	if vrA != "o+1" {
		t.Fatalf("owner should see its own export unchanged, got %s", vrA)
	}

	rec, _, err := txn.GetObject(ids.KernelObject(kref))
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if rec.Reachable != 1 || rec.Recognizable != 1 {
		t.Fatalf("unexpected refcounts after one importer: %+v", rec)
	}
}

func TestSameKrefTwiceStable(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	defer txn.Rollback()

	vatA := ids.VatID("v1")
	vatB := ids.VatID("v2")
	kref, err := ImportFromVat(txn, vatA, "o+1")
	if err != nil {
		t.Fatalf("ImportFromVat: %v", err)
	}

	cd := capdata.CapData{Slots: []capdata.Slot{{Kind: capdata.SlotObject, Ref: string(kref)}, {Kind: capdata.SlotObject, Ref: string(kref)}}}
	out, err := TranslateMessage(txn, vatB, ToVat, cd)
	if err != nil {
		t.Fatalf("TranslateMessage: %v", err)
	}
	if out.Slots[0].Ref != out.Slots[1].Ref {
		t.Fatalf("same kref translated to different vat refs: %v", out.Slots)
	}
}

func TestBadRefOnUnknownImport(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	defer txn.Rollback()

	if _, err := ImportFromVat(txn, "v1", "o-99"); err == nil {
		t.Fatalf("expected BadRef for unknown import")
	}
}

func TestRetiredObjectBecomesBroken(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	defer txn.Rollback()

	if err := txn.PutObject(&store.KernelObjectRecord{KO: "ko1", Owner: "", Reachable: 0, Recognizable: 0}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	vr, err := ExportToVat(txn, "v2", "ko1")
	if err != nil {
		t.Fatalf("ExportToVat: %v", err)
	}
	if vr != BrokenMarker {
		t.Fatalf("expected broken marker for retired object, got %s", vr)
	}
}
