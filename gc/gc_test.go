package gc

import (
	"path/filepath"
	"testing"

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

func TestDropImportCoalescesAndFlushes(t *testing.T) {
	s := newTestStore(t)
	c := New()

	txn := s.Begin()
	owner := ids.VatID("owner")
	importer := ids.VatID("importer")
	ko := ids.KernelObject("ko1")

	if err := txn.PutObject(&store.KernelObjectRecord{KO: ko, Owner: owner, Reachable: 1, Recognizable: 1}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	txn.PutCList(&store.CListEntry{Vat: importer, VatRef: "o-1", Kref: ids.Kref(ko), Reachable: true})

	if err := c.DropImport(txn, importer, ko); err != nil {
		t.Fatalf("DropImport: %v", err)
	}
	rec, _, err := txn.GetObject(ko)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if rec.Reachable != 0 {
		t.Fatalf("expected reachable count to drop to zero, got %d", rec.Reachable)
	}

	if err := c.FlushPending(txn, owner); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	e, ok, err := txn.Pop()
	if err != nil || !ok {
		t.Fatalf("expected a flushed gc-drop entry, ok=%v err=%v", ok, err)
	}
	if e.Kind != store.EntryGCDrop || len(e.Objects) != 1 || e.Objects[0] != ko {
		t.Fatalf("unexpected flushed entry: %+v", e)
	}
	txn.Rollback()
}

func TestRetireImportRetiresAtZeroRecognizable(t *testing.T) {
	s := newTestStore(t)
	c := New()

	txn := s.Begin()
	owner := ids.VatID("owner")
	importer := ids.VatID("importer")
	ko := ids.KernelObject("ko1")

	if err := txn.PutObject(&store.KernelObjectRecord{KO: ko, Owner: owner, Reachable: 1, Recognizable: 1}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	txn.PutCList(&store.CListEntry{Vat: importer, VatRef: "o-1", Kref: ids.Kref(ko), Reachable: true})

	if err := c.RetireImport(txn, importer, ko); err != nil {
		t.Fatalf("RetireImport: %v", err)
	}
	rec, _, err := txn.GetObject(ko)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if !rec.Retired() {
		t.Fatalf("expected object retired once recognizable hits zero, got %+v", rec)
	}
	if !c.MaybeRetired(ko) {
		t.Fatalf("expected retired-set filter to record the retirement")
	}
	txn.Rollback()
}

func TestRetireExportsNotifiesImporters(t *testing.T) {
	s := newTestStore(t)
	c := New()

	txn := s.Begin()
	owner := ids.VatID("owner")
	importer := ids.VatID("importer")
	ko := ids.KernelObject("ko1")

	if err := txn.PutObject(&store.KernelObjectRecord{KO: ko, Owner: owner, Reachable: 1, Recognizable: 1}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	txn.PutCList(&store.CListEntry{Vat: importer, VatRef: "o-1", Kref: ids.Kref(ko), Reachable: true})

	if err := c.RetireExports(txn, owner, []ids.KernelObject{ko}); err != nil {
		t.Fatalf("RetireExports: %v", err)
	}
	if err := c.FlushPending(txn, importer); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	e, ok, err := txn.Pop()
	if err != nil || !ok {
		t.Fatalf("expected dispatchRetired delivery to importer, ok=%v err=%v", ok, err)
	}
	if e.Kind != store.EntryGCRetire || e.Objects[0] != ko {
		t.Fatalf("unexpected entry: %+v", e)
	}
	txn.Rollback()
}
