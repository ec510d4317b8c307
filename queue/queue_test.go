package queue

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

func TestSendToUnresolvedPromiseRedirects(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	defer txn.Rollback()

	kp := ids.KernelPromise("kp1")
	if err := txn.PutPromise(&store.KernelPromiseRecord{KP: kp, State: store.Unresolved, Decider: "v1"}); err != nil {
		t.Fatalf("PutPromise: %v", err)
	}

	if err := EnqueueSend(txn, ids.Kref(kp), "foo", capdata.CapData{}, ""); err != nil {
		t.Fatalf("EnqueueSend: %v", err)
	}

	depth, err := Depth(txn)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected redirected send to bypass the run queue, got depth %d", depth)
	}

	rec, _, err := txn.GetPromise(kp)
	if err != nil {
		t.Fatalf("GetPromise: %v", err)
	}
	if len(rec.Pending) != 1 || rec.Pending[0].Method != "foo" {
		t.Fatalf("expected send queued on promise, got %+v", rec.Pending)
	}
}

func TestSendToObjectUsesRunQueue(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	defer txn.Rollback()

	if err := EnqueueSend(txn, ids.Kref("ko1"), "bar", capdata.CapData{}, ""); err != nil {
		t.Fatalf("EnqueueSend: %v", err)
	}
	depth, err := Depth(txn)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected object send on run queue, got depth %d", depth)
	}
}

func TestSpliceResolutionRetargets(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	defer txn.Rollback()

	txn.Enqueue(&store.RunQueueEntry{Kind: store.EntrySend, Method: "already-queued"})

	pending := []store.QueuedMessage{{Target: ids.Kref("kp1"), Method: "resolved-call"}}
	if err := SpliceResolution(txn, pending, ids.Kref("ko9")); err != nil {
		t.Fatalf("SpliceResolution: %v", err)
	}

	e, ok, err := Pop(txn)
	if err != nil || !ok {
		t.Fatalf("Pop: ok=%v err=%v", ok, err)
	}
	if e.Method != "resolved-call" || e.Target != ids.Kref("ko9") {
		t.Fatalf("expected spliced, retargeted entry first, got %+v", e)
	}
}

func TestEnqueueSendUnknownPromiseIsBadRef(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	defer txn.Rollback()

	if err := EnqueueSend(txn, ids.Kref("kp99"), "m", capdata.CapData{}, ""); err == nil {
		t.Fatalf("expected BadRef for send to unknown promise")
	}
}
