package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ocapkernel/kernel/ids"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.bunt"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestObjectRoundTrip(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	rec := &KernelObjectRecord{KO: "ko1", Owner: "v1", Reachable: 1, Recognizable: 1}
	if err := txn.PutObject(rec); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn2 := s.Begin()
	got, found, err := txn2.GetObject("ko1")
	if err != nil || !found {
		t.Fatalf("GetObject: found=%v err=%v", found, err)
	}
	if got.Owner != "v1" || got.Reachable != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}
	txn2.Rollback()
}

func TestRefcountInvariantRejected(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	defer txn.Rollback()
	rec := &KernelObjectRecord{KO: "ko1", Owner: "v1", Reachable: 5, Recognizable: 1}
	if err := txn.PutObject(rec); err == nil {
		t.Fatalf("expected refcount invariant violation to be rejected")
	}
}

func TestRunQueueFIFO(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	for i := 0; i < 3; i++ {
		txn.Enqueue(&RunQueueEntry{Kind: EntrySend, Target: ids.Kref("ko1"), Method: "m"})
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn2 := s.Begin()
	defer txn2.Rollback()
	var seqs []int64
	for i := 0; i < 3; i++ {
		e, ok, err := txn2.Pop()
		if err != nil || !ok {
			t.Fatalf("Pop %d: ok=%v err=%v", i, ok, err)
		}
		seqs = append(seqs, e.Seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("run queue not FIFO: %v", seqs)
		}
	}
}

func TestSpliceAtHead(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	txn.Enqueue(&RunQueueEntry{Kind: EntrySend, Method: "later"})
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn2 := s.Begin()
	if err := txn2.SpliceAtHead([]*RunQueueEntry{{Kind: EntryNotify, Method: "first"}}); err != nil {
		t.Fatalf("SpliceAtHead: %v", err)
	}
	if err := txn2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn3 := s.Begin()
	defer txn3.Rollback()
	e, ok, err := txn3.Pop()
	if err != nil || !ok {
		t.Fatalf("Pop: ok=%v err=%v", ok, err)
	}
	if e.Method != "first" {
		t.Fatalf("expected spliced entry first, got %q", e.Method)
	}
}

func TestCounterSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.bunt")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	txn := s.Begin()
	first := txn.NextID("ko")
	second := txn.NextID("ko")
	if second != first+1 {
		t.Fatalf("expected sequential ids, got %d then %d", first, second)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	txn2 := s2.Begin()
	defer txn2.Rollback()
	third := txn2.NextID("ko")
	if third != second+1 {
		t.Fatalf("counter did not survive restart: got %d want %d", third, second+1)
	}
}

func TestCommitAtomicRollback(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	rec := &KernelObjectRecord{KO: "ko1", Owner: "v1", Reachable: 1, Recognizable: 1}
	_ = txn.PutObject(rec)
	txn.Rollback()

	txn2 := s.Begin()
	defer txn2.Rollback()
	_, found, err := txn2.GetObject("ko1")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if found {
		t.Fatalf("rolled-back write should not be visible")
	}
}

func TestBlobDedup(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	defer txn.Rollback()

	body := make([]byte, 1024)
	for i := range body {
		body[i] = byte(i)
	}
	k1, err := txn.PutBlob(body)
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	k2, err := txn.PutBlob(body)
	if err != nil {
		t.Fatalf("PutBlob 2: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected identical content hash, got %s vs %s", k1, k2)
	}
	got, err := txn.GetBlob(k1)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if len(got) != len(body) {
		t.Fatalf("blob round-trip length mismatch: got %d want %d", len(got), len(body))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	rec := &KernelObjectRecord{KO: "ko1", Owner: "v1", Reachable: 1, Recognizable: 2}
	_ = txn.PutObject(rec)
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	dir := t.TempDir()
	if err := s.Snapshot(dir, 2, 1); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// simulate one shard lost
	entries, _ := os.ReadDir(dir)
	if len(entries) > 0 {
		os.Remove(filepath.Join(dir, entries[0].Name()))
	}

	dump, err := LoadSnapshot(dir, 2, 1)
	if err != nil {
		t.Fatalf("LoadSnapshot after losing one shard: %v", err)
	}
	if _, ok := dump[objKey("ko1")]; !ok {
		t.Fatalf("snapshot missing expected key")
	}
}
