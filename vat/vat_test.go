package vat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

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

type fakeWorker struct {
	delay time.Duration
	err   error
	panic bool
}

func (f *fakeWorker) Deliver(ctx context.Context, d Delivery) ([]Syscall, error) {
	if f.panic {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return []Syscall{{Kind: SyscallExit, Reason: "done"}}, nil
}

func TestDeliverHappyPath(t *testing.T) {
	m := NewManager(time.Second)
	m.Register("v1", &store.VatConfigRecord{ID: "v1"}, &fakeWorker{})
	sc, err := m.Deliver(context.Background(), "v1", Delivery{Kind: DeliverStartVat})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(sc) != 1 || sc[0].Kind != SyscallExit {
		t.Fatalf("unexpected syscalls: %+v", sc)
	}
}

func TestDeliverRejectsConcurrent(t *testing.T) {
	m := NewManager(time.Second)
	release := make(chan struct{})
	m.Register("v1", &store.VatConfigRecord{ID: "v1"}, workerFunc(func(ctx context.Context, d Delivery) ([]Syscall, error) {
		<-release
		return nil, nil
	}))
	go m.Deliver(context.Background(), "v1", Delivery{})
	time.Sleep(20 * time.Millisecond)
	if !m.IsBusy("v1") {
		t.Fatalf("expected vat to be busy mid-delivery")
	}
	_, err := m.Deliver(context.Background(), "v1", Delivery{})
	if err == nil {
		t.Fatalf("expected concurrent delivery to be rejected")
	}
	close(release)
}

func TestDeliverTimeout(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	m.Register("v1", &store.VatConfigRecord{ID: "v1"}, &fakeWorker{delay: time.Second})
	_, err := m.Deliver(context.Background(), "v1", Delivery{})
	if err == nil {
		t.Fatalf("expected dispatch timeout")
	}
}

func TestDeliverPanicBecomesError(t *testing.T) {
	m := NewManager(time.Second)
	m.Register("v1", &store.VatConfigRecord{ID: "v1"}, &fakeWorker{panic: true})
	_, err := m.Deliver(context.Background(), "v1", Delivery{})
	if err == nil {
		t.Fatalf("expected panic to surface as an error")
	}
}

func TestTerminateRejectsDeciderPromises(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(time.Second)
	m.Register("v1", &store.VatConfigRecord{ID: "v1"}, &fakeWorker{})

	txn := s.Begin()
	defer txn.Rollback()
	if err := txn.PutPromise(&store.KernelPromiseRecord{KP: "kp1", State: store.Unresolved, Decider: "v1"}); err != nil {
		t.Fatalf("PutPromise: %v", err)
	}
	if err := Terminate(txn, m, "v1", nil); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	rec, _, err := txn.GetPromise("kp1")
	if err != nil {
		t.Fatalf("GetPromise: %v", err)
	}
	if rec.State != store.Rejected {
		t.Fatalf("expected decider promise rejected, got %+v", rec)
	}
	if !m.IsTerminated("v1") {
		t.Fatalf("expected vat marked terminated")
	}
}

type workerFunc func(context.Context, Delivery) ([]Syscall, error)

func (f workerFunc) Deliver(ctx context.Context, d Delivery) ([]Syscall, error) { return f(ctx, d) }
