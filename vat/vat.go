// Package vat implements the VatManager (spec.md §4.5): per-vat lifecycle
// and the one-delivery-in-flight dispatch discipline.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package vat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/klog"
	"github.com/ocapkernel/kernel/store"
)

// DeliveryKind tags the seven delivery shapes a vat can receive (spec.md
// §6.3 "Deliveries (kernel -> vat)").
type DeliveryKind string

const (
	DeliverMessage          DeliveryKind = "message"
	DeliverNotify           DeliveryKind = "notify"
	DeliverDropImports      DeliveryKind = "dropImports"
	DeliverRetireImports    DeliveryKind = "retireImports"
	DeliverRetireExports    DeliveryKind = "retireExports"
	DeliverBringOutYourDead DeliveryKind = "bringOutYourDead"
	DeliverStartVat         DeliveryKind = "startVat"
)

// Delivery is one already-translated payload addressed to a specific vat.
type Delivery struct {
	Kind       DeliveryKind
	Target     ids.VatRef // message
	Method     string     // message
	Args       capdata.CapData
	Result     ids.VatRef       // message, optional
	Promise    ids.VatRef       // notify
	ResolveOK  bool             // notify: true=fulfill, false=reject
	Resolution capdata.CapData  // notify
	Refs       []ids.VatRef     // dropImports/retireImports/retireExports
	Params     capdata.CapData  // startVat
}

// SyscallKind tags the ten syscall shapes a vat may reply with (spec.md
// §6.3 "Syscalls (vat -> kernel, in reply)").
type SyscallKind string

const (
	SyscallSend          SyscallKind = "send"
	SyscallSubscribe     SyscallKind = "subscribe"
	SyscallResolve       SyscallKind = "resolve"
	SyscallExit          SyscallKind = "exit"
	SyscallDropImports   SyscallKind = "dropImports"
	SyscallRetireImports SyscallKind = "retireImports"
	SyscallRetireExports SyscallKind = "retireExports"
	SyscallVatstoreGet    SyscallKind = "vatstoreGet"
	SyscallVatstoreSet    SyscallKind = "vatstoreSet"
	SyscallVatstoreDelete SyscallKind = "vatstoreDelete"
)

// Resolution is one entry of a resolve{} syscall's batch.
type Resolution struct {
	Promise ids.VatRef
	OK      bool
	Value   capdata.CapData
}

// Syscall is one item a vat's Deliver reply is made of.
type Syscall struct {
	Kind        SyscallKind
	Target      ids.VatRef // send
	Method      string     // send
	Args        capdata.CapData
	Result      ids.VatRef // send, optional
	Subscribe   ids.VatRef // subscribe
	Resolutions []Resolution
	Reason      string       // exit
	Refs        []ids.VatRef // dropImports/retireImports/retireExports
	Key, Value  string       // vatstoreGet/Set
}

// Worker is the host program's handle on a live vat — an in-process
// simulator, a subprocess, or (via the comms package) a remote peer.
// Deliver must return promptly once ctx is done.
type Worker interface {
	Deliver(ctx context.Context, d Delivery) ([]Syscall, error)
}

type vatEntry struct {
	mu         sync.Mutex
	busy       bool
	terminated bool
	worker     Worker
	cfg        *store.VatConfigRecord
}

// Manager is the VatManager: one vatEntry per live vat, each serialized by
// its own mutex so at most one delivery is ever in flight per vat (spec.md
// §4.5 invariant), following the teacher's per-resource busy-channel
// pattern from xact/xs/tcobjs.go (there: one in-flight copy task per
// bucket; here: one in-flight delivery per vat).
type Manager struct {
	mu              sync.RWMutex
	vats            map[ids.VatID]*vatEntry
	dispatchTimeout time.Duration
}

// NewManager creates a VatManager whose deliveries are bounded by timeout
// (spec.md §4.5 "Dispatch timeout is enforced with context.Context
// deadlines").
func NewManager(timeout time.Duration) *Manager {
	return &Manager{vats: make(map[ids.VatID]*vatEntry), dispatchTimeout: timeout}
}

// Register installs worker as the live handle for vat, per cfg. Replaces
// any prior registration for the same id (used by restartVat).
func (m *Manager) Register(vat ids.VatID, cfg *store.VatConfigRecord, worker Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vats[vat] = &vatEntry{worker: worker, cfg: cfg}
}

// Unregister drops vat's runtime entry entirely, used to unwind a failed
// subcluster launch before anything was committed to the store.
func (m *Manager) Unregister(vat ids.VatID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vats, vat)
}

// IsBusy reports whether vat currently has a delivery in flight. Used by
// the crank scheduler's Dispatching state to decide whether to re-queue at
// head and yield (spec.md §4.6 state 2).
func (m *Manager) IsBusy(vat ids.VatID) bool {
	e := m.lookup(vat)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// IsTerminated reports whether vat has been terminated (or was never
// registered, which counts as terminated for dispatch purposes).
func (m *Manager) IsTerminated(vat ids.VatID) bool {
	e := m.lookup(vat)
	if e == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

func (m *Manager) lookup(vat ids.VatID) *vatEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vats[vat]
}

// Deliver dispatches d to vat, enforcing the single-in-flight invariant and
// the dispatch timeout. A panic inside the worker is reported as a
// VatDispatchFailed error, a timeout as a Timeout error, and an error the
// worker returns is passed through unchanged; the caller (crank) decides whether that is fatal to the vat based on its
// restart policy (spec.md §4.5 "Failure handling").
func (m *Manager) Deliver(ctx context.Context, vat ids.VatID, d Delivery) (syscalls []Syscall, err error) {
	e := m.lookup(vat)
	if e == nil {
		return nil, kerr.NewVatTerminated("vat %s is not registered", vat)
	}
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return nil, kerr.NewVatTerminated("vat %s has been terminated", vat)
	}
	if e.busy {
		e.mu.Unlock()
		return nil, kerr.NewVatDispatchFailed(nil, "vat %s already has a delivery in flight", vat)
	}
	e.busy = true
	worker := e.worker
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.busy = false
		e.mu.Unlock()
	}()

	dctx := ctx
	var cancel context.CancelFunc
	if m.dispatchTimeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, m.dispatchTimeout)
		defer cancel()
	}

	type result struct {
		sc  []Syscall
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: kerr.NewVatDispatchFailed(fmt.Errorf("%v", r), "vat %s panicked", vat)}
			}
		}()
		sc, derr := worker.Deliver(dctx, d)
		done <- result{sc: sc, err: derr}
	}()

	select {
	case r := <-done:
		return r.sc, r.err
	case <-dctx.Done():
		return nil, kerr.NewTimeout("vat %s dispatch timed out", vat)
	}
}

// Terminate marks vat terminated, rejects every outstanding decider promise
// it held with VatTerminated, retires every object it still owns, and
// deletes its persisted config (spec.md §4.5 invariant). Terminal: the vat
// is gone for good.
//
// retireOwned is the caller's hook for retiring the vat's owned objects
// (typically gc.Collector.RetireExports); kept as a callback here so this
// package does not need to import gc.
func Terminate(txn *store.Txn, m *Manager, vat ids.VatID, retireOwned func(*store.Txn, ids.VatID, []ids.KernelObject) error) error {
	nObjs, nProms, err := terminationCascade(txn, m, vat, retireOwned)
	if err != nil {
		return err
	}
	txn.DeleteVatConfig(vat)
	klog.Infoln("vat", vat, "terminated;", nObjs, "object(s) retired,", nProms, "promise(s) rejected")
	return nil
}

// Factory builds a fresh Worker for a vat being restarted, from its
// persisted config.
type Factory func(*store.VatConfigRecord) (Worker, error)

// Restart implements VatManager's restartVat(vat) (spec.md §4.5): applies
// the same rejection/retirement cascade as Terminate, but keeps the vat's
// persisted config and immediately re-registers a fresh worker for it
// built by factory, so the vat identity survives — unlike Terminate, this
// is not the end of the vat, just the end of everything it was holding.
func Restart(txn *store.Txn, m *Manager, vat ids.VatID, retireOwned func(*store.Txn, ids.VatID, []ids.KernelObject) error, factory Factory) error {
	e := m.lookup(vat)
	var cfg *store.VatConfigRecord
	if e != nil {
		e.mu.Lock()
		cfg = e.cfg
		e.mu.Unlock()
	}
	if cfg == nil {
		var found bool
		var err error
		cfg, found, err = txn.GetVatConfig(vat)
		if err != nil {
			return err
		}
		if !found {
			return kerr.NewNotFound("restarting vat %s: no persisted config", vat)
		}
	}

	nObjs, nProms, err := terminationCascade(txn, m, vat, retireOwned)
	if err != nil {
		return err
	}

	worker, err := factory(cfg)
	if err != nil {
		return kerr.Wrap(err, "restarting vat "+string(vat))
	}
	m.Register(vat, cfg, worker)

	klog.Infoln("vat", vat, "restarted;", nObjs, "object(s) retired,", nProms, "promise(s) rejected")
	return nil
}

// terminationCascade marks vat terminated, retires everything it owned and
// rejects every promise it was deciding; shared by Terminate (final) and
// Restart (followed by re-registering a fresh worker).
func terminationCascade(txn *store.Txn, m *Manager, vat ids.VatID, retireOwned func(*store.Txn, ids.VatID, []ids.KernelObject) error) (nObjs, nProms int, err error) {
	e := m.lookup(vat)
	if e != nil {
		e.mu.Lock()
		e.terminated = true
		e.mu.Unlock()
	}

	objs, err := txn.ScanObjects()
	if err != nil {
		return 0, 0, err
	}
	var owned []ids.KernelObject
	for _, o := range objs {
		if o.Owner == vat {
			owned = append(owned, o.KO)
		}
	}
	if len(owned) > 0 && retireOwned != nil {
		if err := retireOwned(txn, vat, owned); err != nil {
			return 0, 0, err
		}
	}

	proms, err := scanDeciderPromises(txn, vat)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range proms {
		p.State = store.Rejected
		p.RejectReason = fmt.Sprintf("vat %s terminated", vat)
		p.Kind = kerr.VatTerminated
		if err := txn.PutPromise(p); err != nil {
			return 0, 0, err
		}
	}

	return len(owned), len(proms), nil
}

// scanDeciderPromises finds every unresolved promise whose decider is vat.
func scanDeciderPromises(txn *store.Txn, vat ids.VatID) ([]*store.KernelPromiseRecord, error) {
	all, err := txn.ScanAllPromises()
	if err != nil {
		return nil, err
	}
	var out []*store.KernelPromiseRecord
	for _, p := range all {
		if p.State == store.Unresolved && p.Decider == vat {
			out = append(out, p)
		}
	}
	return out, nil
}
