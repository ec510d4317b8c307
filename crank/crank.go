// Package crank implements the Crank scheduler (spec.md §4.6): the
// single-threaded run loop that pops the run queue, delivers to a vat,
// applies the resulting syscalls, and commits — one atomic store
// transaction per crank.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package crank

import (
	"context"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/gc"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/klog"
	"github.com/ocapkernel/kernel/kref"
	"github.com/ocapkernel/kernel/queue"
	"github.com/ocapkernel/kernel/store"
	"github.com/ocapkernel/kernel/vat"
)

// Stats receives crank outcome counters; the kernel wires in
// stats.Recorder, tests can pass nil.
type Stats interface {
	CrankCommitted()
	CrankFailed()
	DeliveryDispatched()
}

// Scheduler drives the run loop described in spec.md §4.6.
type Scheduler struct {
	Store *store.Store
	Vats  *vat.Manager
	GC    *gc.Collector
	Stats Stats

	// Restart builds a fresh worker for a vat whose config opts into
	// restart-on-error (spec.md §4.5 "unless the config opts into
	// restart"). Nil means restart is unavailable and every vat error
	// falls back to termination regardless of RestartPolicy.
	Restart vat.Factory
}

func New(st *store.Store, vats *vat.Manager, g *gc.Collector, stats Stats) *Scheduler {
	return &Scheduler{Store: st, Vats: vats, GC: g, Stats: stats}
}

func (s *Scheduler) stat(f func(Stats)) {
	if s.Stats != nil {
		f(s.Stats)
	}
}

// RunOnce executes at most one crank iteration (spec.md §4.6 states 1-6).
// ranAny is false when the run queue was empty (Idle -> Quiescent) or the
// head entry's target vat was busy (Dispatching re-queues and yields).
func (s *Scheduler) RunOnce(ctx context.Context) (ranAny bool, err error) {
	// Idle: pop the head; if its target vat turns out busy, it is re-queued
	// at the head below.
	txn := s.Store.Begin()
	entry, ok, err := txn.Pop()
	if err != nil {
		txn.Rollback()
		return false, err
	}
	if !ok {
		txn.Rollback()
		return false, nil // Quiescent
	}

	vatID := targetVat(entry)
	if vatID != "" && s.Vats.IsBusy(vatID) {
		// Dispatching: target vat busy -> re-queue at head and yield.
		if err := txn.Requeue(entry); err != nil {
			txn.Rollback()
			return false, err
		}
		if err := txn.Commit(); err != nil {
			return false, s.fatal(err)
		}
		return false, nil
	}

	if err := s.deliverAndApply(ctx, txn, entry); err != nil {
		if kerr.Fatal(err) {
			return false, s.fatal(err)
		}
		// Recoverable: the delivery/applying error was already handled
		// (result promise rejected, vat terminated as appropriate) inside
		// deliverAndApply, which rolls back its own working txn and commits
		// a small fix-up txn itself. Nothing further to do here.
		s.stat(Stats.CrankFailed)
		return true, nil
	}
	s.stat(Stats.CrankCommitted)
	return true, nil
}

func targetVat(e *store.RunQueueEntry) ids.VatID {
	if e.Vat != "" {
		return e.Vat
	}
	return ""
}

// deliverAndApply runs states Delivering/Applying/Committing for one run
// queue entry already popped from txn. On any recoverable failure it rolls
// back txn and performs the appropriate fix-up (reject a result promise,
// terminate a vat) in a fresh transaction of its own, per spec.md §4.6
// "Failure semantics".
func (s *Scheduler) deliverAndApply(ctx context.Context, txn *store.Txn, entry *store.RunQueueEntry) error {
	vatID, delivery, resultKP, translateErr := s.translateDelivery(txn, entry)
	if translateErr != nil {
		txn.Rollback()
		return s.rejectResult(resultKP, translateErr)
	}
	if vatID == "" {
		// Nothing to deliver (e.g. a send whose target resolved away to
		// nothing actionable); just commit whatever bookkeeping translation
		// already staged.
		if err := txn.Commit(); err != nil {
			return err
		}
		return nil
	}

	s.stat(Stats.DeliveryDispatched)
	syscalls, derr := s.Vats.Deliver(ctx, vatID, delivery)
	if derr != nil {
		txn.Rollback()
		return s.handleVatError(vatID, resultKP, derr)
	}

	if err := s.applySyscalls(txn, vatID, syscalls); err != nil {
		txn.Rollback()
		return s.rejectResult(resultKP, err)
	}

	if err := s.GC.FlushAllPending(txn); err != nil {
		txn.Rollback()
		return err
	}

	if err := txn.Commit(); err != nil {
		return err // fatal: caller checks kerr.Fatal
	}
	return nil
}

// translateDelivery converts a kernel-ref run queue entry into a
// vat-ref Delivery, returning the destination vat, the delivery itself, and
// (for sends) the result promise so a translation failure can reject it.
func (s *Scheduler) translateDelivery(txn *store.Txn, entry *store.RunQueueEntry) (ids.VatID, vat.Delivery, ids.KernelPromise, error) {
	switch entry.Kind {
	case store.EntrySend:
		if err := kref.CheckTarget(txn, entry.Target); err != nil {
			return "", vat.Delivery{}, entry.Result, err
		}
		vatID, vr, err := s.resolveOwner(txn, entry.Target)
		if err != nil {
			return "", vat.Delivery{}, entry.Result, err
		}
		args, err := kref.TranslateMessage(txn, vatID, kref.ToVat, entry.Args)
		if err != nil {
			return "", vat.Delivery{}, entry.Result, err
		}
		var resultVR ids.VatRef
		if entry.Result != "" {
			resultVR, err = kref.ExportToVat(txn, vatID, ids.Kref(entry.Result))
			if err != nil {
				return "", vat.Delivery{}, entry.Result, err
			}
			if err := s.transferDecider(txn, entry.Result, vatID); err != nil {
				return "", vat.Delivery{}, entry.Result, err
			}
		}
		return vatID, vat.Delivery{Kind: vat.DeliverMessage, Target: vr, Method: entry.Method, Args: args, Result: resultVR}, entry.Result, nil

	case store.EntryNotify:
		rec, found, err := txn.GetPromise(entry.KP)
		if err != nil {
			return "", vat.Delivery{}, "", err
		}
		if !found {
			return "", vat.Delivery{}, "", kerr.NewBadRef("unknown promise %q in notify", entry.KP)
		}
		pr, err := kref.ExportToVat(txn, entry.Vat, ids.Kref(entry.KP))
		if err != nil {
			return "", vat.Delivery{}, "", err
		}
		value, err := kref.TranslateMessage(txn, entry.Vat, kref.ToVat, rec.Resolution)
		if err != nil {
			return "", vat.Delivery{}, "", err
		}
		return entry.Vat, vat.Delivery{Kind: vat.DeliverNotify, Promise: pr, ResolveOK: rec.State == store.Fulfilled, Resolution: value}, "", nil

	case store.EntryGCDrop, store.EntryGCRetire:
		refs := make([]ids.VatRef, 0, len(entry.Objects))
		for _, ko := range entry.Objects {
			vr, err := kref.ExportToVat(txn, entry.Vat, ids.Kref(ko))
			if err != nil {
				return "", vat.Delivery{}, "", err
			}
			refs = append(refs, vr)
		}
		kind := vat.DeliverDropImports
		if entry.Kind == store.EntryGCRetire {
			kind = vat.DeliverRetireImports
		}
		return entry.Vat, vat.Delivery{Kind: kind, Refs: refs}, "", nil

	case store.EntryBringOutYourDead:
		return entry.Vat, vat.Delivery{Kind: vat.DeliverBringOutYourDead}, "", nil
	}
	return "", vat.Delivery{}, "", kerr.NewBadSyscall("unknown run queue entry kind %q", entry.Kind)
}

// resolveOwner finds the vat that should receive a send to target: the
// owner for an object, the decider for a promise (spec.md §3.2/§3.3).
func (s *Scheduler) resolveOwner(txn *store.Txn, target ids.Kref) (ids.VatID, ids.VatRef, error) {
	if target.IsObject() {
		rec, found, err := txn.GetObject(ids.KernelObject(target))
		if err != nil {
			return "", "", err
		}
		if !found {
			return "", "", kerr.NewBadRef("unknown kernel object %q", target)
		}
		vr, err := kref.ExportToVat(txn, rec.Owner, target)
		return rec.Owner, vr, err
	}
	rec, found, err := txn.GetPromise(ids.KernelPromise(target))
	if err != nil {
		return "", "", err
	}
	if !found {
		return "", "", kerr.NewBadRef("unknown kernel promise %q", target)
	}
	vr, err := kref.ExportToVat(txn, rec.Decider, target)
	return rec.Decider, vr, err
}

// transferDecider hands resolution authority for a freshly exported result
// promise to the vat actually receiving the delivery. A call's result
// promise is minted by the sender but it is the callee who eventually
// resolves it, so decider authority must move at delivery time rather than
// staying with whoever happened to create the promise.
func (s *Scheduler) transferDecider(txn *store.Txn, result ids.Kref, vatID ids.VatID) error {
	kp := ids.KernelPromise(result)
	rec, found, err := txn.GetPromise(kp)
	if err != nil {
		return err
	}
	if !found {
		return kerr.NewBadRef("unknown kernel promise %q", kp)
	}
	if rec.State != store.Unresolved || rec.Decider == vatID {
		return nil
	}
	rec.Decider = vatID
	return txn.PutPromise(rec)
}

// applySyscalls applies vat's reply to a delivery, in emission order, as
// one atomic batch (spec.md §4.6 state 4). An invalid syscall fails the
// whole batch (returns an error, which the caller treats as a crank
// failure, not a kernel-fatal one).
func (s *Scheduler) applySyscalls(txn *store.Txn, vatID ids.VatID, syscalls []vat.Syscall) error {
	for _, sc := range syscalls {
		if err := s.applyOne(txn, vatID, sc); err != nil {
			return kerr.Wrap(err, "applying "+string(sc.Kind))
		}
	}
	return nil
}

func (s *Scheduler) applyOne(txn *store.Txn, vatID ids.VatID, sc vat.Syscall) error {
	switch sc.Kind {
	case vat.SyscallSend:
		targetKref, err := kref.ImportFromVat(txn, vatID, sc.Target)
		if err != nil {
			return err
		}
		args, err := kref.TranslateMessage(txn, vatID, kref.FromVat, sc.Args)
		if err != nil {
			return err
		}
		var resultKP ids.KernelPromise
		if sc.Result != "" {
			kr, err := kref.ImportFromVat(txn, vatID, sc.Result)
			if err != nil {
				return err
			}
			resultKP = ids.KernelPromise(kr)
		}
		return queue.EnqueueSend(txn, targetKref, sc.Method, args, resultKP)

	case vat.SyscallSubscribe:
		kr, err := kref.ImportFromVat(txn, vatID, sc.Subscribe)
		if err != nil {
			return err
		}
		kp := ids.KernelPromise(kr)
		rec, found, err := txn.GetPromise(kp)
		if err != nil {
			return err
		}
		if !found {
			return kerr.NewBadRef("subscribe to unknown promise %q", kp)
		}
		if rec.State != store.Unresolved {
			queue.EnqueueNotify(txn, vatID, kp)
			return nil
		}
		for _, v := range rec.Subscribers {
			if v == vatID {
				return nil
			}
		}
		rec.Subscribers = append(rec.Subscribers, vatID)
		return txn.PutPromise(rec)

	case vat.SyscallResolve:
		for _, r := range sc.Resolutions {
			kr, err := kref.ImportFromVat(txn, vatID, r.Promise)
			if err != nil {
				return err
			}
			if err := s.resolvePromise(txn, vatID, ids.KernelPromise(kr), r.OK, r.Value); err != nil {
				return err
			}
		}
		return nil

	case vat.SyscallExit:
		return vat.Terminate(txn, s.Vats, vatID, s.GC.RetireExports)

	case vat.SyscallDropImports:
		for _, vr := range sc.Refs {
			kr, err := kref.ImportFromVat(txn, vatID, vr)
			if err != nil {
				return err
			}
			if err := s.GC.DropImport(txn, vatID, ids.KernelObject(kr)); err != nil {
				return err
			}
		}
		return nil

	case vat.SyscallRetireImports:
		for _, vr := range sc.Refs {
			kr, err := kref.ImportFromVat(txn, vatID, vr)
			if err != nil {
				return err
			}
			if err := s.GC.RetireImport(txn, vatID, ids.KernelObject(kr)); err != nil {
				return err
			}
		}
		return nil

	case vat.SyscallRetireExports:
		kos := make([]ids.KernelObject, 0, len(sc.Refs))
		for _, vr := range sc.Refs {
			kr, err := kref.ImportFromVat(txn, vatID, vr)
			if err != nil {
				return err
			}
			kos = append(kos, ids.KernelObject(kr))
		}
		return s.GC.RetireExports(txn, vatID, kos)

	case vat.SyscallVatstoreGet:
		// Answered out-of-band: a vat runtime is expected to read its own
		// vatstore synchronously (it shares the kernel process, per spec.md
		// §5 "a single OS process"), rather than round-trip through a crank.
		// This arm exists so an unrecognized future syscall kind is the only
		// thing that falls through to the default case below.
		return nil

	case vat.SyscallVatstoreSet:
		txn.PutVatStoreValue(vatID, sc.Key, sc.Value)
		return nil

	case vat.SyscallVatstoreDelete:
		txn.DeleteVatStoreValue(vatID, sc.Key)
		return nil
	}
	return kerr.NewBadSyscall("unrecognized syscall kind %q from vat %s", sc.Kind, vatID)
}

// resolvePromise applies a single resolve{} entry: sets kp's terminal state,
// splices its pending messages (retargeted at the fulfillment value on
// success, or rejected outright on failure), and notifies subscribers
// (spec.md §3.3, §4.6 "promise resolution syscalls splice pending messages
// before any syscalls emitted later in the same delivery").
func (s *Scheduler) resolvePromise(txn *store.Txn, decider ids.VatID, kp ids.KernelPromise, ok bool, value capdata.CapData) error {
	rec, found, err := txn.GetPromise(kp)
	if err != nil {
		return err
	}
	if !found {
		return kerr.NewBadRef("resolve of unknown promise %q", kp)
	}
	if rec.Decider != decider {
		return kerr.NewBadRef("vat %s is not the decider for %q", decider, kp)
	}

	value, err = kref.TranslateMessage(txn, decider, kref.FromVat, value)
	if err != nil {
		return err
	}

	if rec.State != store.Unresolved {
		sameOutcome := (rec.State == store.Fulfilled) == ok
		if sameOutcome && rec.Resolution.Equal(value) {
			return nil
		}
		return kerr.NewBadSyscall("promise %q already resolved to a different value", kp)
	}

	rec.Resolution = value
	pending := rec.Pending
	rec.Pending = nil
	if ok {
		rec.State = store.Fulfilled
	} else {
		rec.State = store.Rejected
		if len(value.Body) > 0 {
			rec.RejectReason = string(value.Body)
		}
	}
	if err := txn.PutPromise(rec); err != nil {
		return err
	}

	if ok && len(value.Slots) > 0 && value.Slots[0].Kind == capdata.SlotObject {
		if err := queue.SpliceResolution(txn, pending, ids.Kref(value.Slots[0].Ref)); err != nil {
			return err
		}
	} else {
		for _, m := range pending {
			if m.Result == "" {
				continue
			}
			if err := s.rejectPromiseRecord(txn, m.Result, "upstream promise rejected", ""); err != nil {
				return err
			}
		}
	}

	for _, sub := range rec.Subscribers {
		queue.EnqueueNotify(txn, sub, kp)
	}
	return nil
}

// rejectPromiseRecord rejects kp with reason and kind, cascading the same
// reason/kind to every pending message's own result promise. kind is the
// kerr.Kind of the underlying cause, or "" for an ordinary application-level
// rejection with no specific kernel kind (spec.md §4.6, §8 property 5).
func (s *Scheduler) rejectPromiseRecord(txn *store.Txn, kp ids.KernelPromise, reason string, kind kerr.Kind) error {
	rec, found, err := txn.GetPromise(kp)
	if err != nil {
		return err
	}
	if !found || rec.State != store.Unresolved {
		return nil
	}
	rec.State = store.Rejected
	rec.RejectReason = reason
	rec.Kind = kind
	pending := rec.Pending
	rec.Pending = nil
	if err := txn.PutPromise(rec); err != nil {
		return err
	}
	for _, m := range pending {
		if m.Result != "" {
			if err := s.rejectPromiseRecord(txn, m.Result, reason, kind); err != nil {
				return err
			}
		}
	}
	for _, sub := range rec.Subscribers {
		queue.EnqueueNotify(txn, sub, kp)
	}
	return nil
}

// rejectResult rejects kp (a send's optional result promise) with cause, in
// a fresh transaction, used whenever a delivery failed before or instead of
// ever reaching the vat (spec.md §4.6 "translation error -> fail the
// delivery, reject the result promise with BadRef, continue"). The stored
// Kind preserves cause's kerr.Kind (typically BadRef) for later retrieval.
func (s *Scheduler) rejectResult(kp ids.KernelPromise, cause error) error {
	if kp == "" {
		klog.Warningln("crank: delivery failed with no result promise to reject:", cause)
		return nil
	}
	txn := s.Store.Begin()
	if err := s.rejectPromiseRecord(txn, kp, cause.Error(), kerr.GetKind(cause)); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

// handleVatError implements the "vat error" failure path: terminate the
// vat, or restart it in place when its config opts in
// (`RestartPolicy == store.RestartAlways`), and reject the in-flight
// delivery's result promise either way (spec.md §4.5, §4.6).
func (s *Scheduler) handleVatError(vatID ids.VatID, resultKP ids.KernelPromise, cause error) error {
	txn := s.Store.Begin()

	restart := false
	if s.Restart != nil {
		if cfg, found, err := txn.GetVatConfig(vatID); err != nil {
			txn.Rollback()
			return err
		} else if found && cfg.RestartPolicy == store.RestartAlways {
			restart = true
		}
	}

	if restart {
		if err := vat.Restart(txn, s.Vats, vatID, s.GC.RetireExports, s.Restart); err != nil {
			txn.Rollback()
			return err
		}
	} else if err := vat.Terminate(txn, s.Vats, vatID, s.GC.RetireExports); err != nil {
		txn.Rollback()
		return err
	}

	if resultKP != "" {
		if err := s.rejectPromiseRecord(txn, resultKP, cause.Error(), kerr.VatTerminated); err != nil {
			txn.Rollback()
			return err
		}
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	if restart {
		klog.Warningln("crank: vat", vatID, "restarted after dispatch error:", cause)
	} else {
		klog.Warningln("crank: vat", vatID, "terminated after dispatch error:", cause)
	}
	return nil
}

func (s *Scheduler) fatal(err error) error {
	klog.Errorln("crank: fatal store error, kernel unhealthy:", err)
	return err
}
