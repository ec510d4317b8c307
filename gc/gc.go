// Package gc implements the GarbageCollector (spec.md §4.4): the bridge
// between a vat's local reachable/recognizable accounting and the kernel's
// refcounted object lifecycle, plus the bringOutYourDead cycle-collection
// handshake.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package gc

import (
	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/klog"
	"github.com/ocapkernel/kernel/queue"
	"github.com/ocapkernel/kernel/store"
)

// defaultFilterCapacity sizes the retired-kref cuckoo filter; it is a cache,
// not a table, so undersizing only costs a few extra store reads rather
// than correctness (spec.md §4.4 binding note).
const defaultFilterCapacity = 1 << 16

// Collector tracks retired kernel objects in a cuckoo filter, exposed via
// MaybeRetired for callers that only need a cheap possibly-false-positive
// answer and are prepared to treat a filter miss as "definitely not
// retired" without ever reading the store at all. The kref package is not
// such a caller today: every retirement check it makes already needs the
// object record for other fields (owner, refcounts), so consulting the
// filter there would buy nothing. GetObject remains the sole source of
// truth; the filter exists for callers that can skip the store read
// entirely on a miss.
type Collector struct {
	filter *cuckoo.Filter
}

// New creates a Collector with an empty retired-set filter. Call Rebuild
// once at daemon startup to seed it from the store.
func New() *Collector {
	return &Collector{filter: cuckoo.NewFilter(defaultFilterCapacity)}
}

// Rebuild repopulates the filter from every currently-retired object in the
// store, so a restart does not lose the cache's warm state (spec.md §4.4
// "rebuilt from the store's retired-set on daemon start").
func (c *Collector) Rebuild(s *store.Store) error {
	return s.WithReadTxn(func(txn *store.Txn) error {
		objs, err := txn.ScanObjects()
		if err != nil {
			return err
		}
		f := cuckoo.NewFilter(defaultFilterCapacity)
		for _, o := range objs {
			if o.Retired() {
				f.InsertUnique([]byte(o.KO))
			}
		}
		c.filter = f
		return nil
	})
}

// MaybeRetired is a fast, possibly-false-positive check; true means "check
// the store to be sure", false means "definitely not retired".
func (c *Collector) MaybeRetired(ko ids.KernelObject) bool {
	return c.filter.Lookup([]byte(ko))
}

func (c *Collector) noteRetired(ko ids.KernelObject) { c.filter.InsertUnique([]byte(ko)) }

// DropImport handles a vat's dropImports syscall for one object: it clears
// the vat's reachable claim and, if the object's total reachable count
// falls to zero, coalesces a gc-drop action to the owner (spec.md §4.4
// "When a c-list entry's vat-side reachable flag clears and the object's
// total reachable count drops to zero, emit gc-drop to the owner").
// Idempotent: dropping an already-dropped import is a no-op.
func (c *Collector) DropImport(txn *store.Txn, vat ids.VatID, ko ids.KernelObject) error {
	entry, found, err := txn.GetCListByKref(vat, ids.Kref(ko))
	if err != nil {
		return err
	}
	if !found || !entry.Reachable {
		return nil
	}
	entry.Reachable = false
	txn.PutCList(entry)

	rec, found, err := txn.GetObject(ko)
	if err != nil {
		return err
	}
	if !found {
		return kerr.NewBadRef("unknown kernel object %q", ko)
	}
	rec.Reachable--
	if err := txn.PutObject(rec); err != nil {
		return err
	}
	if rec.Reachable == 0 && !rec.Retired() {
		return c.coalesceDrop(txn, rec.Owner, ko)
	}
	return nil
}

// RetireImport handles a vat's retireImports syscall for one object: it
// removes the c-list row entirely (the vat no longer recognizes the
// object at all) and, if this was the last recognizer, retires the object
// (spec.md §3.2 "becomes unrecognizable when the last recognizable
// reference is gone (triggers a retire)").
func (c *Collector) RetireImport(txn *store.Txn, vat ids.VatID, ko ids.KernelObject) error {
	entry, found, err := txn.GetCListByKref(vat, ids.Kref(ko))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	txn.DeleteCList(vat, entry.VatRef, ids.Kref(ko))

	rec, found, err := txn.GetObject(ko)
	if err != nil {
		return err
	}
	if !found {
		return kerr.NewBadRef("unknown kernel object %q", ko)
	}
	if entry.Reachable && rec.Reachable > 0 {
		rec.Reachable--
	}
	if rec.Recognizable > 0 {
		rec.Recognizable--
	}
	if err := txn.PutObject(rec); err != nil {
		return err
	}
	if rec.Recognizable == 0 && !rec.Retired() {
		return c.retireObject(txn, rec)
	}
	return nil
}

// RetireExports handles an owner vat's retireExports syscall, or the
// terminal retirement of every object it still owns when the vat is
// terminated: each object is retired unconditionally and every remaining
// importer is notified with a dispatchRetired (spec.md §3.2 "when the owner
// revokes or is terminated, the object is retired and all importers are
// notified with a dispatchRetired").
func (c *Collector) RetireExports(txn *store.Txn, owner ids.VatID, kos []ids.KernelObject) error {
	for _, ko := range kos {
		rec, found, err := txn.GetObject(ko)
		if err != nil {
			return err
		}
		if !found || rec.Retired() || rec.Owner != owner {
			continue
		}
		if err := c.retireObject(txn, rec); err != nil {
			return err
		}
	}
	return nil
}

// retireObject marks rec permanently retired, notifies every vat still
// holding an import of it, and records the retirement in the filter
// (spec.md §4.4 "Retirement is terminal: once retired, the kref is never
// re-used").
func (c *Collector) retireObject(txn *store.Txn, rec *store.KernelObjectRecord) error {
	rec.Owner = ""
	if err := txn.PutObject(rec); err != nil {
		return err
	}
	c.noteRetired(rec.KO)

	importers, err := txn.ScanAllImportersOf(ids.Kref(rec.KO))
	if err != nil {
		return err
	}
	for _, imp := range importers {
		if err := c.coalesceRetire(txn, imp.Vat, rec.KO); err != nil {
			return err
		}
	}
	return nil
}

// coalesceDrop and coalesceRetire stage one pending action per vat per
// crank (spec.md §4.4 "Ordering: GC actions for the same vat are coalesced
// into at most one pending drop and one pending retire per crank to bound
// fan-out"). FlushPending turns the coalesced set into run-queue entries at
// crank-commit time.
func (c *Collector) coalesceDrop(txn *store.Txn, vat ids.VatID, ko ids.KernelObject) error {
	pending, err := txn.GetGCPending(vat)
	if err != nil {
		return err
	}
	pending.Drop[ko] = true
	txn.PutGCPending(pending)
	return nil
}

func (c *Collector) coalesceRetire(txn *store.Txn, vat ids.VatID, ko ids.KernelObject) error {
	pending, err := txn.GetGCPending(vat)
	if err != nil {
		return err
	}
	pending.Retire[ko] = true
	txn.PutGCPending(pending)
	return nil
}

// FlushPending drains vat's coalesced drop/retire sets into run-queue
// entries, called once per vat at the end of every crank. A vat with
// nothing pending is left untouched.
func (c *Collector) FlushPending(txn *store.Txn, vat ids.VatID) error {
	pending, err := txn.GetGCPending(vat)
	if err != nil {
		return err
	}
	if len(pending.Drop) == 0 && len(pending.Retire) == 0 {
		return nil
	}
	if len(pending.Drop) > 0 {
		objs := make([]ids.KernelObject, 0, len(pending.Drop))
		for ko := range pending.Drop {
			objs = append(objs, ko)
		}
		queue.EnqueueGCDrop(txn, vat, objs)
		klog.VInfoln(2, "gc: flushed", len(objs), "drop(s) to", vat)
	}
	if len(pending.Retire) > 0 {
		objs := make([]ids.KernelObject, 0, len(pending.Retire))
		for ko := range pending.Retire {
			objs = append(objs, ko)
		}
		queue.EnqueueGCRetire(txn, vat, objs)
		klog.VInfoln(2, "gc: flushed", len(objs), "retire(s) to", vat)
	}
	txn.DeleteGCPending(vat)
	return nil
}

// FlushAllPending flushes every vat that currently has a coalesced
// drop/retire set, not just whichever vat was dispatched this crank — a
// gc-drop is staged under its owner's key (spec.md §4.4), which is
// routinely a different vat than the one whose syscalls produced it.
func (c *Collector) FlushAllPending(txn *store.Txn) error {
	vats, err := txn.ScanGCPendingVats()
	if err != nil {
		return err
	}
	for _, v := range vats {
		if err := c.FlushPending(txn, v); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleBringOutYourDead enqueues the periodic cycle-collection handshake
// for vat (spec.md §4.4 "bringOutYourDead is scheduled periodically
// (configurable cadence) for each live vat"). The cadence timer itself
// is runBringOutYourDead in cmd/ocapd; this is the delivery it enqueues.
func (c *Collector) ScheduleBringOutYourDead(txn *store.Txn, vat ids.VatID) {
	queue.EnqueueBringOutYourDead(txn, vat)
}

// ReconcileDead applies the result of a vat's bringOutYourDead response: a
// list of krefs it reports it no longer reaches locally, each processed
// exactly as an explicit dropImports for that vat would be (spec.md §4.4
// "prompts the vat to run local finalization and return a list of objects
// it no longer reaches").
func (c *Collector) ReconcileDead(txn *store.Txn, vat ids.VatID, dead []ids.KernelObject) error {
	for _, ko := range dead {
		if err := c.DropImport(txn, vat, ko); err != nil {
			return err
		}
	}
	return nil
}
