// Package queue implements the KernelQueue (spec.md §4.3): the ordered run
// queue plus the promise-pending redirection rule — a send whose target is
// an unresolved promise is queued on that promise, never on the run queue.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package queue

import (
	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/store"
)

// EnqueueSend enqueues a send{target, method, args, result?}. If target
// names an unresolved promise, the message is appended to that promise's
// pending queue instead of the run queue (spec.md §3.5 "Promise
// redirection"); otherwise it tail-inserts onto the run queue.
func EnqueueSend(txn *store.Txn, target ids.Kref, method string, args capdata.CapData, result ids.KernelPromise) error {
	if target.IsPromise() {
		kp := ids.KernelPromise(target)
		rec, found, err := txn.GetPromise(kp)
		if err != nil {
			return err
		}
		if !found {
			return kerr.NewBadRef("unknown kernel promise %q", target)
		}
		if rec.State == store.Unresolved {
			rec.Pending = append(rec.Pending, store.QueuedMessage{
				Target: target, Method: method, Args: args, Result: result,
			})
			return txn.PutPromise(rec)
		}
		// Already resolved: falls straight through to the run queue,
		// targeted at... the caller is expected to have already redirected
		// sends to a resolved promise's new target before calling us; a
		// resolved promise is never itself enqueued as a live target.
	}
	txn.Enqueue(&store.RunQueueEntry{
		Kind: store.EntrySend, Target: target, Method: method, Args: args, Result: result,
	})
	return nil
}

// EnqueueNotify enqueues a notify{vat, kp} to inform vat of kp's resolution.
func EnqueueNotify(txn *store.Txn, vat ids.VatID, kp ids.KernelPromise) {
	txn.Enqueue(&store.RunQueueEntry{Kind: store.EntryNotify, Vat: vat, KP: kp})
}

// EnqueueGCDrop enqueues a gc-drop delivery naming the given objects to vat.
func EnqueueGCDrop(txn *store.Txn, vat ids.VatID, objs []ids.KernelObject) {
	txn.Enqueue(&store.RunQueueEntry{Kind: store.EntryGCDrop, Vat: vat, Objects: objs})
}

// EnqueueGCRetire enqueues a gc-retire delivery naming the given objects to vat.
func EnqueueGCRetire(txn *store.Txn, vat ids.VatID, objs []ids.KernelObject) {
	txn.Enqueue(&store.RunQueueEntry{Kind: store.EntryGCRetire, Vat: vat, Objects: objs})
}

// EnqueueBringOutYourDead enqueues a bringOutYourDead delivery for vat.
func EnqueueBringOutYourDead(txn *store.Txn, vat ids.VatID) {
	txn.Enqueue(&store.RunQueueEntry{Kind: store.EntryBringOutYourDead, Vat: vat})
}

// SpliceResolution splices a promise's pending messages onto the head of
// the run queue at resolution time (spec.md §3.5 "on resolution they are
// spliced into the main run queue at the current head"), retargeting each
// at newTarget (the resolution's value) rather than the now-resolved
// promise itself.
func SpliceResolution(txn *store.Txn, pending []store.QueuedMessage, newTarget ids.Kref) error {
	if len(pending) == 0 {
		return nil
	}
	entries := make([]*store.RunQueueEntry, len(pending))
	for i, m := range pending {
		entries[i] = &store.RunQueueEntry{
			Kind: store.EntrySend, Target: newTarget, Method: m.Method, Args: m.Args, Result: m.Result,
		}
	}
	return txn.SpliceAtHead(entries)
}

// Pop removes and returns the head of the run queue.
func Pop(txn *store.Txn) (*store.RunQueueEntry, bool, error) { return txn.Pop() }

// Requeue re-inserts item at the head, used when the target vat is busy
// (spec.md §4.6 "if target vat is busy, re-queue at head and yield").
func Requeue(txn *store.Txn, item *store.RunQueueEntry) error { return txn.Requeue(item) }

// Depth reports the current run queue length, for getStatus.
func Depth(txn *store.Txn) (int, error) { return txn.QueueDepth() }

// WaitForCrank runs fn inside a fresh store transaction bound to "the
// current crank", serializing external API entry points (queueMessage,
// launchSubcluster, terminateSubcluster, getStatus — spec.md §5) behind
// whatever crank is already in flight. fn must call txn.Commit() itself if
// it made mutations it wants kept; WaitForCrank rolls back anything left
// uncommitted, which is always correct for read-only callers and a safety
// net for anyone who forgets on the write path.
func WaitForCrank(st *store.Store, fn func(*store.Txn) error) error {
	txn := st.Begin()
	defer txn.Rollback()
	return fn(txn)
}
