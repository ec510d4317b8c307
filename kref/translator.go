// Package kref implements the ReferenceTranslator (spec.md §4.2): a pure
// function over the KernelStore that rewrites a CapData payload's ref slots
// between vat-local refs (o+N/o-N/p+N/p-N) and kernel refs (koN/kpN).
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package kref

import (
	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/store"
)

// BrokenMarker is substituted for a retired object's slot during ExportToVat
// when the slot appears inside a resolution or message body rather than as
// the message's own target (spec.md §4.2 edge case).
const BrokenMarker ids.VatRef = "o-broken"

// Direction picks which side of a delivery/syscall a CapData payload is on.
type Direction int

const (
	// FromVat rewrites a syscall's vat-refs into krefs.
	FromVat Direction = iota
	// ToVat rewrites a delivery's krefs into vat-refs for a specific vat.
	ToVat
)

// ImportFromVat translates a single vat-ref, as seen in a syscall emitted by
// vat, into its kref. o+/p+ (the vat's own new exports) are allocated on
// first sight; o-/p- must already be present in the c-list or the syscall
// named a ref the vat was never given (spec.md §4.2).
func ImportFromVat(txn *store.Txn, vat ids.VatID, vr ids.VatRef) (ids.Kref, error) {
	kind, dir, _, ok := vr.Parse()
	if !ok {
		return "", kerr.NewBadRef("malformed vat ref %q", vr)
	}

	if existing, found, err := txn.GetCListByVatRef(vat, vr); err != nil {
		return "", err
	} else if found {
		return existing.Kref, nil
	}

	if dir == ids.DirImport {
		return "", kerr.NewBadRef("vat %s named import %q with no c-list entry", vat, vr)
	}

	// dir == DirExport: first sight of the vat's own new object/promise.
	var kref ids.Kref
	switch kind {
	case ids.KindObject:
		n := txn.NextID("ko")
		ko := ids.MakeKernelObject(n)
		if err := txn.PutObject(&store.KernelObjectRecord{KO: ko, Owner: vat}); err != nil {
			return "", err
		}
		kref = ids.Kref(ko)
	case ids.KindPromise:
		n := txn.NextID("kp")
		kp := ids.MakeKernelPromise(n)
		if err := txn.PutPromise(&store.KernelPromiseRecord{KP: kp, State: store.Unresolved, Decider: vat}); err != nil {
			return "", err
		}
		kref = ids.Kref(kp)
	}

	txn.PutCList(&store.CListEntry{Vat: vat, VatRef: vr, Kref: kref, Reachable: true})
	return kref, nil
}

// ExportToVat translates a single kref into the vat-ref that vat should see
// it as, allocating a fresh o-/p- slot on first import into that vat and
// bumping the object's reachable count (spec.md §4.2). A vat always sees
// its own exports as o+N, never o-N (edge case). A retired object is
// substituted with BrokenMarker rather than erroring, so that resolutions
// carrying a now-dead capability can still be delivered.
func ExportToVat(txn *store.Txn, vat ids.VatID, kref ids.Kref) (ids.VatRef, error) {
	kind, ok := ids.KrefKind(string(kref))
	if !ok {
		return "", kerr.NewBadRef("malformed kref %q", kref)
	}

	isOwner, retired, err := ownerAndRetired(txn, vat, kref, kind)
	if err != nil {
		return "", err
	}
	if retired {
		return BrokenMarker, nil
	}

	if existing, found, err := txn.GetCListByKref(vat, kref); err != nil {
		return "", err
	} else if found {
		if isOwner || existing.Reachable {
			return existing.VatRef, nil
		}
		// Previously dropped but still recognized; re-importing revives
		// reachability.
		existing.Reachable = true
		txn.PutCList(existing)
		if kind == ids.KindObject {
			if err := bumpObjectReachable(txn, ids.KernelObject(kref), +1); err != nil {
				return "", err
			}
		}
		return existing.VatRef, nil
	}

	if isOwner {
		return "", kerr.NewBadRef("owner vat %s has no c-list entry for its own %s", vat, kref)
	}

	scope := "vat:" + string(vat) + ":o-"
	refKind := ids.KindObject
	if kind == ids.KindPromise {
		scope = "vat:" + string(vat) + ":p-"
		refKind = ids.KindPromise
	}
	n := txn.NextID(scope)
	vr := ids.MakeVatRef(refKind, ids.DirImport, n)

	txn.PutCList(&store.CListEntry{Vat: vat, VatRef: vr, Kref: kref, Reachable: true})
	if kind == ids.KindObject {
		if err := bumpObjectReachable(txn, ids.KernelObject(kref), +1); err != nil {
			return "", err
		}
		if err := bumpObjectRecognizable(txn, ids.KernelObject(kref), +1); err != nil {
			return "", err
		}
	}
	return vr, nil
}

func ownerAndRetired(txn *store.Txn, vat ids.VatID, kref ids.Kref, kind ids.RefKind) (isOwner, retired bool, err error) {
	switch kind {
	case ids.KindObject:
		rec, found, err := txn.GetObject(ids.KernelObject(kref))
		if err != nil {
			return false, false, err
		}
		if !found {
			return false, false, kerr.NewBadRef("unknown kernel object %q", kref)
		}
		return rec.Owner == vat, rec.Retired(), nil
	case ids.KindPromise:
		rec, found, err := txn.GetPromise(ids.KernelPromise(kref))
		if err != nil {
			return false, false, err
		}
		if !found {
			return false, false, kerr.NewBadRef("unknown kernel promise %q", kref)
		}
		return rec.Decider == vat, false, nil
	}
	return false, false, nil
}

func bumpObjectReachable(txn *store.Txn, ko ids.KernelObject, delta int64) error {
	rec, found, err := txn.GetObject(ko)
	if err != nil {
		return err
	}
	if !found {
		return kerr.NewBadRef("unknown kernel object %q", ko)
	}
	rec.Reachable += delta
	return txn.PutObject(rec)
}

func bumpObjectRecognizable(txn *store.Txn, ko ids.KernelObject, delta int64) error {
	rec, found, err := txn.GetObject(ko)
	if err != nil {
		return err
	}
	if !found {
		return kerr.NewBadRef("unknown kernel object %q", ko)
	}
	rec.Recognizable += delta
	return txn.PutObject(rec)
}

// CheckTarget validates that kref is a legal message send target: it must
// exist and, if an object, must not be retired (spec.md §3.2 "references
// to it are invalid targets for sends; they resolve to a target retired
// error").
func CheckTarget(txn *store.Txn, kref ids.Kref) error {
	kind, ok := ids.KrefKind(string(kref))
	if !ok {
		return kerr.NewBadRef("malformed target %q", kref)
	}
	if kind == ids.KindObject {
		rec, found, err := txn.GetObject(ids.KernelObject(kref))
		if err != nil {
			return err
		}
		if !found {
			return kerr.NewBadRef("unknown kernel object %q", kref)
		}
		if rec.Retired() {
			return kerr.NewBadRef("target retired: %s", kref)
		}
		return nil
	}
	_, found, err := txn.GetPromise(ids.KernelPromise(kref))
	if err != nil {
		return err
	}
	if !found {
		return kerr.NewBadRef("unknown kernel promise %q", kref)
	}
	return nil
}

// TranslateMessage rewrites every ref slot of cd in the given direction,
// atomically with the refcount updates ImportFromVat/ExportToVat perform
// (spec.md §4.2 "must be atomic with refcount updates" — true here because
// both run inside the same store.Txn as the rest of the crank).
//
// Per spec.md §4.2 ("a slot referring to the same kref twice produces the
// same vatRef both times"), repeated refs are naturally stable because both
// ImportFromVat and ExportToVat consult (and then populate) the c-list
// before allocating, rather than allocating unconditionally per slot.
func TranslateMessage(txn *store.Txn, vat ids.VatID, dir Direction, cd capdata.CapData) (capdata.CapData, error) {
	switch dir {
	case FromVat:
		return cd.MapRefs(func(s capdata.Slot) (string, error) {
			kref, err := ImportFromVat(txn, vat, ids.VatRef(s.Ref))
			return string(kref), err
		})
	default:
		return cd.MapRefs(func(s capdata.Slot) (string, error) {
			vr, err := ExportToVat(txn, vat, ids.Kref(s.Ref))
			return string(vr), err
		})
	}
}
