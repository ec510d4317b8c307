package store

import (
	"fmt"

	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
)

// --- key layout ---

func objKey(ko ids.KernelObject) string    { return "obj:" + string(ko) }
func promKey(kp ids.KernelPromise) string  { return "prom:" + string(kp) }
func clistVRKey(vat ids.VatID, vr ids.VatRef) string {
	return "clist:" + string(vat) + ":vr:" + string(vr)
}
func clistKRKey(vat ids.VatID, kref ids.Kref) string {
	return "clist:" + string(vat) + ":kr:" + string(kref)
}
func clistPrefix(vat ids.VatID) string { return "clist:" + string(vat) + ":vr:" }
// runqKey flips the sign bit so negative sequence numbers (from
// SpliceAtHead) still sort in numeric order as zero-padded decimals.
func runqKey(seq int64) string { return fmt.Sprintf("runq:%020d", uint64(seq)^(1<<63)) }
func gcPendingKey(vat ids.VatID) string { return "gcpend:" + string(vat) }
func subclusterKey(id ids.SubclusterID) string { return "subcluster:" + string(id) }
func sysNameKey(name string) string            { return "sysname:" + name }
func vatCfgKey(vat ids.VatID) string           { return "vatcfg:" + string(vat) }
func counterKey(scope string) string           { return "counter:" + scope }

// --- kernel objects ---

func (t *Txn) GetObject(ko ids.KernelObject) (*KernelObjectRecord, bool, error) {
	v, found, err := t.get(objKey(ko))
	if err != nil || !found {
		return nil, found, err
	}
	var rec KernelObjectRecord
	if err := decode(v, &rec); err != nil {
		return nil, false, kerr.NewStoreCorrupt(err, "decoding object %s", ko)
	}
	return &rec, true, nil
}

func (t *Txn) PutObject(rec *KernelObjectRecord) error {
	if rec.Recognizable < rec.Reachable || rec.Reachable < 0 {
		return kerr.NewStoreCorrupt(nil, "refcount invariant violated for %s: recognizable=%d reachable=%d", rec.KO, rec.Recognizable, rec.Reachable)
	}
	t.put(objKey(rec.KO), encode(rec))
	return nil
}

func (t *Txn) DeleteObject(ko ids.KernelObject) { t.del(objKey(ko)) }

func (t *Txn) ScanObjects() ([]*KernelObjectRecord, error) {
	_, vals, err := t.scan("obj:")
	if err != nil {
		return nil, err
	}
	out := make([]*KernelObjectRecord, 0, len(vals))
	for _, v := range vals {
		var rec KernelObjectRecord
		if err := decode(v, &rec); err != nil {
			return nil, kerr.NewStoreCorrupt(err, "decoding object record")
		}
		out = append(out, &rec)
	}
	return out, nil
}

// --- kernel promises ---

func (t *Txn) GetPromise(kp ids.KernelPromise) (*KernelPromiseRecord, bool, error) {
	v, found, err := t.get(promKey(kp))
	if err != nil || !found {
		return nil, found, err
	}
	var rec KernelPromiseRecord
	if err := decode(v, &rec); err != nil {
		return nil, false, kerr.NewStoreCorrupt(err, "decoding promise %s", kp)
	}
	if rec.BlobKey != "" {
		body, err := t.GetBlob(rec.BlobKey)
		if err != nil {
			return nil, false, err
		}
		rec.Resolution.Body = body
		rec.BlobKey = ""
	}
	return &rec, true, nil
}

// promiseBlobThreshold is the resolution body size at or above which PutPromise
// moves the body into the content-addressed blob store instead of inlining
// it in the promise record (spec.md §3.10 resolution payload dedup).
const promiseBlobThreshold = 1024

func (t *Txn) PutPromise(rec *KernelPromiseRecord) error {
	stored := *rec
	if rec.State != Unresolved && len(rec.Resolution.Body) >= promiseBlobThreshold {
		key, err := t.PutBlob(rec.Resolution.Body)
		if err != nil {
			return err
		}
		stored.BlobKey = key
		stored.Resolution.Body = nil
	}
	t.put(promKey(rec.KP), encode(&stored))
	return nil
}

func (t *Txn) DeletePromise(kp ids.KernelPromise) { t.del(promKey(kp)) }

func (t *Txn) ScanAllPromises() ([]*KernelPromiseRecord, error) {
	_, vals, err := t.scan("prom:")
	if err != nil {
		return nil, err
	}
	out := make([]*KernelPromiseRecord, 0, len(vals))
	for _, v := range vals {
		var rec KernelPromiseRecord
		if err := decode(v, &rec); err != nil {
			return nil, kerr.NewStoreCorrupt(err, "decoding promise record")
		}
		out = append(out, &rec)
	}
	return out, nil
}

// --- c-list ---

func (t *Txn) GetCListByVatRef(vat ids.VatID, vr ids.VatRef) (*CListEntry, bool, error) {
	v, found, err := t.get(clistVRKey(vat, vr))
	if err != nil || !found {
		return nil, found, err
	}
	var rec CListEntry
	if err := decode(v, &rec); err != nil {
		return nil, false, kerr.NewStoreCorrupt(err, "decoding c-list entry")
	}
	return &rec, true, nil
}

func (t *Txn) GetCListByKref(vat ids.VatID, kref ids.Kref) (*CListEntry, bool, error) {
	v, found, err := t.get(clistKRKey(vat, kref))
	if err != nil || !found {
		return nil, found, err
	}
	var vr ids.VatRef
	if err := decode(v, &vr); err != nil {
		return nil, false, kerr.NewStoreCorrupt(err, "decoding c-list reverse index")
	}
	return t.GetCListByVatRef(vat, vr)
}

// PutCList writes both the forward (vatref->entry) and reverse
// (kref->vatref) index, keeping the two tables of spec.md §3.4 symmetric by
// construction (spec.md §8 property 2).
func (t *Txn) PutCList(entry *CListEntry) {
	t.put(clistVRKey(entry.Vat, entry.VatRef), encode(entry))
	t.put(clistKRKey(entry.Vat, entry.Kref), encode(entry.VatRef))
}

func (t *Txn) DeleteCList(vat ids.VatID, vr ids.VatRef, kref ids.Kref) {
	t.del(clistVRKey(vat, vr))
	t.del(clistKRKey(vat, kref))
}

func (t *Txn) ScanCList(vat ids.VatID) ([]*CListEntry, error) {
	_, vals, err := t.scan(clistPrefix(vat))
	if err != nil {
		return nil, err
	}
	out := make([]*CListEntry, 0, len(vals))
	for _, v := range vals {
		var rec CListEntry
		if err := decode(v, &rec); err != nil {
			return nil, kerr.NewStoreCorrupt(err, "decoding c-list entry")
		}
		out = append(out, &rec)
	}
	return out, nil
}

// --- run queue ---

// Enqueue tail-inserts item, assigning it a fresh sequence number so it
// sorts after every existing entry (spec.md §4.3 "enqueue(item) —
// tail-insert").
func (t *Txn) Enqueue(item *RunQueueEntry) {
	seq := t.NextID("runq")
	item.Seq = seq
	t.put(runqKey(seq), encode(item))
}

// SpliceAtHead inserts items so they are popped before any entry already on
// the queue (spec.md §4.3), by assigning them sequence numbers below the
// current minimum. Order within items is preserved.
func (t *Txn) SpliceAtHead(items []*RunQueueEntry) error {
	keys, vals, err := t.scan("runq:")
	if err != nil {
		return err
	}
	var min int64 = 0
	if len(keys) > 0 {
		var head RunQueueEntry
		if err := decode(vals[0], &head); err == nil {
			min = head.Seq
		}
	}
	// reserve a block of negative-offset slots below min, preserving order.
	base := min - int64(len(items))
	for i, item := range items {
		item.Seq = base + int64(i)
		t.put(runqKey(item.Seq), encode(item))
	}
	return nil
}

// Pop removes and returns the head of the run queue, or ok=false if empty
// (spec.md §4.3).
func (t *Txn) Pop() (*RunQueueEntry, bool, error) {
	keys, vals, err := t.scan("runq:")
	if err != nil || len(keys) == 0 {
		return nil, false, err
	}
	var rec RunQueueEntry
	if err := decode(vals[0], &rec); err != nil {
		return nil, false, kerr.NewStoreCorrupt(err, "decoding run queue entry")
	}
	t.del(keys[0])
	return &rec, true, nil
}

// Requeue re-inserts item at the head (used when the target vat is busy;
// spec.md §4.6 Crank state "Dispatching": "if target vat is busy, re-queue
// at head and yield").
func (t *Txn) Requeue(item *RunQueueEntry) error {
	return t.SpliceAtHead([]*RunQueueEntry{item})
}

func (t *Txn) QueueDepth() (int, error) {
	keys, _, err := t.scan("runq:")
	return len(keys), err
}

// --- gc pending ---

func (t *Txn) GetGCPending(vat ids.VatID) (*GCPendingRecord, error) {
	v, found, err := t.get(gcPendingKey(vat))
	if err != nil {
		return nil, err
	}
	if !found {
		return &GCPendingRecord{Vat: vat, Drop: map[ids.KernelObject]bool{}, Retire: map[ids.KernelObject]bool{}}, nil
	}
	var rec GCPendingRecord
	if err := decode(v, &rec); err != nil {
		return nil, kerr.NewStoreCorrupt(err, "decoding gc-pending for %s", vat)
	}
	if rec.Drop == nil {
		rec.Drop = map[ids.KernelObject]bool{}
	}
	if rec.Retire == nil {
		rec.Retire = map[ids.KernelObject]bool{}
	}
	return &rec, nil
}

func (t *Txn) PutGCPending(rec *GCPendingRecord) {
	t.put(gcPendingKey(rec.Vat), encode(rec))
}

func (t *Txn) DeleteGCPending(vat ids.VatID) { t.del(gcPendingKey(vat)) }

// ScanGCPendingVats lists every vat with a nonempty coalesced drop/retire
// set, so a crank can flush all of them rather than only the vat it just
// dispatched to.
func (t *Txn) ScanGCPendingVats() ([]ids.VatID, error) {
	keys, _, err := t.scan("gcpend:")
	if err != nil {
		return nil, err
	}
	out := make([]ids.VatID, 0, len(keys))
	for _, k := range keys {
		out = append(out, ids.VatID(k[len("gcpend:"):]))
	}
	return out, nil
}

// --- subclusters ---

func (t *Txn) GetSubcluster(id ids.SubclusterID) (*SubclusterRecord, bool, error) {
	v, found, err := t.get(subclusterKey(id))
	if err != nil || !found {
		return nil, found, err
	}
	var rec SubclusterRecord
	if err := decode(v, &rec); err != nil {
		return nil, false, kerr.NewStoreCorrupt(err, "decoding subcluster %s", id)
	}
	return &rec, true, nil
}

func (t *Txn) PutSubcluster(rec *SubclusterRecord) {
	t.put(subclusterKey(rec.ID), encode(rec))
	if rec.System && rec.Name != "" {
		t.put(sysNameKey(rec.Name), string(rec.ID))
	}
}

func (t *Txn) DeleteSubcluster(rec *SubclusterRecord) {
	t.del(subclusterKey(rec.ID))
	if rec.System && rec.Name != "" {
		t.del(sysNameKey(rec.Name))
	}
}

func (t *Txn) GetSystemSubclusterByName(name string) (ids.SubclusterID, bool, error) {
	v, found, err := t.get(sysNameKey(name))
	if err != nil || !found {
		return "", found, err
	}
	return ids.SubclusterID(v), true, nil
}

func (t *Txn) ScanSubclusters() ([]*SubclusterRecord, error) {
	_, vals, err := t.scan("subcluster:")
	if err != nil {
		return nil, err
	}
	out := make([]*SubclusterRecord, 0, len(vals))
	for _, v := range vals {
		var rec SubclusterRecord
		if err := decode(v, &rec); err != nil {
			return nil, kerr.NewStoreCorrupt(err, "decoding subcluster record")
		}
		out = append(out, &rec)
	}
	return out, nil
}

// --- vat config ---

func (t *Txn) GetVatConfig(vat ids.VatID) (*VatConfigRecord, bool, error) {
	v, found, err := t.get(vatCfgKey(vat))
	if err != nil || !found {
		return nil, found, err
	}
	var rec VatConfigRecord
	if err := decode(v, &rec); err != nil {
		return nil, false, kerr.NewStoreCorrupt(err, "decoding vat config %s", vat)
	}
	return &rec, true, nil
}

func (t *Txn) PutVatConfig(rec *VatConfigRecord) { t.put(vatCfgKey(rec.ID), encode(rec)) }
func (t *Txn) DeleteVatConfig(vat ids.VatID)     { t.del(vatCfgKey(vat)) }

func (t *Txn) ScanVats() ([]*VatConfigRecord, error) {
	_, vals, err := t.scan("vatcfg:")
	if err != nil {
		return nil, err
	}
	out := make([]*VatConfigRecord, 0, len(vals))
	for _, v := range vals {
		var rec VatConfigRecord
		if err := decode(v, &rec); err != nil {
			return nil, kerr.NewStoreCorrupt(err, "decoding vat config record")
		}
		out = append(out, &rec)
	}
	return out, nil
}

// --- counters ---

// NextID reserves and returns the next id in scope (e.g. "ko", "kp", "vat",
// "subcluster", or a per-vat scope like "vat:v3:o-"), using the
// reserve-ahead scheme of spec.md §5 so concurrent callers within the same
// crank never observe the same id twice, and a crash before commit cannot
// cause reuse (spec.md §4.1 "Algorithm notes").
func (t *Txn) NextID(scope string) int64 {
	c := t.store.counters[scope]
	if c == nil {
		c = &ids.Counter{Next: 1}
		t.store.counters[scope] = c
	}
	alreadyReserved := t.counterCounts[scope]
	id := c.Next + c.Reserved + alreadyReserved
	t.counterCounts[scope] = alreadyReserved + 1
	if _, ok := t.counterReservations[scope]; !ok {
		t.counterReservations[scope] = c.Next + c.Reserved
	}
	return id
}

