package store

import (
	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
)

// PromiseState is one of the three states a kernel promise may occupy
// (spec.md §3.3); the single legal transition is Unresolved -> a terminal
// state.
type PromiseState string

const (
	Unresolved PromiseState = "unresolved"
	Fulfilled  PromiseState = "fulfilled"
	Rejected   PromiseState = "rejected"
)

// KernelObjectRecord is the persisted shape of a koN (spec.md §3.2).
type KernelObjectRecord struct {
	KO           ids.KernelObject
	Owner        ids.VatID // empty means retired
	Reachable    int64
	Recognizable int64
	Label        string
}

// Retired reports whether the object has no owner.
func (r *KernelObjectRecord) Retired() bool { return r.Owner == "" }

// QueuedMessage is a send{} queued either on the kernel run queue or on an
// unresolved promise's pending queue (spec.md §3.5).
type QueuedMessage struct {
	Target ids.Kref
	Method string
	Args   capdata.CapData
	Result ids.KernelPromise // empty if no result is wanted
}

// KernelPromiseRecord is the persisted shape of a kpN (spec.md §3.3).
type KernelPromiseRecord struct {
	KP           ids.KernelPromise
	State        PromiseState
	Decider      ids.VatID // unresolved only
	Subscribers  []ids.VatID
	Pending      []QueuedMessage
	ResolveKind  capdata.SlotKind // meaningless until resolved
	Resolution   capdata.CapData  // fulfilled/rejected only
	RejectReason string           // human-readable, rejected only

	// Kind records the kerr.Kind of a Rejected promise's cause, when the
	// rejection came from a specific kernel error rather than ordinary
	// application logic (e.g. a reject{} a vat issued itself). Empty for
	// Unresolved/Fulfilled promises and for ordinary application-level
	// rejections; callers reading back a settled promise (QueueMessage) use
	// this to surface the original kind instead of a generic one.
	Kind kerr.Kind `json:",omitempty"`

	// BlobKey, when non-empty, means Resolution.Body is stored separately
	// under this content-addressed blob key (spec.md §3.10 dedup) and is
	// not duplicated inline here; PutPromise/GetPromise move the body to
	// and from the blob store transparently.
	BlobKey string `json:",omitempty"`
}

// CListEntry is one row of a vat's c-list (spec.md §3.4): the vat-ref and
// kref it connects, plus whether the vat side currently holds a reachable
// claim on it. Recognizable presence is "this row exists"; reachability can
// flip off while the row (and thus recognition) survives.
type CListEntry struct {
	Vat       ids.VatID
	VatRef    ids.VatRef
	Kref      ids.Kref
	Reachable bool
}

// RunQueueEntryKind tags the five delivery shapes of spec.md §3.5.
type RunQueueEntryKind string

const (
	EntrySend              RunQueueEntryKind = "send"
	EntryNotify            RunQueueEntryKind = "notify"
	EntryGCDrop            RunQueueEntryKind = "gc-drop"
	EntryGCRetire          RunQueueEntryKind = "gc-retire"
	EntryBringOutYourDead  RunQueueEntryKind = "bringOutYourDead"
)

// RunQueueEntry is one item of the run queue (spec.md §3.5). Seq orders
// entries (monotonically increasing, assigned at enqueue time); entries
// spliced at the head are assigned sequence numbers below the current
// minimum so they sort first without renumbering the rest of the queue.
type RunQueueEntry struct {
	Seq    int64
	Kind   RunQueueEntryKind
	Vat    ids.VatID         // notify, gc-drop, gc-retire, bringOutYourDead
	Target ids.Kref          // send
	Method string            // send
	Args   capdata.CapData   // send
	Result ids.KernelPromise // send (optional)
	KP     ids.KernelPromise // notify
	Objects []ids.KernelObject // gc-drop, gc-retire
	Resolution capdata.CapData   // notify
	ResolveKind capdata.SlotKind // notify: fulfill vs reject, encoded as Object=fulfill/Promise=reject
}

// GCPendingRecord coalesces drop/retire actions for one vat into at most one
// of each per crank (spec.md §4.4 "Ordering").
type GCPendingRecord struct {
	Vat     ids.VatID
	Drop    map[ids.KernelObject]bool
	Retire  map[ids.KernelObject]bool
}

// SubclusterRecord is the persisted shape of a subcluster (spec.md §3.6).
type SubclusterRecord struct {
	ID       ids.SubclusterID
	Bootstrap string
	Vats     []ids.VatID
	System   bool
	Name     string // only set when System
}

// RestartPolicy controls VatManager's behavior on a fatal vat delivery
// error (spec.md §4.5).
type RestartPolicy string

const (
	RestartNever  RestartPolicy = "never"
	RestartAlways RestartPolicy = "always"
)

// VatConfigRecord is the persisted per-vat configuration (spec.md §6.4).
type VatConfigRecord struct {
	ID            ids.VatID
	Subcluster    ids.SubclusterID
	Name          string
	BundleSpec    string
	Parameters    capdata.CapData
	RestartPolicy RestartPolicy
	RootKref      ids.KernelObject
}
