package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel"
	"github.com/ocapkernel/kernel/store"
	"github.com/ocapkernel/kernel/vat"
)

// workerFunc adapts a closure to vat.Worker.
type workerFunc func(context.Context, vat.Delivery) ([]vat.Syscall, error)

func (f workerFunc) Deliver(ctx context.Context, d vat.Delivery) ([]vat.Syscall, error) {
	return f(ctx, d)
}

func testBundle(name string) string { return "test://" + name }

// openKernel builds a Kernel around a fresh on-disk store at dbPath,
// dispatching a vat's bundleSpec ("test://<name>") to the worker factories
// map.
func openKernel(dbPath string, factories map[string]func(ids.VatID) vat.Worker) *kernel.Kernel {
	st, err := store.Open(dbPath)
	Expect(err).NotTo(HaveOccurred())
	k, err := kernel.New(st, workerFactoryFor(factories), 2*time.Second, nil)
	Expect(err).NotTo(HaveOccurred())
	return k
}

func workerFactoryFor(factories map[string]func(ids.VatID) vat.Worker) func(ids.VatID, string, capdata.CapData) (vat.Worker, error) {
	return func(vatID ids.VatID, bundleSpec string, params capdata.CapData) (vat.Worker, error) {
		for name, f := range factories {
			if bundleSpec == testBundle(name) {
				return f(vatID), nil
			}
		}
		return nil, fmt.Errorf("no worker registered for bundleSpec %q", bundleSpec)
	}
}

// pump drains the run queue until a crank finds nothing left to do.
func pump(k *kernel.Kernel) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 500; i++ {
		ranAny, err := k.Crank.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		if !ranAny {
			return
		}
	}
}

func launchConfig(bootstrap string, vats ...string) []byte {
	type vatSpec struct {
		BundleSpec string `json:"bundleSpec"`
	}
	body := struct {
		Bootstrap string             `json:"bootstrap"`
		Vats      map[string]vatSpec `json:"vats"`
	}{Bootstrap: bootstrap, Vats: map[string]vatSpec{}}
	for _, v := range vats {
		body.Vats[v] = vatSpec{BundleSpec: testBundle(v)}
	}
	raw, err := json.Marshal(body)
	Expect(err).NotTo(HaveOccurred())
	return raw
}

// bootstrapIndex mirrors the subcluster manager's bootstrap body shape
// (spec.md §4.7 step 4: {vats: name->slot, services: name->slot}).
type bootstrapIndex struct {
	Vats     map[string]int `json:"vats"`
	Services map[string]int `json:"services"`
}

// rootKrefOf reads a live vat's root kref straight out of the store, the
// way an external caller learns of a non-bootstrap vat's root in these
// tests (a real caller only ever gets it forwarded through a capability).
func rootKrefOf(k *kernel.Kernel, name string) ids.Kref {
	txn := k.Store.Begin()
	defer txn.Rollback()
	vats, err := txn.ScanVats()
	Expect(err).NotTo(HaveOccurred())
	for _, v := range vats {
		if v.Name == name {
			return ids.Kref(v.RootKref)
		}
	}
	Fail(fmt.Sprintf("no vat named %q", name))
	return ""
}

func resolveSyscall(result ids.VatRef, value capdata.CapData) vat.Syscall {
	return vat.Syscall{
		Kind: vat.SyscallResolve,
		Resolutions: []vat.Resolution{{
			Promise: result, OK: true, Value: value,
		}},
	}
}

var _ = Describe("ocap kernel scenarios", func() {
	var dbPath string

	BeforeEach(func() {
		dir, err := os.MkdirTemp("", "ocap-e2e-*")
		Expect(err).NotTo(HaveOccurred())
		dbPath = filepath.Join(dir, "kernel.db")
	})

	AfterEach(func() {
		os.RemoveAll(filepath.Dir(dbPath))
	})

	// S1: a two-vat subcluster's bootstrap hands each vat the other's root.
	Describe("S1: two-vat bootstrap", func() {
		It("wires both vat roots into the bootstrap payload", func() {
			var sawB ids.VatRef
			var bootstrapOK bool
			k := openKernel(dbPath, map[string]func(ids.VatID) vat.Worker{
				"a": func(ids.VatID) vat.Worker {
					return workerFunc(func(_ context.Context, d vat.Delivery) ([]vat.Syscall, error) {
						if d.Kind != vat.DeliverMessage || d.Method != "bootstrap" {
							return nil, nil
						}
						var idx bootstrapIndex
						Expect(json.Unmarshal(d.Args.Body, &idx)).To(Succeed())
						sawB = ids.VatRef(d.Args.Slots[idx.Vats["b"]].Ref)
						bootstrapOK = true
						return []vat.Syscall{resolveSyscall(d.Result, capdata.CapData{Body: []byte(`"ok"`)})}, nil
					})
				},
				"b": func(ids.VatID) vat.Worker {
					return workerFunc(func(context.Context, vat.Delivery) ([]vat.Syscall, error) { return nil, nil })
				},
			})

			res, err := k.LaunchSubcluster(launchConfig("a", "a", "b"))
			Expect(err).NotTo(HaveOccurred())
			pump(k)

			Expect(bootstrapOK).To(BeTrue())
			Expect(sawB).NotTo(BeEmpty())

			status, err := k.GetStatus()
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Vats).To(HaveLen(2))
			Expect(status.Subclusters).To(ConsistOf(res.SubclusterID))
		})
	})

	// S2: a message to an unresolved promise queues on it, and is only
	// delivered once the promise resolves to an object (spec.md §8).
	Describe("S2: promise pipelining", func() {
		It("defers bar() until B resolves p to an object", func() {
			var barSeen bool
			var barTarget ids.VatRef

			k := openKernel(dbPath, map[string]func(ids.VatID) vat.Worker{
				"a": func(ids.VatID) vat.Worker {
					return workerFunc(func(_ context.Context, d vat.Delivery) ([]vat.Syscall, error) {
						if d.Kind != vat.DeliverMessage || d.Method != "bootstrap" {
							return nil, nil
						}
						var idx bootstrapIndex
						Expect(json.Unmarshal(d.Args.Body, &idx)).To(Succeed())
						bRef := ids.VatRef(d.Args.Slots[idx.Vats["b"]].Ref)
						return []vat.Syscall{
							resolveSyscall(d.Result, capdata.CapData{Body: []byte(`"ok"`)}),
							{Kind: vat.SyscallSend, Target: bRef, Method: "foo", Result: "p+1"},
							// Targets the very promise exported above, before
							// B has ever seen foo() — this must queue on p.
							{Kind: vat.SyscallSend, Target: "p+1", Method: "bar", Result: "p+2"},
						}, nil
					})
				},
				"b": func(ids.VatID) vat.Worker {
					return workerFunc(func(_ context.Context, d vat.Delivery) ([]vat.Syscall, error) {
						switch {
						case d.Kind == vat.DeliverMessage && d.Method == "foo":
							// Left deliberately unresolved; bar must wait.
							return nil, nil
						case d.Kind == vat.DeliverMessage && d.Method == "resolveFoo":
							pRef := ids.VatRef(d.Args.Slots[0].Ref)
							return []vat.Syscall{
								resolveSyscall(pRef, capdata.CapData{
									Slots: []capdata.Slot{{Kind: capdata.SlotObject, Ref: "o+1"}},
								}),
								resolveSyscall(d.Result, capdata.CapData{Body: []byte(`"resolved"`)}),
							}, nil
						case d.Kind == vat.DeliverMessage && d.Method == "bar":
							barSeen = true
							barTarget = d.Target
							return []vat.Syscall{resolveSyscall(d.Result, capdata.CapData{Body: []byte(`"bar-result"`)})}, nil
						}
						return nil, nil
					})
				},
			})

			_, err := k.LaunchSubcluster(launchConfig("a", "a", "b"))
			Expect(err).NotTo(HaveOccurred())
			pump(k)

			Expect(barSeen).To(BeFalse(), "bar must not be delivered while p is unresolved")

			// Find the unresolved promise B is now decider for (kp1,
			// pending bar) and ask B to resolve it, the way a later,
			// unrelated delivery would eventually wake B up to do so.
			kp1 := findUnresolvedPendingPromise(k)
			Expect(kp1).NotTo(BeEmpty())

			// QueueMessage blocks until its result settles, so it runs in
			// its own goroutine while pump drives the cranks.
			bRoot := ids.Kref(rootKrefOf(k, "b"))
			done := make(chan error, 1)
			go func() {
				_, qerr := k.QueueMessage(bRoot, "resolveFoo", capdata.CapData{
					Slots: []capdata.Slot{{Kind: capdata.SlotPromise, Ref: string(kp1)}},
				})
				done <- qerr
			}()
			Eventually(func() int {
				status, _ := k.GetStatus()
				return status.QueueDepth
			}).Should(BeNumerically(">", 0))
			pump(k)
			Eventually(done).Should(Receive(BeNil()))

			Expect(barSeen).To(BeTrue(), "bar must be delivered once p resolves to an object")
			Expect(barTarget).NotTo(BeEmpty())
		})
	})

	// S3: dropping the last import of an object delivers dropImports to
	// its owner (spec.md §4.4 GC coalescing).
	Describe("S3: garbage collection on drop", func() {
		It("notifies the owning vat once the sole importer drops its reference", func() {
			var dropSeen bool
			var droppedRefs []ids.VatRef

			k := openKernel(dbPath, map[string]func(ids.VatID) vat.Worker{
				"a": func(ids.VatID) vat.Worker {
					return workerFunc(func(_ context.Context, d vat.Delivery) ([]vat.Syscall, error) {
						switch {
						case d.Kind == vat.DeliverMessage && d.Method == "bootstrap":
							var idx bootstrapIndex
							Expect(json.Unmarshal(d.Args.Body, &idx)).To(Succeed())
							bRef := ids.VatRef(d.Args.Slots[idx.Vats["b"]].Ref)
							return []vat.Syscall{
								resolveSyscall(d.Result, capdata.CapData{Body: []byte(`"ok"`)}),
								{Kind: vat.SyscallSend, Target: bRef, Method: "give", Result: "p+1"},
								{Kind: vat.SyscallSubscribe, Subscribe: "p+1"},
							}, nil
						case d.Kind == vat.DeliverNotify:
							Expect(d.ResolveOK).To(BeTrue())
							Expect(d.Resolution.Slots).NotTo(BeEmpty())
							got := ids.VatRef(d.Resolution.Slots[0].Ref)
							return []vat.Syscall{{Kind: vat.SyscallDropImports, Refs: []ids.VatRef{got}}}, nil
						}
						return nil, nil
					})
				},
				"b": func(ids.VatID) vat.Worker {
					return workerFunc(func(_ context.Context, d vat.Delivery) ([]vat.Syscall, error) {
						switch {
						case d.Kind == vat.DeliverMessage && d.Method == "give":
							return []vat.Syscall{resolveSyscall(d.Result, capdata.CapData{
								Slots: []capdata.Slot{{Kind: capdata.SlotObject, Ref: "o+1"}},
							})}, nil
						case d.Kind == vat.DeliverDropImports:
							dropSeen = true
							droppedRefs = d.Refs
						}
						return nil, nil
					})
				},
			})

			_, err := k.LaunchSubcluster(launchConfig("a", "a", "b"))
			Expect(err).NotTo(HaveOccurred())
			pump(k)

			Expect(dropSeen).To(BeTrue())
			Expect(droppedRefs).To(ConsistOf(ids.VatRef("o+1")))
		})
	})

	// S4: terminating a subcluster rejects promises its vats were deciding
	// and leaves no live vats behind (spec.md §4.5/§4.7 "Termination").
	Describe("S4: vat termination cascade", func() {
		It("rejects outstanding decider promises and clears the vat set", func() {
			k := openKernel(dbPath, map[string]func(ids.VatID) vat.Worker{
				"a": func(ids.VatID) vat.Worker {
					return workerFunc(func(_ context.Context, d vat.Delivery) ([]vat.Syscall, error) {
						if d.Kind != vat.DeliverMessage || d.Method != "bootstrap" {
							return nil, nil
						}
						var idx bootstrapIndex
						Expect(json.Unmarshal(d.Args.Body, &idx)).To(Succeed())
						bRef := ids.VatRef(d.Args.Slots[idx.Vats["b"]].Ref)
						return []vat.Syscall{
							resolveSyscall(d.Result, capdata.CapData{Body: []byte(`"ok"`)}),
							{Kind: vat.SyscallSend, Target: bRef, Method: "foo", Result: "p+1"},
						}, nil
					})
				},
				"b": func(ids.VatID) vat.Worker {
					return workerFunc(func(context.Context, vat.Delivery) ([]vat.Syscall, error) {
						return nil, nil // never resolves foo's result
					})
				},
			})

			res, err := k.LaunchSubcluster(launchConfig("a", "a", "b"))
			Expect(err).NotTo(HaveOccurred())
			pump(k)

			kp1 := findUnresolvedPendingOrPlainPromise(k)
			Expect(kp1).NotTo(BeEmpty())

			Expect(k.TerminateSubcluster(res.SubclusterID)).To(Succeed())

			txn := k.Store.Begin()
			rec, found, err := txn.GetPromise(kp1)
			txn.Rollback()
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(rec.State).To(Equal(store.Rejected))

			status, err := k.GetStatus()
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Vats).To(BeEmpty())
			Expect(status.Subclusters).To(BeEmpty())
		})
	})

	// S5: a restarted kernel reattaches pre-existing vats and keeps
	// delivering to them (spec.md §9 "the store survives a crash").
	Describe("S5: crash recovery", func() {
		It("reattaches vats from the store and keeps serving after reopen", func() {
			factories := map[string]func(ids.VatID) vat.Worker{
				"a": func(ids.VatID) vat.Worker {
					return workerFunc(func(_ context.Context, d vat.Delivery) ([]vat.Syscall, error) {
						if d.Kind == vat.DeliverMessage && d.Result != "" {
							return []vat.Syscall{resolveSyscall(d.Result, capdata.CapData{Body: []byte(`"` + d.Method + `"`)})}, nil
						}
						return nil, nil
					})
				},
			}

			k1 := openKernel(dbPath, factories)
			res, err := k1.LaunchSubcluster(launchConfig("a", "a"))
			Expect(err).NotTo(HaveOccurred())
			pump(k1)
			Expect(k1.Store.Close()).To(Succeed())

			st2, err := store.Open(dbPath)
			Expect(err).NotTo(HaveOccurred())
			k2, err := kernel.New(st2, workerFactoryFor(factories), 2*time.Second, nil)
			Expect(err).NotTo(HaveOccurred())

			status, err := k2.GetStatus()
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Vats).To(HaveLen(1))
			Expect(status.Subclusters).To(ConsistOf(res.SubclusterID))

			// QueueMessage waits for its result, so the crank loop must run.
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go k2.Run(ctx)

			out, err := k2.QueueMessage(ids.Kref(res.RootKref), "ping", capdata.CapData{})
			Expect(err).NotTo(HaveOccurred())
			Expect(string(out.Body)).To(Equal(`"ping"`))
		})
	})

	// S6: launching a subcluster that asks for a system-only service from
	// a non-system cluster is rejected before anything is committed
	// (spec.md §4.8 "Service forbidden").
	Describe("S6: forbidden service", func() {
		It("rejects the launch and leaves no trace", func() {
			k := openKernel(dbPath, map[string]func(ids.VatID) vat.Worker{
				"a": func(ids.VatID) vat.Worker {
					return workerFunc(func(context.Context, vat.Delivery) ([]vat.Syscall, error) { return nil, nil })
				},
			})
			k.RegisterService("admin-console", "ko999", true)

			cfg := struct {
				Bootstrap string   `json:"bootstrap"`
				Vats      map[string]struct {
					BundleSpec string `json:"bundleSpec"`
				} `json:"vats"`
				Services []string `json:"services"`
			}{
				Bootstrap: "a",
				Vats: map[string]struct {
					BundleSpec string `json:"bundleSpec"`
				}{"a": {BundleSpec: testBundle("a")}},
				Services: []string{"admin-console"},
			}
			raw, err := json.Marshal(cfg)
			Expect(err).NotTo(HaveOccurred())

			_, err = k.LaunchSubcluster(raw)
			Expect(err).To(HaveOccurred())

			status, err := k.GetStatus()
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Vats).To(BeEmpty())
			Expect(status.Subclusters).To(BeEmpty())
		})
	})
})

// findUnresolvedPendingPromise returns the kp of the single unresolved
// promise that currently has a pending message queued on it (S2's p).
func findUnresolvedPendingPromise(k *kernel.Kernel) ids.KernelPromise {
	txn := k.Store.Begin()
	defer txn.Rollback()
	all, err := txn.ScanAllPromises()
	Expect(err).NotTo(HaveOccurred())
	for _, p := range all {
		if p.State == store.Unresolved && len(p.Pending) > 0 {
			return p.KP
		}
	}
	return ""
}

// findUnresolvedPendingOrPlainPromise returns any unresolved promise's kp,
// pending or not (S4's result promise, which nobody queued on).
func findUnresolvedPendingOrPlainPromise(k *kernel.Kernel) ids.KernelPromise {
	txn := k.Store.Begin()
	defer txn.Rollback()
	all, err := txn.ScanAllPromises()
	Expect(err).NotTo(HaveOccurred())
	for _, p := range all {
		if p.State == store.Unresolved {
			return p.KP
		}
	}
	return ""
}
