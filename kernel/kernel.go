// Package kernel wires every kernel component (store, GC, vat manager,
// crank, subcluster manager, services registry, stats) into the single
// object the daemon and RPC server hold, and implements rpc.Kernel.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package kernel

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/crank"
	"github.com/ocapkernel/kernel/gc"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/klog"
	"github.com/ocapkernel/kernel/queue"
	"github.com/ocapkernel/kernel/rpc"
	"github.com/ocapkernel/kernel/services"
	"github.com/ocapkernel/kernel/store"
	"github.com/ocapkernel/kernel/subcluster"
	"github.com/ocapkernel/kernel/vat"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kernel is the top-level wiring described by spec.md §9 "Global mutable
// state ... threaded as constructor arguments" — one instance per daemon
// process, constructed once at start and torn down at shutdown.
type Kernel struct {
	Store       *store.Store
	Vats        *vat.Manager
	GC          *gc.Collector
	Crank       *crank.Scheduler
	Subclusters *subcluster.Manager
	Services    *services.Registry

	shutdown chan struct{}
}

// New assembles a Kernel around an already-open store. wf supplies live
// vat.Worker instances for vats as subclusters launch them.
func New(st *store.Store, wf subcluster.WorkerFactory, dispatchTimeout time.Duration, recorder crank.Stats) (*Kernel, error) {
	vats := vat.NewManager(dispatchTimeout)
	collector := gc.New()
	if err := collector.Rebuild(st); err != nil {
		return nil, err
	}
	svc := services.New()
	sched := crank.New(st, vats, collector, recorder)
	sched.Restart = func(cfg *store.VatConfigRecord) (vat.Worker, error) {
		return wf(cfg.ID, cfg.BundleSpec, cfg.Parameters)
	}
	sub := subcluster.New(st, vats, svc, wf)

	if err := reattachVats(st, vats, wf); err != nil {
		return nil, err
	}

	return &Kernel{
		Store: st, Vats: vats, GC: collector, Crank: sched,
		Subclusters: sub, Services: svc, shutdown: make(chan struct{}),
	}, nil
}

// reattachVats restores a live vat.Worker for every vat config already
// persisted in the store, so a restarted daemon (spec.md §9 "the store
// survives a crash; the in-memory vat.Manager does not") can keep
// delivering to vats that existed before this process started instead of
// finding them permanently stuck as busy-never-responds registrations.
func reattachVats(st *store.Store, vats *vat.Manager, wf subcluster.WorkerFactory) error {
	txn := st.Begin()
	cfgs, err := txn.ScanVats()
	txn.Rollback()
	if err != nil {
		return err
	}
	for _, cfg := range cfgs {
		worker, err := wf(cfg.ID, cfg.BundleSpec, cfg.Parameters)
		if err != nil {
			return kerr.Wrap(err, "reattaching vat "+string(cfg.ID))
		}
		vats.Register(cfg.ID, cfg, worker)
	}
	return nil
}

// RegisterService installs a well-known service ahead of any subcluster
// launch (spec.md §4.8); intended for daemon-start population only.
func (k *Kernel) RegisterService(name string, kref ids.Kref, systemOnly bool) {
	k.Services.Register(name, kref, systemOnly)
}

// Run drives the crank loop until ctx is cancelled or Shutdown is called,
// in the teacher's run-to-quiescence-then-idle-wait pattern: a crank that
// found nothing to do backs off briefly rather than busy-spinning.
func (k *Kernel) Run(ctx context.Context) error {
	idle := time.NewTicker(5 * time.Millisecond)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-k.shutdown:
			return nil
		default:
		}

		ranAny, err := k.Crank.RunOnce(ctx)
		if err != nil {
			klog.Errorln("kernel: crank loop stopping on fatal error:", err)
			return err
		}
		if !ranAny {
			select {
			case <-ctx.Done():
				return nil
			case <-k.shutdown:
				return nil
			case <-idle.C:
			}
		}
	}
}

// Shutdown implements rpc.Kernel's shutdown method: stops the crank loop.
// The caller (cmd/ocapd) is responsible for closing the store afterward,
// once Run has returned.
func (k *Kernel) Shutdown() error {
	select {
	case <-k.shutdown:
	default:
		close(k.shutdown)
	}
	return nil
}

// GetStatus implements rpc.Kernel.
func (k *Kernel) GetStatus() (rpc.StatusResult, error) {
	var res rpc.StatusResult
	err := queue.WaitForCrank(k.Store, func(txn *store.Txn) error {
		vats, err := txn.ScanVats()
		if err != nil {
			return err
		}
		for _, v := range vats {
			res.Vats = append(res.Vats, string(v.ID))
		}
		scs, err := txn.ScanSubclusters()
		if err != nil {
			return err
		}
		for _, s := range scs {
			res.Subclusters = append(res.Subclusters, string(s.ID))
		}
		depth, err := queue.Depth(txn)
		if err != nil {
			return err
		}
		res.QueueDepth = depth
		return nil
	})
	return res, err
}

// wireVatSpec/wireClusterConfig are the wire shapes of spec.md §6.4's
// cluster config JSON; subcluster.ClusterConfig itself carries no json
// tags since it is also built directly by tests and other callers.
type wireVatSpec struct {
	BundleSpec    string          `json:"bundleSpec"`
	Parameters    capdata.CapData `json:"parameters"`
	RestartPolicy string          `json:"restartPolicy"`
}

type wireClusterConfig struct {
	Bootstrap string                 `json:"bootstrap"`
	Vats      map[string]wireVatSpec `json:"vats"`
	Services  []string               `json:"services"`
	System    bool                   `json:"system"`
	Name      string                 `json:"name"`
}

func parseClusterConfig(raw json.RawMessage) (subcluster.ClusterConfig, error) {
	var w wireClusterConfig
	if err := json.Unmarshal(raw, &w); err != nil {
		return subcluster.ClusterConfig{}, kerr.NewInvalidConfig("malformed cluster config: %v", err)
	}
	cfg := subcluster.ClusterConfig{
		Bootstrap: w.Bootstrap, Services: w.Services, System: w.System, Name: w.Name,
	}
	for name, v := range w.Vats {
		policy := store.RestartNever
		if v.RestartPolicy == string(store.RestartAlways) {
			policy = store.RestartAlways
		}
		cfg.Vats = append(cfg.Vats, subcluster.VatSpec{
			Name: name, BundleSpec: v.BundleSpec, Parameters: v.Parameters, RestartPolicy: policy,
		})
	}
	return cfg, nil
}

// LaunchSubcluster implements rpc.Kernel.
func (k *Kernel) LaunchSubcluster(config json.RawMessage) (rpc.LaunchResult, error) {
	cfg, err := parseClusterConfig(config)
	if err != nil {
		return rpc.LaunchResult{}, err
	}
	res, err := k.Subclusters.Launch(cfg)
	if err != nil {
		return rpc.LaunchResult{}, err
	}
	return rpc.LaunchResult{
		SubclusterID: string(res.SubclusterID),
		RootKref:     string(res.RootKref),
	}, nil
}

// TerminateSubcluster implements rpc.Kernel.
func (k *Kernel) TerminateSubcluster(subclusterID string) error {
	return k.Subclusters.Terminate(ids.SubclusterID(subclusterID), k.GC.RetireExports)
}

// QueueMessage implements rpc.Kernel: an external send{} against an
// already-exported root kref, e.g. a CLI call against a subcluster's
// bootstrap result. The result is read back once the promise it was given
// settles, polling the store between crank iterations the same way an
// in-vat subscriber would wait on a notify.
func (k *Kernel) QueueMessage(target ids.Kref, method string, args capdata.CapData) (capdata.CapData, error) {
	var resultKP ids.KernelPromise
	err := queue.WaitForCrank(k.Store, func(txn *store.Txn) error {
		resultKP = ids.MakeKernelPromise(txn.NextID("kp"))
		if err := txn.PutPromise(&store.KernelPromiseRecord{
			KP: resultKP, State: store.Unresolved, Decider: "",
		}); err != nil {
			return err
		}
		if err := queue.EnqueueSend(txn, target, method, args, resultKP); err != nil {
			return err
		}
		return txn.Commit()
	})
	if err != nil {
		return capdata.CapData{}, err
	}

	for {
		var rec *store.KernelPromiseRecord
		err := queue.WaitForCrank(k.Store, func(txn *store.Txn) error {
			r, found, err := txn.GetPromise(resultKP)
			if err != nil {
				return err
			}
			if !found {
				return kerr.NewNotFound("result promise %q vanished", resultKP)
			}
			rec = r
			return nil
		})
		if err != nil {
			return capdata.CapData{}, err
		}
		switch rec.State {
		case store.Fulfilled:
			return rec.Resolution, nil
		case store.Rejected:
			switch rec.Kind {
			case kerr.BadRef:
				return capdata.CapData{}, kerr.NewBadRef("%s", rec.RejectReason)
			case kerr.VatTerminated:
				return capdata.CapData{}, kerr.NewVatTerminated("%s", rec.RejectReason)
			default:
				return capdata.CapData{}, kerr.NewPromiseRejected("%s", rec.RejectReason)
			}
		}
		time.Sleep(time.Millisecond)
	}
}

// Revoke implements rpc.Kernel. For an object it retires the kref through
// GC.RetireExports, so every importer is sent a gc-retire; for an
// unresolved promise it rejects it with reason "capability revoked". An
// unknown kref or an already-settled promise returns false with no error.
func (k *Kernel) Revoke(kref string) (bool, error) {
	kr := ids.Kref(kref)
	var revoked bool
	err := queue.WaitForCrank(k.Store, func(txn *store.Txn) error {
		if kr.IsObject() {
			rec, found, err := txn.GetObject(ids.KernelObject(kr))
			if err != nil {
				return err
			}
			if !found {
				return nil
			}
			if err := k.GC.RetireExports(txn, rec.Owner, []ids.KernelObject{rec.KO}); err != nil {
				return err
			}
			revoked = true
			return txn.Commit()
		}
		rec, found, err := txn.GetPromise(ids.KernelPromise(kr))
		if err != nil {
			return err
		}
		if !found || rec.State != store.Unresolved {
			return nil
		}
		rec.State = store.Rejected
		rec.RejectReason = "capability revoked"
		if err := txn.PutPromise(rec); err != nil {
			return err
		}
		revoked = true
		return txn.Commit()
	})
	return revoked, err
}

// ListRefs implements rpc.Kernel: every live kernel object, as ref/kref
// pairs naming the owning vat's export ref alongside its kref.
func (k *Kernel) ListRefs() ([]rpc.RefEntry, error) {
	var out []rpc.RefEntry
	err := queue.WaitForCrank(k.Store, func(txn *store.Txn) error {
		objs, err := txn.ScanObjects()
		if err != nil {
			return err
		}
		for _, o := range objs {
			if o.Retired() {
				continue
			}
			entry, found, err := txn.GetCListByKref(o.Owner, ids.Kref(o.KO))
			if err != nil {
				return err
			}
			ref := ""
			if found {
				ref = string(entry.VatRef)
			}
			out = append(out, rpc.RefEntry{Ref: ref, Kref: string(o.KO)})
		}
		return nil
	})
	return out, err
}
