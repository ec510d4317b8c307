// Package subcluster implements the SubclusterManager (spec.md §4.7):
// atomic creation and destruction of groups of vats sharing a bootstrap
// message.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package subcluster

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/klog"
	"github.com/ocapkernel/kernel/kref"
	"github.com/ocapkernel/kernel/queue"
	"github.com/ocapkernel/kernel/services"
	"github.com/ocapkernel/kernel/store"
	"github.com/ocapkernel/kernel/vat"
)

// VatSpec is one entry of a cluster config's vats map (spec.md §6.4).
type VatSpec struct {
	Name          string
	BundleSpec    string
	Parameters    capdata.CapData
	RestartPolicy store.RestartPolicy
}

// ClusterConfig is the parsed shape of a launchSubcluster request body
// (spec.md §6.4).
type ClusterConfig struct {
	Bootstrap string
	Vats      []VatSpec // config order matters (spec.md §4.7 step 3)
	Services  []string
	System    bool
	Name      string // only meaningful when System
}

// Validate checks static config shape before anything is launched (spec.md
// §4.7 step 1): the bootstrap vat must be named among the vats, and every
// vat name must be unique.
func (c ClusterConfig) Validate() error {
	if c.Bootstrap == "" {
		return kerr.NewInvalidConfig("cluster config has no bootstrap vat")
	}
	seen := make(map[string]bool, len(c.Vats))
	haveBootstrap := false
	for _, v := range c.Vats {
		if seen[v.Name] {
			return kerr.NewInvalidConfig("duplicate vat name %q", v.Name)
		}
		seen[v.Name] = true
		if v.Name == c.Bootstrap {
			haveBootstrap = true
		}
	}
	if !haveBootstrap {
		return kerr.NewInvalidConfig("bootstrap vat %q not present in vats map", c.Bootstrap)
	}
	return nil
}

// ResolveBundleSpecs normalizes and validates every vat's bundleSpec
// concurrently with golang.org/x/sync/errgroup (spec.md §4.7 binding note:
// "a read-only fan-out before any vat is actually launched, so it cannot
// violate the all-or-nothing rollback guarantee"). Returns the resolved
// bundleSpec per vat name.
func (c ClusterConfig) ResolveBundleSpecs() (map[string]string, error) {
	resolved := make([]string, len(c.Vats))
	var g errgroup.Group
	for i, v := range c.Vats {
		i, v := i, v
		g.Go(func() error {
			r, err := resolveBundleSpec(v.BundleSpec)
			if err != nil {
				return err
			}
			resolved[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(c.Vats))
	for i, v := range c.Vats {
		out[v.Name] = resolved[i]
	}
	return out, nil
}

// resolveBundleSpec normalizes a possibly-relative bundleSpec path to a
// file:// URL, resolving a directory spec to its single *.vat entry file
// with github.com/karrick/godirwalk (spec.md §6.4, §4.7 binding note).
func resolveBundleSpec(raw string) (string, error) {
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		return raw, nil
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", kerr.NewInvalidConfig("bundleSpec %q: %v", raw, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", kerr.NewInvalidConfig("bundleSpec %q: %v", raw, err)
	}
	if info.IsDir() {
		var found string
		walkErr := godirwalk.Walk(abs, &godirwalk.Options{
			Callback: func(path string, de *godirwalk.Dirent) error {
				if de.IsDir() || !strings.HasSuffix(path, ".vat") {
					return nil
				}
				if found != "" {
					return kerr.NewInvalidConfig("bundleSpec directory %q has more than one *.vat file", abs)
				}
				found = path
				return nil
			},
			Unsorted: true,
		})
		if walkErr != nil {
			return "", walkErr
		}
		if found == "" {
			return "", kerr.NewInvalidConfig("bundleSpec directory %q has no *.vat file", abs)
		}
		abs = found
	}
	return "file://" + abs, nil
}

// WorkerFactory builds a live vat.Worker for a just-allocated vat id, given
// its resolved bundle spec and start parameters — supplied by the host
// program (an in-process simulator in tests, a subprocess or the comms
// package's remote shim in production).
type WorkerFactory func(vatID ids.VatID, bundleSpec string, params capdata.CapData) (vat.Worker, error)

// Manager is the SubclusterManager.
type Manager struct {
	Store    *store.Store
	Vats     *vat.Manager
	Services *services.Registry
	NewWorker WorkerFactory
}

func New(st *store.Store, vats *vat.Manager, svc *services.Registry, wf WorkerFactory) *Manager {
	return &Manager{Store: st, Vats: vats, Services: svc, NewWorker: wf}
}

// LaunchResult is what Launch returns on success (spec.md §4.7 step 6).
type LaunchResult struct {
	SubclusterID  ids.SubclusterID
	RootKref      ids.KernelObject
	ResultPromise ids.KernelPromise
}

// Launch implements the full launch algorithm of spec.md §4.7. On any
// failure the transaction is rolled back in its entirety (nothing was
// committed, so "terminate every launched vat in reverse order and delete
// the subcluster record" holds trivially) and every vat.Manager
// registration made so far is unwound.
func (m *Manager) Launch(cfg ClusterConfig) (LaunchResult, error) {
	if err := cfg.Validate(); err != nil {
		return LaunchResult{}, err
	}
	if !cfg.System && len(cfg.Services) > 0 {
		if _, err := m.Services.ResolveAll(cfg.Services, false); err != nil {
			return LaunchResult{}, err
		}
	}
	bundles, err := cfg.ResolveBundleSpecs()
	if err != nil {
		return LaunchResult{}, err
	}

	txn := m.Store.Begin()
	var launched []ids.VatID
	rollback := func(cause error) (LaunchResult, error) {
		for i := len(launched) - 1; i >= 0; i-- {
			m.Vats.Unregister(launched[i])
		}
		txn.Rollback()
		return LaunchResult{}, cause
	}

	scID := ids.MakeSubclusterID(txn.NextID("subcluster"))
	vatRoots := make(map[string]ids.KernelObject, len(cfg.Vats))
	var bootstrapRoot ids.KernelObject
	var bootstrapVat ids.VatID

	for _, spec := range cfg.Vats {
		vatID := ids.MakeVatID(txn.NextID("vat"))
		vcfg := &store.VatConfigRecord{
			ID: vatID, Subcluster: scID, Name: spec.Name,
			BundleSpec: bundles[spec.Name], Parameters: spec.Parameters,
			RestartPolicy: spec.RestartPolicy,
		}
		worker, err := m.NewWorker(vatID, vcfg.BundleSpec, spec.Parameters)
		if err != nil {
			return rollback(kerr.NewInvalidConfig("launching vat %q: %v", spec.Name, err))
		}
		m.Vats.Register(vatID, vcfg, worker)
		launched = append(launched, vatID)

		rootKref, err := kref.ImportFromVat(txn, vatID, "o+0")
		if err != nil {
			return rollback(err)
		}
		vcfg.RootKref = ids.KernelObject(rootKref)
		txn.PutVatConfig(vcfg)
		vatRoots[spec.Name] = ids.KernelObject(rootKref)

		if spec.Name == cfg.Bootstrap {
			bootstrapRoot = ids.KernelObject(rootKref)
			bootstrapVat = vatID
		}
	}

	var svcRefs map[string]ids.Kref
	if len(cfg.Services) > 0 {
		svcRefs, err = m.Services.ResolveAll(cfg.Services, cfg.System)
		if err != nil {
			return rollback(err)
		}
	}

	payload, err := buildBootstrapPayload(vatRoots, svcRefs)
	if err != nil {
		return rollback(err)
	}

	resultKP := ids.MakeKernelPromise(txn.NextID("kp"))
	if err := txn.PutPromise(&store.KernelPromiseRecord{KP: resultKP, State: store.Unresolved, Decider: bootstrapVat}); err != nil {
		return rollback(err)
	}
	if err := queue.EnqueueSend(txn, ids.Kref(bootstrapRoot), "bootstrap", payload, resultKP); err != nil {
		return rollback(err)
	}

	txn.PutSubcluster(&store.SubclusterRecord{ID: scID, Bootstrap: cfg.Bootstrap, Vats: launched, System: cfg.System, Name: cfg.Name})

	if err := txn.Commit(); err != nil {
		for i := len(launched) - 1; i >= 0; i-- {
			m.Vats.Unregister(launched[i])
		}
		return LaunchResult{}, err
	}

	klog.Infoln("subcluster", scID, "launched with", len(launched), "vat(s), bootstrap vat", bootstrapVat)
	return LaunchResult{SubclusterID: scID, RootKref: bootstrapRoot, ResultPromise: resultKP}, nil
}

// buildBootstrapPayload builds the {vats: name->slot, services: name->slot}
// body plus its corresponding slot list (spec.md §4.7 step 4).
func buildBootstrapPayload(vatRoots map[string]ids.KernelObject, svcRefs map[string]ids.Kref) (capdata.CapData, error) {
	type index struct {
		Vats     map[string]int `json:"vats"`
		Services map[string]int `json:"services"`
	}
	idx := index{Vats: map[string]int{}, Services: map[string]int{}}
	var slots []capdata.Slot
	for name, ko := range vatRoots {
		idx.Vats[name] = len(slots)
		slots = append(slots, capdata.Slot{Kind: capdata.SlotObject, Ref: string(ko)})
	}
	for name, sref := range svcRefs {
		idx.Services[name] = len(slots)
		slots = append(slots, capdata.Slot{Kind: capdata.SlotObject, Ref: string(sref)})
	}
	body, err := json.Marshal(idx)
	if err != nil {
		return capdata.CapData{}, kerr.Wrap(err, "encoding bootstrap payload")
	}
	return capdata.CapData{Body: body, Slots: slots}, nil
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Terminate implements subcluster termination (spec.md §4.7 "Termination"):
// member vats are terminated in reverse creation order, each in its own
// crank, before the subcluster record itself is deleted.
func (m *Manager) Terminate(scID ids.SubclusterID, retireOwned func(*store.Txn, ids.VatID, []ids.KernelObject) error) error {
	readTxn := m.Store.Begin()
	rec, found, err := readTxn.GetSubcluster(scID)
	readTxn.Rollback()
	if err != nil {
		return err
	}
	if !found {
		return kerr.NewNotFound("unknown subcluster %q", scID)
	}

	for i := len(rec.Vats) - 1; i >= 0; i-- {
		vatID := rec.Vats[i]
		txn := m.Store.Begin()
		if err := vat.Terminate(txn, m.Vats, vatID, retireOwned); err != nil {
			txn.Rollback()
			return err
		}
		if err := txn.Commit(); err != nil {
			return err
		}
	}

	txn := m.Store.Begin()
	rec2, found, err := txn.GetSubcluster(scID)
	if err != nil {
		txn.Rollback()
		return err
	}
	if found {
		txn.DeleteSubcluster(rec2)
	}
	return txn.Commit()
}
