// Command ocapd is the kernel daemon: it owns the KernelStore, Services
// registry and Crank, listens on the JSON-RPC console socket, and handles
// the stop sequence of spec.md §6.1.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/comms"
	"github.com/ocapkernel/kernel/config"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel"
	"github.com/ocapkernel/kernel/klog"
	"github.com/ocapkernel/kernel/queue"
	"github.com/ocapkernel/kernel/rpc"
	"github.com/ocapkernel/kernel/stats"
	"github.com/ocapkernel/kernel/store"
	"github.com/ocapkernel/kernel/subcluster"
	"github.com/ocapkernel/kernel/vat"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file (defaults layered under ~/.ocap)")
	metricsAddr := flag.String("metrics-addr", "", "optional address to serve /metrics on, e.g. :9090")
	verbosity := flag.Int("v", 0, "log verbosity")
	flag.Parse()

	klog.SetVerbosity(*verbosity)

	cfg, err := config.Load(*configPath)
	if err != nil {
		klog.Fatalln("ocapd: loading config:", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
		klog.Fatalln("ocapd: creating run directory:", err)
	}

	if err := writePIDFile(cfg.PIDFile); err != nil {
		klog.Fatalln("ocapd: writing pid file:", err)
	}
	defer os.Remove(cfg.PIDFile)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		klog.Fatalln("ocapd: opening store:", err)
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	recorder := stats.NewRecorder(registry)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				klog.Warningln("ocapd: metrics server stopped:", err)
			}
		}()
	}

	k, err := kernel.New(st, defaultWorkerFactory(cfg.DispatchTimeout), cfg.DispatchTimeout, recorder)
	if err != nil {
		klog.Fatalln("ocapd: assembling kernel:", err)
	}

	srv, err := rpc.Listen(cfg.SocketPath, k, cfg.RPCReadTimeout)
	if err != nil {
		klog.Fatalln("ocapd: listening on console socket:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		klog.Infoln("ocapd: signal received, shutting down")
		k.Shutdown()
		cancel()
	}()

	go func() {
		if err := srv.Serve(); err != nil {
			klog.Warningln("ocapd: rpc server stopped:", err)
		}
	}()

	if cfg.BringOutYourDeadPeriod > 0 {
		go runBringOutYourDead(ctx, k, cfg.BringOutYourDeadPeriod)
	}
	if cfg.SnapshotParityShards > 0 {
		go runSnapshots(ctx, st, cfg)
	}

	klog.Infoln("ocapd: listening on", cfg.SocketPath, "store at", cfg.StorePath)
	if err := k.Run(ctx); err != nil {
		srv.Close()
		klog.Fatalln("ocapd: kernel run loop exited with fatal error:", err)
	}
	srv.Close()
	klog.Infoln("ocapd: stopped cleanly")
}

// defaultWorkerFactory builds a vat.Worker for a resolved bundleSpec. Vat
// worker execution is out of the kernel's scope (spec.md §1): an
// "http(s)://" bundleSpec is treated as a remote comms peer (SPEC_FULL.md
// §4.9); anything else gets a bare local stub that only answers bootstrap,
// enough to exercise the kernel end to end without a real vat runtime.
func defaultWorkerFactory(dispatchTimeout time.Duration) subcluster.WorkerFactory {
	return func(vatID ids.VatID, bundleSpec string, params capdata.CapData) (vat.Worker, error) {
		if strings.HasPrefix(bundleSpec, "http://") || strings.HasPrefix(bundleSpec, "https://") {
			return comms.NewPeerClient(bundleSpec), nil
		}
		return stubWorker{}, nil
	}
}

// stubWorker resolves bootstrap{} with "ok" and no-ops everything else; a
// placeholder for a real vat runtime, which is out of scope.
type stubWorker struct{}

func (stubWorker) Deliver(ctx context.Context, d vat.Delivery) ([]vat.Syscall, error) {
	if d.Kind == vat.DeliverMessage && d.Method == "bootstrap" && d.Result != "" {
		return []vat.Syscall{{
			Kind: vat.SyscallResolve,
			Resolutions: []vat.Resolution{{
				Promise: d.Result, OK: true, Value: capdata.CapData{Body: []byte(`"ok"`)},
			}},
		}}, nil
	}
	return nil, nil
}

// runBringOutYourDead schedules the cycle-collection handshake for every
// live vat on a fixed cadence (spec.md §4.4), one run-queue entry per vat
// per tick, committed together so a tick either lands in full or not at
// all.
func runBringOutYourDead(ctx context.Context, k *kernel.Kernel, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		err := queue.WaitForCrank(k.Store, func(txn *store.Txn) error {
			vats, err := txn.ScanVats()
			if err != nil {
				return err
			}
			for _, v := range vats {
				k.GC.ScheduleBringOutYourDead(txn, v.ID)
			}
			return txn.Commit()
		})
		if err != nil {
			klog.Warningln("ocapd: bringOutYourDead tick failed:", err)
		}
	}
}

// runSnapshots takes a reed-solomon-protected store snapshot on a fixed
// cadence (store/snapshot.go); nothing at startup reads them back.
func runSnapshots(ctx context.Context, st *store.Store, cfg *config.Config) {
	if err := os.MkdirAll(cfg.SnapshotDir, 0o755); err != nil {
		klog.Warningln("ocapd: creating snapshot dir:", err)
		return
	}
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := st.Snapshot(cfg.SnapshotDir, cfg.SnapshotDataShards, cfg.SnapshotParityShards); err != nil {
			klog.Warningln("ocapd: snapshot failed:", err)
			continue
		}
		klog.VInfoln(1, "ocapd: snapshot written to", cfg.SnapshotDir)
	}
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
