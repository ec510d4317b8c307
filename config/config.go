// Package config loads and validates kernel-wide configuration, following
// the teacher's single constructed config-owner pattern (cmn.GCO.Get()):
// one *Config is built at daemon start and threaded through constructors,
// never read from a package-level global inside core logic.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/ocapkernel/kernel/kerr"
)

// Config is the daemon's resolved configuration.
type Config struct {
	// SocketPath is the JSON-RPC unix socket path (spec.md §6.1).
	SocketPath string `json:"socketPath"`
	// PIDFile is where the daemon's pid is written.
	PIDFile string `json:"pidFile"`
	// StorePath is the buntdb file backing the KernelStore.
	StorePath string `json:"storePath"`
	// SnapshotDir holds periodic reed-solomon-protected store snapshots.
	SnapshotDir string `json:"snapshotDir"`

	// DispatchTimeout bounds a single vat delivery (spec.md §5).
	DispatchTimeout time.Duration `json:"dispatchTimeout"`
	// BringOutYourDeadPeriod is the cadence at which each live vat is sent
	// a bringOutYourDead delivery (spec.md §4.4).
	BringOutYourDeadPeriod time.Duration `json:"bringOutYourDeadPeriod"`
	// RPCReadTimeout bounds a single read on the daemon socket (spec.md §5).
	RPCReadTimeout time.Duration `json:"rpcReadTimeout"`

	// SnapshotParityShards configures the reed-solomon parity level for
	// store snapshots (0 disables periodic snapshots altogether).
	SnapshotDataShards   int `json:"snapshotDataShards"`
	SnapshotParityShards int `json:"snapshotParityShards"`
}

// Default returns the default configuration, rooted under dir (typically
// ~/.ocap, per spec.md §6.1's default socket/pid paths).
func Default(dir string) *Config {
	return &Config{
		SocketPath:             filepath.Join(dir, "console.sock"),
		PIDFile:                filepath.Join(dir, "daemon.pid"),
		StorePath:              filepath.Join(dir, "kernel.bunt"),
		SnapshotDir:            filepath.Join(dir, "snapshots"),
		DispatchTimeout:        30 * time.Second,
		BringOutYourDeadPeriod: 2 * time.Minute,
		RPCReadTimeout:         10 * time.Second,
		SnapshotDataShards:     4,
		SnapshotParityShards:   2,
	}
}

// DefaultDir returns ~/.ocap, falling back to ./.ocap if $HOME is unset.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".ocap"
	}
	return filepath.Join(home, ".ocap")
}

// Load reads a JSON config file and overlays it onto Default(DefaultDir()).
func Load(path string) (*Config, error) {
	cfg := Default(DefaultDir())
	if path == "" {
		return cfg, cfg.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, kerr.NewInvalidConfig("reading config file %s: %v", path, err)
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, kerr.NewInvalidConfig("parsing config file %s: %v", path, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return kerr.NewInvalidConfig("socketPath must not be empty")
	}
	if c.StorePath == "" {
		return kerr.NewInvalidConfig("storePath must not be empty")
	}
	if c.DispatchTimeout <= 0 {
		return kerr.NewInvalidConfig("dispatchTimeout must be positive")
	}
	if c.SnapshotParityShards > 0 && c.SnapshotDataShards <= 0 {
		return kerr.NewInvalidConfig("snapshotDataShards must be positive when parity shards are configured")
	}
	return nil
}
