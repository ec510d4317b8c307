// Package daemonctl implements the client-side stop sequence of spec.md
// §6.1, used by cmd/ocapctl's "stop" command (cmd/ocapd handles its own
// SIGINT/SIGTERM and does not import this package).
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package daemonctl

import (
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/rpc"
)

// Stop implements "shutdown RPC -> poll socket up to 5s -> SIGTERM via PID
// -> poll 5s -> SIGKILL -> poll 2s -> report did not stop" (spec.md §6.1).
func Stop(socketPath, pidFile string) error {
	if c, err := rpc.DialRetry(socketPath); err == nil {
		_ = c.Call("shutdown", nil, nil)
		c.Close()
	}
	if waitGone(socketPath, 5*time.Second) {
		return nil
	}

	pid, err := readPID(pidFile)
	if err != nil {
		return err
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return kerr.Wrap(err, "sending SIGTERM")
	}
	if waitDead(pid, 5*time.Second) {
		return nil
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return kerr.Wrap(err, "sending SIGKILL")
	}
	if waitDead(pid, 2*time.Second) {
		return nil
	}
	return kerr.NewTimeout("daemon did not stop")
}

func readPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, kerr.Wrap(err, "reading pid file")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, kerr.NewInvalidConfig("malformed pid file %s: %v", path, err)
	}
	return pid, nil
}

// Alive reports whether pid names a live process, via a signal-0 probe
// (spec.md §9 "probe process liveness (kill(pid, 0))").
func Alive(pid int) bool {
	return unix.Kill(pid, 0) != unix.ESRCH
}

func waitDead(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

func waitGone(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); os.IsNotExist(err) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
