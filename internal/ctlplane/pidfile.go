// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctlplane owns process lifecycle concerns that sit outside
// the authorization pipeline proper: exclusive PID file ownership and
// the signal-driven event loop (shutdown/reload). The control verbs
// (start, kill, restart, status, fw-list, dump-config,
// rotate-digest-cache) are dispatched by cmd/knockd, not here.
package ctlplane

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	kerrors "grimm.is/knockd/internal/errors"
)

// PIDFile guards exclusive daemon ownership of one path.
type PIDFile struct {
	path string
}

// Acquire creates path exclusively and writes the current PID into
// it. If path already exists and names a live process, it returns
// KindPidfileBusy (spec.md §7). A stale file — one naming a process
// that is no longer running — is reclaimed silently, the same
// crash-recovery behavior internal/supervisor already assumes for
// knockd's own restart classification.
func Acquire(path string) (*PIDFile, error) {
	if existing, err := readPID(path); err == nil {
		if processAlive(existing) {
			return nil, kerrors.Errorf(kerrors.KindPidfileBusy, "knockd already running with pid %d (%s)", existing, path)
		}
		// Stale: remove before reclaiming.
		_ = os.Remove(path)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, kerrors.Errorf(kerrors.KindPidfileBusy, "pid file %s exists and could not be reclaimed", path)
		}
		return nil, kerrors.Wrapf(err, kerrors.KindConfigInvalid, "create pid file %s", path)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		os.Remove(path)
		return nil, kerrors.Wrapf(err, kerrors.KindConfigInvalid, "write pid file %s", path)
	}

	return &PIDFile{path: path}, nil
}

// Release removes the PID file. Call on clean shutdown only; a crash
// leaves it behind for the next Acquire's staleness check.
func (p *PIDFile) Release() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return kerrors.Wrapf(err, kerrors.KindConfigInvalid, "remove pid file %s", p.path)
	}
	return nil
}

// ReadPID reads the PID recorded at path, for the `kill`/`status`/
// `restart` verbs which act on an already-running daemon.
func ReadPID(path string) (int, error) {
	return readPID(path)
}

func readPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, kerrors.Wrapf(err, kerrors.KindConfigInvalid, "parse pid file %s", path)
	}
	return pid, nil
}

// processAlive reports whether pid names a running process. On POSIX,
// FindProcess always succeeds; Signal(0) is the actual liveness probe.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
