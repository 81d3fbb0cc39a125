// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"os"
	"path/filepath"
	"testing"

	kerrors "grimm.is/knockd/internal/errors"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knockd.pid")

	pf, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	pid, err := ReadPID(path)
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	if err := pf.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected pid file removed after Release")
	}
}

func TestAcquire_BusyWhenOwnerAlive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knockd.pid")

	pf, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer pf.Release()

	_, err = Acquire(path)
	if kerrors.GetKind(err) != kerrors.KindPidfileBusy {
		t.Fatalf("GetKind(err) = %v, want KindPidfileBusy", kerrors.GetKind(err))
	}
}

func TestAcquire_ReclaimsStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knockd.pid")

	// A PID very unlikely to be alive: far above the PIDs a test host
	// normally has in use (though below Linux's 4194304 pid_max
	// ceiling), still numerically parseable.
	if err := os.WriteFile(path, []byte("999999\n"), 0644); err != nil {
		t.Fatalf("seed stale pid file: %v", err)
	}

	pf, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire over stale file: %v", err)
	}
	defer pf.Release()

	pid, err := ReadPID(path)
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d (reclaimed)", pid, os.Getpid())
	}
}
