// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindPolicyDeny, "port not permitted")
	if err.Error() != "port not permitted" {
		t.Errorf("expected 'port not permitted', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "authorization failed")
	if wrapped.Error() != "authorization failed: port not permitted" {
		t.Errorf("expected 'authorization failed: port not permitted', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindReplay, "digest already seen")
	if GetKind(err) != KindReplay {
		t.Errorf("expected KindReplay, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindInternal, "failed")
	if GetKind(wrapped) != KindInternal {
		t.Errorf("expected KindInternal, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindReplay, "digest already seen")
	err = Attr(err, "src_ip", "10.1.2.3")
	err = Attr(err, "first_seen_unix", int64(1700000000))

	attrs := GetAttributes(err)
	if attrs["src_ip"] != "10.1.2.3" {
		t.Errorf("expected 10.1.2.3, got %v", attrs["src_ip"])
	}
	if attrs["first_seen_unix"] != int64(1700000000) {
		t.Errorf("expected 1700000000, got %v", attrs["first_seen_unix"])
	}

	wrapped := Wrap(err, KindInternal, "failed")
	wrapped = Attr(wrapped, "stage", "replay_check")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["src_ip"] != "10.1.2.3" || allAttrs["stage"] != "replay_check" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}

func TestFatal(t *testing.T) {
	if !Fatal(KindConfigInvalid) {
		t.Error("CONFIG_INVALID should be fatal")
	}
	if !Fatal(KindPidfileBusy) {
		t.Error("PIDFILE_BUSY should be fatal")
	}
	if Fatal(KindReplay) {
		t.Error("REPLAY should not be fatal")
	}
	if Fatal(KindFWCmdFailure) {
		t.Error("FW_CMD_FAILURE should not be fatal")
	}
}
