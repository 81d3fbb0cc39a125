// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package errors provides the structured error taxonomy used across
// knockd: every failure raised by the capture, decode, replay, policy,
// firewall, and control-plane packages carries one of these Kinds so
// the caller can decide propagation (fatal exit, WARN-and-drop,
// INFO-and-drop) by switching on Kind rather than matching strings.
package errors

import (
	"errors"
	"fmt"
)

// Kind categorizes a knockd error per the daemon's error-handling design.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfigInvalid
	KindCaptureParse
	KindDecodeMalformed
	KindDecryptFailed
	KindHMACMismatch
	KindVersionUnsupported
	KindTimestampOutOfWindow
	KindReplay
	KindCacheIO
	KindPolicyNoMatch
	KindPolicyDeny
	KindPolicyTimestamp
	KindFWCmdFailure
	KindPidfileBusy
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "CONFIG_INVALID"
	case KindCaptureParse:
		return "CAPTURE_PARSE"
	case KindDecodeMalformed:
		return "DECODE_MALFORMED"
	case KindDecryptFailed:
		return "DECRYPT_FAILED"
	case KindHMACMismatch:
		return "HMAC_MISMATCH"
	case KindVersionUnsupported:
		return "VERSION_UNSUPPORTED"
	case KindTimestampOutOfWindow:
		return "TIMESTAMP_OUT_OF_WINDOW"
	case KindReplay:
		return "REPLAY"
	case KindCacheIO:
		return "CACHE_IO"
	case KindPolicyNoMatch:
		return "POLICY_NO_MATCH"
	case KindPolicyDeny:
		return "POLICY_DENY"
	case KindPolicyTimestamp:
		return "POLICY_TIMESTAMP"
	case KindFWCmdFailure:
		return "FW_CMD_FAILURE"
	case KindPidfileBusy:
		return "PIDFILE_BUSY"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a structured, attributable error carrying a Kind.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf wraps an existing error as a new Error of the specified kind with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// Attr attaches an attribute to an error, promoting plain errors to KindInternal.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Message: err.Error(), Underlying: err}
	}

	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns the Kind of err, or KindUnknown if it is not a knockd error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes collects attributes across the error chain, outermost wins on key collision.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error

	cur := err
	for cur != nil {
		if errors.As(cur, &e) {
			for k, v := range e.Attributes {
				if _, ok := attrs[k]; !ok {
					attrs[k] = v
				}
			}
			cur = e.Underlying
		} else {
			break
		}
	}

	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain matching target's type.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling Unwrap on err, if it has one.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Fatal reports whether a Kind terminates the daemon rather than
// being logged and dropped on the hot path, per the error-handling
// design (CONFIG_INVALID, PIDFILE_BUSY, and startup CACHE_IO are the
// only kinds that should ever reach a top-level os.Exit).
func Fatal(kind Kind) bool {
	switch kind {
	case KindConfigInvalid, KindPidfileBusy:
		return true
	default:
		return false
	}
}
