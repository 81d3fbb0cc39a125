// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package replay implements knockd's digest cache: the durable record
// of every SPA digest already accepted, consulted on each decode to
// reject replays (spec.md §4.3). Two backends are provided, mirroring
// the choice the reference implementation makes between a flat file
// and a keyed database (original_source/server/replay_cache.c).
package replay

import (
	"time"

	"grimm.is/knockd/internal/spa"
)

// Status is the outcome of checking one digest against the cache.
type Status int

const (
	Fresh Status = iota
	Replayed
)

// Context carries the bookkeeping recorded alongside a digest, so a
// later replay hit can be logged with its original sighting (spec.md
// §3 "Replay Cache Entry": proto, src/dst IP, src/dst port, and
// created-time are mandatory fields; §4.5 "replay hits logged at WARN
// with full context").
type Context struct {
	Proto     string
	SrcIP     string
	SrcPort   int
	DstIP     string
	DstPort   int
	FirstSeen time.Time
}

// Store is the durable, append-mostly record of every digest knockd
// has accepted. Implementations must survive process restart: a
// digest recorded before a crash must still be rejected after
// recovery (spec.md §8 "Restart durability").
type Store interface {
	// CheckAndRecord atomically tests whether digest has been seen
	// before and, if not, records it with ctx. The check-then-record
	// must not race two goroutines into both observing Fresh for the
	// same digest — but knockd's single-threaded event loop is the
	// only caller, so implementations may assume non-concurrent use.
	CheckAndRecord(digest spa.Digest, ctx Context) (Status, Context, error)
	// Close releases any resources (open files, database handles).
	Close() error
}

// keyOf renders a digest as a stable map/string key.
func keyOf(d spa.Digest) string {
	return string(d)
}
