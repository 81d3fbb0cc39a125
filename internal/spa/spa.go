// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package spa defines the data model a Single Packet Authorization
// decoder consumes and produces. The decoder's cryptographic contract
// is treated as a black box the daemon depends on through this
// interface only (spec.md §1 Non-goals) — internal/codec supplies one
// concrete implementation.
package spa

import (
	"net"
	"time"
)

// Candidate is one packet the capture adaptor has judged worth
// handing to a decoder: it matched the configured filter and carried
// a non-empty payload (spec.md §3 "Candidate Packet").
type Candidate struct {
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   int
	DstPort   int
	Proto     string // "tcp" or "udp"
	Payload   []byte
	CapturedAt time.Time
}

// AccessRequest is one {protocol, port} pair a client is asking to be
// let through (spec.md §3 "SPA Record").
type AccessRequest struct {
	Proto string
	Port  int
}

// Record is the plaintext content of a successfully decoded knock
// (spec.md §3 "SPA Record"). ClientIP is the address the client
// asserts as its own, which may differ from the packet's observed
// source when traversing NAT; the policy layer decides whether that
// is permitted.
type Record struct {
	ClientIP    net.IP
	Access      []AccessRequest
	Timeout     time.Duration
	Username    string
	Timestamp   time.Time
	Nonce       uint32
}

// Digest is the opaque deduplication key a decoder derives from a
// Candidate's payload, at most 64 bytes (spec.md §3 "Digest"). Two
// candidates carrying the same Digest must be treated as the same
// knock regardless of payload byte differences introduced by, e.g.,
// packet padding.
type Digest []byte

// CandidateKeySet resolves the key material a decoder needs, keyed by
// whatever the decoder's own stanza-matching scheme requires (spec.md
// §3 "Access Stanza" key fields). It is opaque to this package; the
// concrete codec defines what it expects to find inside.
type CandidateKeySet interface {
	Lookup(name string) ([]byte, bool)
}

// Decoder turns a Candidate's payload into a Record and a Digest, or
// reports why it could not (spec.md §4.2). Implementations must not
// retain Payload beyond the call.
type Decoder interface {
	Decode(payload []byte, keys CandidateKeySet) (Record, Digest, error)
}
