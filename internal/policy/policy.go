// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy loads and evaluates the access policy: the ordered
// list of stanzas that bind a source address pattern to key material,
// a permit/deny list, and post-decode constraints (spec.md §3 "Access
// Stanza", §4.4).
package policy

import (
	"net"
	"time"

	kerrors "grimm.is/knockd/internal/errors"
	"grimm.is/knockd/internal/spa"
)

// PortRule is one PERMIT or DENY entry.
type PortRule struct {
	Proto string // "tcp", "udp", or "" for any
	Port  int    // 0 for any
	Deny  bool
}

// Stanza is one [SOURCE] block of the access policy file.
type Stanza struct {
	Name string
	// SourceNet restricts which candidate source addresses this
	// stanza applies to; nil matches any source.
	SourceNet *net.IPNet

	SymmetricKey []byte
	GPGSigner    string // empty when this stanza is not GPG-constrained

	Rules []PortRule

	DefaultTimeout   time.Duration
	MaxTimeout       time.Duration
	RequireUsername  string // empty means no username constraint
	RequireSourceMatch bool // SOURCE_REQUIRE_MATCH: declared ClientIP must equal observed source

	// MaxClockSkew bounds how far a knock's embedded timestamp may
	// drift from wall-clock time before Evaluate rejects it with
	// POLICY_TIMESTAMP (spec.md §4.4 step iv). Zero means
	// defaultMaxClockSkew.
	MaxClockSkew time.Duration
}

// defaultMaxClockSkew is the policy-layer skew window applied when a
// stanza doesn't set MAX_KNOCK_AGE. This is a separate check from the
// decoder's own fixed window (internal/codec): the decoder's window
// protects the wire format itself, this one is a per-stanza policy
// re-validation step the engine runs after decode.
const defaultMaxClockSkew = 2 * time.Minute

// Lookup implements spa.CandidateKeySet against one stanza's key material.
func (s *Stanza) Lookup(name string) ([]byte, bool) {
	switch name {
	case "symmetric":
		if s.SymmetricKey == nil {
			return nil, false
		}
		return s.SymmetricKey, true
	default:
		return nil, false
	}
}

// Policy is the full ordered stanza list.
type Policy struct {
	Stanzas []*Stanza
}

// MatchSource returns the first stanza whose SourceNet contains ip,
// or nil if none match (spec.md §4.4: first match wins, definition order).
func (p *Policy) MatchSource(ip net.IP) *Stanza {
	for _, s := range p.Stanzas {
		if s.SourceNet == nil || s.SourceNet.Contains(ip) {
			return s
		}
	}
	return nil
}

// Decision is the result of evaluating a decoded record against its
// matched stanza.
type Decision struct {
	Granted []spa.AccessRequest
	Timeout time.Duration
}

// Evaluate re-validates rec against the stanza that produced it
// (spec.md §4.4): username constraint, declared-vs-observed source
// match, permit/deny with deny winning ties, timeout clamping, and a
// policy-level timestamp skew check. observedSrc is the candidate's
// actual network-layer source address.
func (s *Stanza) Evaluate(rec spa.Record, observedSrc net.IP) (Decision, error) {
	if s.RequireUsername != "" && rec.Username != s.RequireUsername {
		return Decision{}, kerrors.Errorf(kerrors.KindPolicyDeny, "username %q does not match required %q", rec.Username, s.RequireUsername)
	}

	if s.RequireSourceMatch && !rec.ClientIP.Equal(observedSrc) {
		return Decision{}, kerrors.Errorf(kerrors.KindPolicyDeny, "declared source %v does not match observed source %v", rec.ClientIP, observedSrc)
	}

	var granted []spa.AccessRequest
	for _, req := range rec.Access {
		if s.permits(req) {
			granted = append(granted, req)
		}
	}
	if len(granted) == 0 {
		return Decision{}, kerrors.New(kerrors.KindPolicyDeny, "no requested access survived the stanza's permit/deny rules")
	}

	timeout := rec.Timeout
	if timeout <= 0 {
		timeout = s.DefaultTimeout
	}
	if s.MaxTimeout > 0 && timeout > s.MaxTimeout {
		timeout = s.MaxTimeout
	}

	skew := s.MaxClockSkew
	if skew <= 0 {
		skew = defaultMaxClockSkew
	}
	if age := time.Since(rec.Timestamp); age > skew || age < -skew {
		return Decision{}, kerrors.Errorf(kerrors.KindPolicyTimestamp, "knock timestamp %s outside %s policy skew window", rec.Timestamp.Format(time.RFC3339), skew)
	}

	return Decision{Granted: granted, Timeout: timeout}, nil
}

// permits applies the stanza's rule list to one requested access,
// most-specific match wins, with an implicit deny-all when no rule
// matches (spec.md §3 "Access Stanza").
func (s *Stanza) permits(req spa.AccessRequest) bool {
	var matched *PortRule
	for i := range s.Rules {
		r := &s.Rules[i]
		if r.Proto != "" && r.Proto != req.Proto {
			continue
		}
		if r.Port != 0 && r.Port != req.Port {
			continue
		}
		// More specific rules (those naming both proto and port) override
		// earlier, less specific ones; between equally specific rules a
		// DENY wins.
		if matched == nil || specificity(*r) > specificity(*matched) ||
			(specificity(*r) == specificity(*matched) && !matched.Deny) {
			matched = r
		}
	}
	if matched == nil {
		return false
	}
	return !matched.Deny
}

func specificity(r PortRule) int {
	n := 0
	if r.Proto != "" {
		n++
	}
	if r.Port != 0 {
		n++
	}
	return n
}
