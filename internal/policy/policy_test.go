// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "grimm.is/knockd/internal/errors"
	"grimm.is/knockd/internal/spa"
)

const sample = `# comment
SOURCE 203.0.113.0/24
KEY correct horse battery staple
OPEN_PORTS tcp/22,udp/53
REQUIRE_USERNAME alice
FW_ACCESS_TIMEOUT 30
MAX_FW_TIMEOUT 120
SOURCE_REQUIRE_MATCH Y

SOURCE ANY
KEY another passphrase
OPEN_PORTS tcp/443
`

func TestParseFile(t *testing.T) {
	p, err := ParseFile(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, p.Stanzas, 2)

	s0 := p.Stanzas[0]
	require.NotNil(t, s0.SourceNet)
	assert.Equal(t, "203.0.113.0/24", s0.SourceNet.String())
	assert.Equal(t, "correct horse battery staple", string(s0.SymmetricKey))
	assert.Len(t, s0.Rules, 2)
	assert.Equal(t, "alice", s0.RequireUsername)
	assert.Equal(t, 30*time.Second, s0.DefaultTimeout)
	assert.Equal(t, 120*time.Second, s0.MaxTimeout)
	assert.True(t, s0.RequireSourceMatch)

	s1 := p.Stanzas[1]
	assert.Nil(t, s1.SourceNet, "ANY stanza should leave SourceNet nil")
}

func TestMatchSource_FirstMatchWins(t *testing.T) {
	p, err := ParseFile(strings.NewReader(sample))
	require.NoError(t, err)

	got := p.MatchSource(net.ParseIP("203.0.113.7"))
	assert.Same(t, p.Stanzas[0], got, "narrower first stanza should match")

	got = p.MatchSource(net.ParseIP("198.51.100.2"))
	assert.Same(t, p.Stanzas[1], got, "ANY stanza should match as fallback")
}

func TestStanza_Evaluate_UsernameMismatch(t *testing.T) {
	s := &Stanza{RequireUsername: "alice", Rules: []PortRule{{Proto: "tcp", Port: 22}}, DefaultTimeout: 30 * time.Second}
	rec := spa.Record{Username: "mallory", Access: []spa.AccessRequest{{Proto: "tcp", Port: 22}}}

	_, err := s.Evaluate(rec, net.ParseIP("203.0.113.7"))
	assert.Equal(t, kerrors.KindPolicyDeny, kerrors.GetKind(err))
}

func TestStanza_Evaluate_SourceMismatch(t *testing.T) {
	s := &Stanza{RequireSourceMatch: true, Rules: []PortRule{{Proto: "tcp", Port: 22}}, DefaultTimeout: 30 * time.Second}
	rec := spa.Record{ClientIP: net.ParseIP("10.0.0.5"), Access: []spa.AccessRequest{{Proto: "tcp", Port: 22}}}

	_, err := s.Evaluate(rec, net.ParseIP("203.0.113.7"))
	assert.Equal(t, kerrors.KindPolicyDeny, kerrors.GetKind(err))
}

func TestStanza_Evaluate_DenyWinsOverBroaderPermit(t *testing.T) {
	s := &Stanza{
		Rules: []PortRule{
			{Proto: "tcp", Port: 0, Deny: false}, // any tcp permitted
			{Proto: "tcp", Port: 23, Deny: true}, // but telnet specifically denied
		},
		DefaultTimeout: 30 * time.Second,
	}
	rec := spa.Record{Access: []spa.AccessRequest{{Proto: "tcp", Port: 22}, {Proto: "tcp", Port: 23}}, Timestamp: time.Now()}

	dec, err := s.Evaluate(rec, nil)
	require.NoError(t, err)
	require.Len(t, dec.Granted, 1)
	assert.Equal(t, 22, dec.Granted[0].Port)
}

func TestStanza_Evaluate_TimeoutClamped(t *testing.T) {
	s := &Stanza{
		Rules:          []PortRule{{Proto: "tcp", Port: 22}},
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     60 * time.Second,
	}
	rec := spa.Record{Access: []spa.AccessRequest{{Proto: "tcp", Port: 22}}, Timeout: 500 * time.Second, Timestamp: time.Now()}

	dec, err := s.Evaluate(rec, nil)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, dec.Timeout, "timeout should clamp to MaxTimeout")
}

func TestStanza_Evaluate_TimestampOutOfWindow(t *testing.T) {
	s := &Stanza{Rules: []PortRule{{Proto: "tcp", Port: 22}}, DefaultTimeout: 30 * time.Second}
	rec := spa.Record{Access: []spa.AccessRequest{{Proto: "tcp", Port: 22}}, Timestamp: time.Now().Add(-10 * time.Minute)}

	_, err := s.Evaluate(rec, nil)
	assert.Equal(t, kerrors.KindPolicyTimestamp, kerrors.GetKind(err))
}

func TestStanza_Evaluate_TimestampWithinConfiguredSkew(t *testing.T) {
	s := &Stanza{Rules: []PortRule{{Proto: "tcp", Port: 22}}, DefaultTimeout: 30 * time.Second, MaxClockSkew: 10 * time.Minute}
	rec := spa.Record{Access: []spa.AccessRequest{{Proto: "tcp", Port: 22}}, Timestamp: time.Now().Add(-5 * time.Minute)}

	_, err := s.Evaluate(rec, nil)
	require.NoError(t, err)
}

func TestStanza_Evaluate_NoMatchDenied(t *testing.T) {
	s := &Stanza{Rules: []PortRule{{Proto: "tcp", Port: 22}}, DefaultTimeout: 30 * time.Second}
	rec := spa.Record{Access: []spa.AccessRequest{{Proto: "tcp", Port: 80}}}

	_, err := s.Evaluate(rec, nil)
	assert.Equal(t, kerrors.KindPolicyDeny, kerrors.GetKind(err))
}
