// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"grimm.is/knockd/internal/codec"
	"grimm.is/knockd/internal/engine"
	"grimm.is/knockd/internal/firewall"
	"grimm.is/knockd/internal/logging"
	"grimm.is/knockd/internal/policy"
	"grimm.is/knockd/internal/replay"
	"grimm.is/knockd/internal/spa"
)

type fakeSource struct {
	ch chan spa.Candidate
}

func (f *fakeSource) Run(ctx context.Context)                 {}
func (f *fakeSource) Candidates() <-chan spa.Candidate { return f.ch }

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (string, string, error) {
	return "", "", nil
}

func TestDaemon_ProcessesCandidateThenShutsDownOnCancel(t *testing.T) {
	passphrase := []byte("correct horse battery staple")
	stanza := &policy.Stanza{
		SymmetricKey:   passphrase,
		Rules:          []policy.PortRule{{Proto: "tcp", Port: 22}},
		DefaultTimeout: 30 * time.Second,
	}
	pol := &policy.Policy{Stanzas: []*policy.Stanza{stanza}}

	store, err := replay.OpenFileStore(filepath.Join(t.TempDir(), "digest.cache"), nil)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer store.Close()

	binding := firewall.ChainBinding{Name: "INPUT", Table: "filter", Target: "ACCEPT", FromChain: "INPUT", ToChain: "KNOCKD_INPUT", InitialRulePos: 1}
	log := logging.New(nil, logging.LevelError)
	fw := firewall.NewDriver("/usr/sbin/iptables", time.Second, []firewall.ChainBinding{binding}, noopRunner{}, log, nil)

	e := engine.New(pol, codec.NewSymmetricCodec(), store, fw, log, nil, "INPUT")

	c := codec.NewSymmetricCodec()
	rec := spa.Record{
		ClientIP:  net.ParseIP("203.0.113.7").To4(),
		Access:    []spa.AccessRequest{{Proto: "tcp", Port: 22}},
		Timeout:   30 * time.Second,
		Timestamp: time.Now(),
	}
	payload, err := c.Encode(rec, passphrase)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	src := &fakeSource{ch: make(chan spa.Candidate, 1)}
	src.ch <- spa.Candidate{SrcIP: net.ParseIP("203.0.113.7"), Payload: payload, CapturedAt: time.Now()}

	d := &Daemon{Engine: e, Source: src, ExpireInterval: time.Hour, Log: log}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
