// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"context"
	"strconv"
	"sync"
	"time"

	kerrors "grimm.is/knockd/internal/errors"
	"grimm.is/knockd/internal/logging"
	"grimm.is/knockd/internal/metrics"
)

// chainState pairs a configured binding with its live counter.
type chainState struct {
	binding ChainBinding
	counter ChainCounter
}

// Driver owns the daemon's exclusive chains end to end: creation at
// startup, rule installation per grant, periodic expiry reaping, and
// teardown at shutdown (spec.md §4.6). It is an explicitly-owned
// value threaded through the engine and control plane, not
// process-wide mutable state (spec.md §9's first redesign point).
type Driver struct {
	mu      sync.Mutex
	cmd     string
	timeout time.Duration
	run     Runner
	log     *logging.Logger
	metrics *metrics.Registry
	chains  map[string]*chainState
	order   []string
}

// NewDriver builds a Driver for the given chain bindings, in their
// configuration-file order (spec.md §9: iteration order is definition
// order, replacing the reference's enum-indexed array).
func NewDriver(cmd string, timeout time.Duration, bindings []ChainBinding, run Runner, log *logging.Logger, m *metrics.Registry) *Driver {
	d := &Driver{
		cmd:     cmd,
		timeout: timeout,
		run:     run,
		log:     log,
		metrics: m,
		chains:  make(map[string]*chainState, len(bindings)),
	}
	for _, b := range bindings {
		d.chains[b.Name] = &chainState{binding: b, counter: ChainCounter{NextExpire: noNextExpiry}}
		d.order = append(d.order, b.Name)
	}
	return d
}

// Init performs the chain topology setup of spec.md §4.6: idempotent
// cleanup of any stale daemon-owned chain from a previous run, chain
// creation, and jump insertion.
func (d *Driver) Init(ctx context.Context) error {
	for _, name := range d.order {
		cs := d.chains[name]
		if err := d.initChain(ctx, cs.binding); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) initChain(ctx context.Context, b ChainBinding) error {
	// Idempotent cleanup: flush and delete any pre-existing to_chain.
	_, _, _ = d.exec(ctx, "-t", b.Table, "-F", b.ToChain)
	_, _, _ = d.exec(ctx, "-t", b.Table, "-X", b.ToChain)

	if _, _, err := d.exec(ctx, "-t", b.Table, "-N", b.ToChain); err != nil {
		return kerrors.Wrapf(err, kerrors.KindFWCmdFailure, "create chain %s", b.ToChain)
	}

	pos, err := d.findJumpPosition(ctx, b)
	if err != nil {
		return err
	}
	if pos > 0 {
		return nil // jump already present from an unclean prior shutdown
	}

	jumpPos := b.JumpRulePos
	if jumpPos <= 0 {
		jumpPos = 1
	}
	if _, _, err := d.exec(ctx, "-t", b.Table, "-I", b.FromChain, strconv.Itoa(jumpPos), "-j", b.ToChain); err != nil {
		return kerrors.Wrapf(err, kerrors.KindFWCmdFailure, "insert jump %s -> %s", b.FromChain, b.ToChain)
	}
	return nil
}

// findJumpPosition lists FromChain and returns the 1-based position of
// the rule jumping to ToChain, or 0 if absent (spec.md §4.6).
func (d *Driver) findJumpPosition(ctx context.Context, b ChainBinding) (int, error) {
	out, _, err := d.exec(ctx, "-t", b.Table, "-L", b.FromChain, "--line-numbers", "-n")
	if err != nil {
		return 0, kerrors.Wrapf(err, kerrors.KindFWCmdFailure, "list chain %s", b.FromChain)
	}
	return findTargetPosition(out, b.ToChain)
}

// Shutdown performs the inverse of Init: remove the jump, flush and
// delete the daemon-owned chain.
func (d *Driver) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, name := range d.order {
		b := d.chains[name].binding
		if pos, err := d.findJumpPosition(ctx, b); err == nil && pos > 0 {
			if _, _, err := d.exec(ctx, "-t", b.Table, "-D", b.FromChain, strconv.Itoa(pos)); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		_, _, _ = d.exec(ctx, "-t", b.Table, "-F", b.ToChain)
		if _, _, err := d.exec(ctx, "-t", b.Table, "-X", b.ToChain); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InstallGrant synthesizes and invokes the external filter command
// inserting one rule into the grant's chain (spec.md §4.6). The rule
// carries the `_exp_<unix>` comment that is the durable record of its
// expiry.
func (d *Driver) InstallGrant(ctx context.Context, g Grant) error {
	d.mu.Lock()
	cs, ok := d.chains[g.Chain]
	d.mu.Unlock()
	if !ok {
		return kerrors.Errorf(kerrors.KindInternal, "unknown chain binding %q", g.Chain)
	}
	b := cs.binding

	args := []string{"-t", b.Table, "-I", b.ToChain, strconv.Itoa(maxInt(b.InitialRulePos, 1)), "-p", g.Proto}
	switch b.Direction {
	case DirSrc:
		args = append(args, "-s", g.ClientIP)
	case DirDst:
		args = append(args, "-d", g.ClientIP)
	case DirBoth:
		args = append(args, "-s", g.ClientIP, "-d", g.ClientIP)
	}
	args = append(args, "--dport", strconv.Itoa(g.Port), "-j", b.Target,
		"-m", "comment", "--comment", expComment(g.Expiry))

	if _, _, err := d.exec(ctx, args...); err != nil {
		if d.metrics != nil {
			d.metrics.FWCmdFailures.Inc()
		}
		return kerrors.Wrapf(err, kerrors.KindFWCmdFailure, "install grant on %s", g.Chain)
	}

	d.mu.Lock()
	cs.counter.ActiveRules++
	if cs.counter.NextExpire == noNextExpiry || g.Expiry.Before(cs.counter.NextExpire) {
		cs.counter.NextExpire = g.Expiry
	}
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.GrantsIssued.Inc()
		d.metrics.ActiveRules.WithLabelValues(g.Chain).Set(float64(cs.counter.ActiveRules))
	}
	return nil
}

// Reap runs one expiry sweep across every chain (spec.md §4.6). Per
// chain: if there are no active rules, or the next known expiry is
// still in the future, it does nothing. Otherwise it lists the
// chain's rules, deletes every one whose embedded expiry has passed,
// and recomputes the next-expire hint from whatever remains.
//
// Rule numbers shift after each deletion; this walks the parsed list
// from the end so earlier numbers are never invalidated by a later
// delete, avoiding the running-offset bookkeeping the reference
// implementation needs (spec.md §4.6, §8 property 6).
func (d *Driver) Reap(ctx context.Context, now time.Time) {
	for _, name := range d.order {
		d.reapChain(ctx, name, now)
	}
}

func (d *Driver) reapChain(ctx context.Context, name string, now time.Time) {
	d.mu.Lock()
	cs := d.chains[name]
	if cs.counter.ActiveRules <= 0 {
		cs.counter.ActiveRules = 0
		d.mu.Unlock()
		return
	}
	if cs.counter.NextExpire != noNextExpiry && cs.counter.NextExpire.After(now) {
		d.mu.Unlock()
		return
	}
	b := cs.binding
	d.mu.Unlock()

	out, _, err := d.exec(ctx, "-t", b.Table, "-L", b.ToChain, "--line-numbers", "-n")
	if err != nil {
		d.log.Warn("firewall: failed to list chain %s for reap: %v", b.ToChain, err)
		return
	}

	rules, perr := ParseRuleList(out)
	if perr != nil {
		d.log.Warn("firewall: %v; aborting reap for chain %s this tick", perr, b.ToChain)
		return
	}

	if len(rules) == 0 {
		// An operator may have deleted rules out from under us.
		d.log.Info("firewall: no _exp_ rules found in chain %s; believed active count was nonzero", b.ToChain)
		d.mu.Lock()
		cs.counter.ActiveRules--
		d.mu.Unlock()
		return
	}

	// Delete from highest rule number to lowest so earlier numbers
	// never shift under us.
	sortDescendingByNumber(rules)

	deleted := 0
	var minFuture time.Time
	for _, r := range rules {
		if r.Expiry <= now.Unix() {
			if _, _, err := d.exec(ctx, "-t", b.Table, "-D", b.ToChain, strconv.Itoa(r.Number)); err != nil {
				d.log.Warn("firewall: failed to delete expired rule %d in %s: %v", r.Number, b.ToChain, err)
				continue
			}
			deleted++
			d.log.Info("firewall: removed rule %d from %s (expired %d)", r.Number, b.ToChain, r.Expiry)
		} else {
			t := time.Unix(r.Expiry, 0)
			if minFuture.IsZero() || t.Before(minFuture) {
				minFuture = t
			}
		}
	}

	d.mu.Lock()
	cs.counter.ActiveRules -= deleted
	if cs.counter.ActiveRules <= 0 {
		cs.counter.ActiveRules = 0
		cs.counter.NextExpire = noNextExpiry
	} else {
		cs.counter.NextExpire = minFuture
	}
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.ActiveRules.WithLabelValues(name).Set(float64(cs.counter.ActiveRules))
	}
}

// Counter returns a snapshot of a chain's bookkeeping, used by the
// control plane's `status` verb.
func (d *Driver) Counter(name string) (ChainCounter, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.chains[name]
	if !ok {
		return ChainCounter{}, false
	}
	return cs.counter, true
}

// ChainNames returns the configured chain names in definition order.
func (d *Driver) ChainNames() []string {
	return append([]string(nil), d.order...)
}

// ListRules enumerates a chain's installed rules, used by the
// `fw-list` verb.
func (d *Driver) ListRules(ctx context.Context, name string) ([]ParsedRule, error) {
	d.mu.Lock()
	cs, ok := d.chains[name]
	d.mu.Unlock()
	if !ok {
		return nil, kerrors.Errorf(kerrors.KindInternal, "unknown chain %q", name)
	}
	out, _, err := d.exec(ctx, "-t", cs.binding.Table, "-L", cs.binding.ToChain, "--line-numbers", "-n")
	if err != nil {
		return nil, kerrors.Wrapf(err, kerrors.KindFWCmdFailure, "list chain %s", cs.binding.ToChain)
	}
	return ParseRuleList(out)
}

func (d *Driver) exec(ctx context.Context, args ...string) (string, string, error) {
	return d.run.Run(ctx, d.timeout, d.cmd, args...)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// findTargetPosition scans `iptables -L --line-numbers -n` output for
// a rule whose target column equals target, returning its 1-based
// position or 0 if absent.
func findTargetPosition(listing, target string) (int, error) {
	lines := splitLines(listing)
	for _, line := range lines {
		fields := fieldsOf(line)
		if len(fields) < 2 {
			continue
		}
		num, err := strconv.Atoi(fields[0])
		if err != nil {
			continue // header or blank line
		}
		if fields[1] == target {
			return num, nil
		}
	}
	return 0, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func fieldsOf(line string) []string {
	var fields []string
	field := ""
	for _, c := range line {
		if c == ' ' || c == '\t' {
			if field != "" {
				fields = append(fields, field)
				field = ""
			}
			continue
		}
		field += string(c)
	}
	if field != "" {
		fields = append(fields, field)
	}
	return fields
}

func sortDescendingByNumber(rules []ParsedRule) {
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j-1].Number < rules[j].Number; j-- {
			rules[j-1], rules[j] = rules[j], rules[j-1]
		}
	}
}
