// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads knockd's main configuration file: a
// line-oriented "KEY VALUE" format with "#" comments, blank lines
// ignored, unknown keys warned-not-failed, and "$NAME" prefix
// expansion against keys already parsed earlier in the file.
package config

import (
	"time"

	"grimm.is/knockd/internal/firewall"
)

// Config is knockd's fully resolved runtime configuration.
type Config struct {
	// Capture

	// Interface is the network interface to sniff (-i).
	Interface string
	// Promiscuous enables promiscuous-mode capture.
	Promiscuous bool
	// FilterExpr is the capture (BPF-equivalent) filter expression (-P).
	// When empty, no capture filter is set; it is not derived from the
	// access policy.
	FilterExpr string
	// SnaplenBytes bounds per-frame capture memory.
	SnaplenBytes int
	// PacketLimit stops the daemon after N candidates (-C); 0 = unbounded.
	PacketLimit int

	// Policy / replay cache

	// AccessFile is the path to the access policy file (-a).
	AccessFile string
	// ReplayCacheBackend selects "file" or "sqlite".
	ReplayCacheBackend string
	// ReplayCachePath is the digest cache file or database path.
	ReplayCachePath string

	// Firewall

	// FWCommand is the path to the external firewall binary (e.g. iptables).
	FWCommand string
	// FWCommandTimeout bounds a single subprocess invocation (spec.md §5).
	FWCommandTimeout time.Duration
	// Chains are the configured chain bindings, in file order.
	Chains []firewall.ChainBinding
	// ExpireInterval is the reaper tick cadence (spec.md §4.6: 5-30s).
	ExpireInterval time.Duration

	// Ambient

	// Verbosity is the cumulative -v count.
	Verbosity int
	// Foreground disables daemonization (-f).
	Foreground bool
	// Locale overrides LC_ALL/LANG resolution (-l).
	Locale string
	// GPGHomeDir overrides the default ~/.gnupg (--gpg-home-dir).
	GPGHomeDir string
	// Syslog carries remote syslog transport settings.
	Syslog SyslogSettings
	// MetricsAddr, if non-empty, serves Prometheus /metrics on this address.
	MetricsAddr string
	// PidFile overrides the default PID file path.
	PidFile string
}

// SyslogSettings mirrors internal/logging.SyslogConfig; duplicated
// here (rather than imported) so the config package has no dependency
// on the logging package's construction details, only its data shape.
type SyslogSettings struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string
	Tag      string
	Facility int
}

// Default returns a Config with every value set to its documented
// default, as if no config file or CLI flags were given.
func Default() *Config {
	return &Config{
		Promiscuous:        false,
		SnaplenBytes:       1600,
		ReplayCacheBackend: "file",
		ReplayCachePath:    "/var/lib/knockd/digest.cache",
		AccessFile:         "/etc/knockd/access.conf",
		FWCommand:          "/usr/sbin/iptables",
		FWCommandTimeout:   30 * time.Second,
		ExpireInterval:     10 * time.Second,
		Syslog: SyslogSettings{
			Enabled:  false,
			Port:     514,
			Protocol: "udp",
			Tag:      "knockd",
			Facility: 1,
		},
	}
}
