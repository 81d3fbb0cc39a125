// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"log/syslog"
)

// SyslogConfig configures the remote syslog transport. Disabled by
// default, in which case the daemon logs to stderr only; when enabled,
// every log line is also sent to the remote syslog daemon.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns a disabled syslog configuration with the
// reference defaults: UDP port 514, facility LOG_USER.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "knockd",
		Facility: 1,
	}
}

func (c SyslogConfig) normalized() SyslogConfig {
	if c.Port == 0 {
		c.Port = 514
	}
	if c.Protocol == "" {
		c.Protocol = "udp"
	}
	if c.Tag == "" {
		c.Tag = "knockd"
	}
	return c
}

// NewSyslogWriter dials a remote syslog daemon and returns a writer
// that knockd's Logger can use as its sink.
func NewSyslogWriter(cfg SyslogConfig) (*syslog.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host is required when syslog is enabled")
	}
	cfg = cfg.normalized()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return syslog.Dial(cfg.Protocol, addr, syslog.Priority(cfg.Facility)<<3|syslog.LOG_INFO, cfg.Tag)
}
