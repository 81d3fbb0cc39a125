// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package install resolves the daemon's on-disk layout: config, state
// (replay cache, pidfile), and log directories. Defaults follow FHS;
// every default can be overridden by an environment variable so the
// same binary runs unprivileged under a test harness.
package install

import (
	"os"
	"path/filepath"
)

const envPrefix = "KNOCKD"

var (
	DefaultConfigDir = "/etc/knockd"
	DefaultStateDir  = "/var/lib/knockd"
	DefaultLogDir    = "/var/log/knockd"
	DefaultRunDir    = "/var/run/knockd"
)

// GetConfigDir returns the directory holding knockd.conf and access.conf.
// Priority: KNOCKD_CONFIG_DIR > KNOCKD_PREFIX/config > DefaultConfigDir.
func GetConfigDir() string {
	if dir := os.Getenv(envPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(envPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "config")
	}
	return DefaultConfigDir
}

// GetStateDir returns the directory holding the replay digest cache.
// Priority: KNOCKD_STATE_DIR > KNOCKD_PREFIX/state > DefaultStateDir.
func GetStateDir() string {
	if dir := os.Getenv(envPrefix + "_STATE_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(envPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "state")
	}
	return DefaultStateDir
}

// GetLogDir returns the directory for log files. The daemon itself
// logs to stderr and syslog and does not write a file here.
// Priority: KNOCKD_LOG_DIR > KNOCKD_PREFIX/log > DefaultLogDir.
func GetLogDir() string {
	if dir := os.Getenv(envPrefix + "_LOG_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(envPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "log")
	}
	return DefaultLogDir
}

// GetRunDir returns the runtime directory holding the PID file.
// Priority: KNOCKD_RUN_DIR > KNOCKD_PREFIX/run > DefaultRunDir.
func GetRunDir() string {
	if dir := os.Getenv(envPrefix + "_RUN_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(envPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "run")
	}
	return DefaultRunDir
}

// HomeDir returns $HOME, falling back to os.UserHomeDir, for resolving
// user-relative config paths and the default GPG home
// (spec.md §6 Environment: "HOME for default paths").
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// DefaultGPGHomeDir returns $HOME/.gnupg, the default used when
// --gpg-home-dir is not supplied.
func DefaultGPGHomeDir() string {
	return filepath.Join(HomeDir(), ".gnupg")
}

// PIDFilePath returns the path to knockd's PID file.
func PIDFilePath() string {
	return filepath.Join(GetRunDir(), "knockd.pid")
}
