// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	kerrors "grimm.is/knockd/internal/errors"
	"grimm.is/knockd/internal/firewall"
)

// Load builds a Config starting from Default(), applying mainPath's
// entries, then each of overridePaths in the order given on the
// command line (spec.md §6 -O, resolved Open Question: later -O
// fragments win over earlier ones and over the main file). accessFile,
// when non-empty, overrides whatever ACCESS_FILE the config set (-a).
func Load(mainPath string, overridePaths []string, accessFile string) (*Config, error) {
	cfg := Default()

	if err := applyFile(cfg, mainPath); err != nil {
		return nil, err
	}
	for _, p := range overridePaths {
		if err := applyFile(cfg, p); err != nil {
			return nil, err
		}
	}
	if accessFile != "" {
		cfg.AccessFile = accessFile
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return kerrors.Wrapf(err, kerrors.KindConfigInvalid, "open config file %s", path)
	}
	defer f.Close()
	return applyReader(cfg, f)
}

func applyReader(cfg *Config, r io.Reader) error {
	entries, err := parseLines(r)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := applyEntry(cfg, e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

func applyEntry(cfg *Config, key, value string) error {
	key = strings.ToUpper(key)
	switch key {
	case "INTERFACE":
		cfg.Interface = value
	case "PROMISCUOUS":
		cfg.Promiscuous = isTruthy(value)
	case "PCAP_FILTER":
		cfg.FilterExpr = value
	case "SNAPLEN":
		n, err := strconv.Atoi(value)
		if err != nil {
			return kerrors.Errorf(kerrors.KindConfigInvalid, "invalid SNAPLEN %q: %v", value, err)
		}
		cfg.SnaplenBytes = n
	case "PACKET_LIMIT":
		n, err := strconv.Atoi(value)
		if err != nil {
			return kerrors.Errorf(kerrors.KindConfigInvalid, "invalid PACKET_LIMIT %q: %v", value, err)
		}
		cfg.PacketLimit = n
	case "ACCESS_FILE":
		cfg.AccessFile = value
	case "DIGEST_CACHE_BACKEND":
		cfg.ReplayCacheBackend = value
	case "DIGEST_CACHE_FILE":
		cfg.ReplayCachePath = value
	case "FW_COMMAND":
		cfg.FWCommand = value
	case "FW_COMMAND_TIMEOUT":
		n, err := strconv.Atoi(value)
		if err != nil {
			return kerrors.Errorf(kerrors.KindConfigInvalid, "invalid FW_COMMAND_TIMEOUT %q: %v", value, err)
		}
		cfg.FWCommandTimeout = time.Duration(n) * time.Second
	case "EXPIRE_INTERVAL":
		n, err := strconv.Atoi(value)
		if err != nil {
			return kerrors.Errorf(kerrors.KindConfigInvalid, "invalid EXPIRE_INTERVAL %q: %v", value, err)
		}
		cfg.ExpireInterval = time.Duration(n) * time.Second
	case "CHAIN":
		binding, err := parseChainBinding(value)
		if err != nil {
			return err
		}
		cfg.Chains = append(cfg.Chains, binding)
	case "VERBOSE":
		n, err := strconv.Atoi(value)
		if err != nil {
			return kerrors.Errorf(kerrors.KindConfigInvalid, "invalid VERBOSE %q: %v", value, err)
		}
		cfg.Verbosity = n
	case "FOREGROUND":
		cfg.Foreground = isTruthy(value)
	case "LOCALE":
		cfg.Locale = value
	case "GPG_HOME_DIR":
		cfg.GPGHomeDir = value
	case "SYSLOG_ENABLE":
		cfg.Syslog.Enabled = isTruthy(value)
	case "SYSLOG_HOST":
		cfg.Syslog.Host = value
	case "SYSLOG_PORT":
		n, err := strconv.Atoi(value)
		if err != nil {
			return kerrors.Errorf(kerrors.KindConfigInvalid, "invalid SYSLOG_PORT %q: %v", value, err)
		}
		cfg.Syslog.Port = n
	case "SYSLOG_PROTOCOL":
		cfg.Syslog.Protocol = value
	case "SYSLOG_TAG":
		cfg.Syslog.Tag = value
	case "METRICS_ADDR":
		cfg.MetricsAddr = value
	case "PID_FILE":
		cfg.PidFile = value
	default:
		// Unknown keys are tolerated: a newer fragment targeting a
		// future version of knockd should not crash an older daemon.
		fmt.Fprintf(os.Stderr, "knockd: warning: unknown config key %q ignored\n", key)
	}
	return nil
}

// parseChainBinding parses "NAME TABLE TARGET DIRECTION FROM_CHAIN
// JUMP_POS TO_CHAIN INITIAL_POS".
func parseChainBinding(value string) (firewall.ChainBinding, error) {
	fields := strings.Fields(value)
	if len(fields) != 8 {
		return firewall.ChainBinding{}, kerrors.Errorf(kerrors.KindConfigInvalid,
			"CHAIN requires 8 fields (name table target direction from_chain jump_pos to_chain initial_pos), got %d", len(fields))
	}
	dir, err := parseDirection(fields[3])
	if err != nil {
		return firewall.ChainBinding{}, err
	}
	jumpPos, err := strconv.Atoi(fields[5])
	if err != nil {
		return firewall.ChainBinding{}, kerrors.Errorf(kerrors.KindConfigInvalid, "invalid CHAIN jump position %q: %v", fields[5], err)
	}
	initialPos, err := strconv.Atoi(fields[7])
	if err != nil {
		return firewall.ChainBinding{}, kerrors.Errorf(kerrors.KindConfigInvalid, "invalid CHAIN initial position %q: %v", fields[7], err)
	}
	return firewall.ChainBinding{
		Name:           fields[0],
		Table:          fields[1],
		Target:         fields[2],
		Direction:      dir,
		FromChain:      fields[4],
		JumpRulePos:    jumpPos,
		ToChain:        fields[6],
		InitialRulePos: initialPos,
	}, nil
}

func parseDirection(s string) (firewall.Direction, error) {
	switch strings.ToUpper(s) {
	case "SRC":
		return firewall.DirSrc, nil
	case "DST":
		return firewall.DirDst, nil
	case "BOTH":
		return firewall.DirBoth, nil
	default:
		return 0, kerrors.Errorf(kerrors.KindConfigInvalid, "invalid CHAIN direction %q", s)
	}
}

func isTruthy(s string) bool {
	switch strings.ToUpper(s) {
	case "Y", "YES", "1", "TRUE", "ON":
		return true
	default:
		return false
	}
}
