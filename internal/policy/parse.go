// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	kerrors "grimm.is/knockd/internal/errors"
)

// ParseFile reads an access policy file. Each stanza begins with a
// SOURCE key; every key until the next SOURCE (or EOF) belongs to
// that stanza (original_source/server/access.c's stanza model).
// Lines are "KEY VALUE", "#" starts a comment, blank lines are
// ignored — the same tokenization rule the main config file uses.
func ParseFile(r io.Reader) (*Policy, error) {
	scanner := bufio.NewScanner(r)
	p := &Policy{}
	var cur *Stanza
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, err := splitKeyValue(line)
		if err != nil {
			return nil, kerrors.Errorf(kerrors.KindConfigInvalid, "access policy line %d: %v", lineNo, err)
		}
		key = strings.ToUpper(key)

		if key == "SOURCE" {
			cur = &Stanza{Name: value}
			if err := setSource(cur, value); err != nil {
				return nil, kerrors.Errorf(kerrors.KindConfigInvalid, "access policy line %d: %v", lineNo, err)
			}
			p.Stanzas = append(p.Stanzas, cur)
			continue
		}

		if cur == nil {
			return nil, kerrors.Errorf(kerrors.KindConfigInvalid, "access policy line %d: %q outside of any SOURCE stanza", lineNo, key)
		}

		if err := applyKey(cur, key, value); err != nil {
			return nil, kerrors.Errorf(kerrors.KindConfigInvalid, "access policy line %d: %v", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, kerrors.Wrap(err, kerrors.KindConfigInvalid, "read access policy")
	}
	return p, nil
}

func splitKeyValue(line string) (string, string, error) {
	fields := strings.SplitN(line, " ", 2)
	if len(fields) < 1 || fields[0] == "" {
		return "", "", kerrors.New(kerrors.KindConfigInvalid, "empty key")
	}
	if len(fields) == 1 {
		return fields[0], "", nil
	}
	return fields[0], strings.TrimSpace(fields[1]), nil
}

func setSource(s *Stanza, value string) error {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "ANY") {
		s.SourceNet = nil
		return nil
	}
	if !strings.Contains(value, "/") {
		ip := net.ParseIP(value)
		if ip == nil {
			return kerrors.Errorf(kerrors.KindConfigInvalid, "invalid SOURCE address %q", value)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		value = value + "/" + strconv.Itoa(bits)
	}
	_, ipnet, err := net.ParseCIDR(value)
	if err != nil {
		return kerrors.Errorf(kerrors.KindConfigInvalid, "invalid SOURCE network %q: %v", value, err)
	}
	s.SourceNet = ipnet
	return nil
}

func applyKey(s *Stanza, key, value string) error {
	switch key {
	case "KEY":
		s.SymmetricKey = []byte(value)
	case "GPG_DECRYPT_ID":
		s.GPGSigner = value
	case "OPEN_PORTS":
		rules, err := parsePortList(value, false)
		if err != nil {
			return err
		}
		s.Rules = append(s.Rules, rules...)
	case "RESTRICT_PORTS":
		rules, err := parsePortList(value, true)
		if err != nil {
			return err
		}
		s.Rules = append(s.Rules, rules...)
	case "REQUIRE_USERNAME":
		s.RequireUsername = value
	case "FW_ACCESS_TIMEOUT":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return kerrors.Errorf(kerrors.KindConfigInvalid, "invalid FW_ACCESS_TIMEOUT %q: %v", value, err)
		}
		s.DefaultTimeout = time.Duration(secs) * time.Second
	case "MAX_FW_TIMEOUT":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return kerrors.Errorf(kerrors.KindConfigInvalid, "invalid MAX_FW_TIMEOUT %q: %v", value, err)
		}
		s.MaxTimeout = time.Duration(secs) * time.Second
	case "SOURCE_REQUIRE_MATCH":
		s.RequireSourceMatch = strings.EqualFold(value, "Y") || strings.EqualFold(value, "YES") || value == "1"
	case "MAX_KNOCK_AGE":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return kerrors.Errorf(kerrors.KindConfigInvalid, "invalid MAX_KNOCK_AGE %q: %v", value, err)
		}
		s.MaxClockSkew = time.Duration(secs) * time.Second
	default:
		// Unknown keys are ignored without a warning; this package only
		// rejects structurally invalid lines.
	}
	return nil
}

// parsePortList parses a comma-separated "proto/port" list, e.g.
// "tcp/22,udp/53,tcp/80". deny marks every resulting rule as a DENY.
func parsePortList(value string, deny bool) ([]PortRule, error) {
	var rules []PortRule
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "/", 2)
		if len(parts) != 2 {
			return nil, kerrors.Errorf(kerrors.KindConfigInvalid, "invalid port entry %q, expected proto/port", entry)
		}
		proto := strings.ToLower(parts[0])
		if proto != "tcp" && proto != "udp" {
			return nil, kerrors.Errorf(kerrors.KindConfigInvalid, "invalid protocol %q in %q", proto, entry)
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil || port < 1 || port > 65535 {
			return nil, kerrors.Errorf(kerrors.KindConfigInvalid, "invalid port in %q", entry)
		}
		rules = append(rules, PortRule{Proto: proto, Port: port, Deny: deny})
	}
	return rules, nil
}
