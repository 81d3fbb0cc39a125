// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	kerrors "grimm.is/knockd/internal/errors"
)

// rawEntry preserves file order, which Default/Load needs to apply
// later keys over earlier ones the same way the reference parser does
// (original_source/server/config_init.c).
type rawEntry struct {
	Key   string
	Value string
}

var varRefPattern = regexp.MustCompile(`^\$([A-Z_][A-Z0-9_]*)(.*)$`)

// parseLines tokenizes a config file into KEY/VALUE pairs: "#"
// starts a comment, blank lines are ignored, and a value beginning
// with "$NAME" is expanded by substituting the value of whichever
// earlier key in this same parse is named NAME, concatenated with
// whatever followed the name (original_source/server/config_init.c
// lines ~180-194). A reference to an unknown or not-yet-seen name is
// left untouched, matching the reference implementation's silent
// no-op on miss.
func parseLines(r io.Reader) ([]rawEntry, error) {
	scanner := bufio.NewScanner(r)
	seen := make(map[string]string)
	var entries []rawEntry
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.SplitN(line, " ", 2)
		key := fields[0]
		value := ""
		if len(fields) == 2 {
			value = strings.TrimSpace(fields[1])
		}
		if key == "" {
			return nil, kerrors.Errorf(kerrors.KindConfigInvalid, "config line %d: empty key", lineNo)
		}

		value = expandVar(value, seen)
		seen[key] = value
		entries = append(entries, rawEntry{Key: key, Value: value})
	}
	if err := scanner.Err(); err != nil {
		return nil, kerrors.Wrap(err, kerrors.KindConfigInvalid, "read config")
	}
	return entries, nil
}

func expandVar(value string, seen map[string]string) string {
	m := varRefPattern.FindStringSubmatch(value)
	if m == nil {
		return value
	}
	name, suffix := m[1], m[2]
	resolved, ok := seen[name]
	if !ok {
		return value
	}
	return resolved + suffix
}
