// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"os"
	"testing"
)

// RequireRoot skips the test if the KNOCKD_ROOT_TEST environment variable
// is not set. This ensures tests that invoke a real iptables binary and
// mutate live chains only run in an environment set up for it.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Getenv("KNOCKD_ROOT_TEST") == "" {
		t.Skip("Skipping test: requires KNOCKD_ROOT_TEST environment")
	}
}
