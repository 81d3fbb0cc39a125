// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	kerrors "grimm.is/knockd/internal/errors"
)

// Runner executes one external-filter invocation and captures its
// stdout/stderr separately, so a partial read on either stream can be
// classified without guessing at CombinedOutput's interleaving.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (stdout, stderr string, err error)
}

// CommandRunner is the production Runner, built on os/exec. Every
// call goes through argv vectors only — never a shell string — per
// spec.md §9's redesign flag.
type CommandRunner struct{}

// Run invokes name with args, bounded by timeout (spec.md §5 default 30s).
func (CommandRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (string, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return stdout.String(), stderr.String(), kerrors.Wrapf(err, kerrors.KindFWCmdFailure,
			"command failed: %s %v", name, args)
	}
	return stdout.String(), stderr.String(), nil
}
