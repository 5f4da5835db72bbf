// Package privileged implements the engine's built-in privileged
// actions: operations that touch the host (shell commands, HTTP calls)
// and therefore need explicit opt-in registration by the embedding
// application, unlike the always-available control-flow actions.
package privileged

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/tombee/catalyst/pkg/action"
	catalysterrors "github.com/tombee/catalyst/pkg/errors"
	"github.com/tombee/catalyst/pkg/playbook"
)

// Shell runs a command via /bin/sh -c, capturing stdout/stderr and exit
// code. Playbooks that register this action accept the risk of
// arbitrary command execution; the engine itself applies no sandboxing.
var Shell action.Func = func(ctx context.Context, _ *playbook.ExecutionContext, with map[string]interface{}) (map[string]interface{}, error) {
	command, ok := with["command"].(string)
	if !ok || command == "" {
		return nil, catalysterrors.New(catalysterrors.CodeInputValidationFailed, "shell action requires a string 'command'")
	}

	timeout := 30 * time.Second
	if t, ok := with["timeoutSeconds"].(int); ok && t > 0 {
		timeout = time.Duration(t) * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeExecutionFailed, err, "failed to run shell command")
	}

	return map[string]interface{}{
		"stdout":   stdout.String(),
		"stderr":   stderr.String(),
		"exitCode": exitCode,
	}, nil
}
