// Package control implements the engine's privileged built-in actions:
// var, return, throw, checkpoint. (if, for-each, and playbook steps are
// structural step types handled directly by the Step Executor, not
// dispatched as named actions, since they need to invoke the executor
// recursively.)
package control

import (
	"context"
	"fmt"
	"regexp"

	"github.com/tombee/catalyst/pkg/action"
	catalysterrors "github.com/tombee/catalyst/pkg/errors"
	"github.com/tombee/catalyst/pkg/playbook"
)

var varNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Var sets one variable in the execution context's Vars map,
// merged back into the caller's scope unless the enclosing step isolates.
var Var action.Func = func(_ context.Context, ec *playbook.ExecutionContext, with map[string]interface{}) (map[string]interface{}, error) {
	name, ok := with["name"].(string)
	if !ok || name == "" {
		return nil, catalysterrors.New(catalysterrors.CodeVarConfigInvalid, "var action requires a string 'name'")
	}
	if !varNamePattern.MatchString(name) {
		return nil, catalysterrors.Newf(catalysterrors.CodeVarInvalidName, "invalid variable name %q", name)
	}
	value, hasValue := with["value"]
	if !hasValue {
		return nil, catalysterrors.New(catalysterrors.CodeVarConfigInvalid, "var action requires a 'value'")
	}

	ec.Vars[name] = value
	return map[string]interface{}{name: value}, nil
}

// Return signals that the current playbook (or nested scope) should
// stop executing further steps and surface the given outputs.
type ReturnSignal struct {
	Outputs map[string]interface{}
}

func (r *ReturnSignal) Error() string { return "return signal" }

var Return action.Func = func(_ context.Context, _ *playbook.ExecutionContext, with map[string]interface{}) (map[string]interface{}, error) {
	outputs, ok := with["outputs"].(map[string]interface{})
	if !ok {
		outputs = with
	}
	return nil, &ReturnSignal{Outputs: outputs}
}

// CheckpointPauseSignal unwinds execution the way SuspendSignal does,
// but originates from the checkpoint action itself rather than an
// error policy: an unapproved checkpoint in manual mode must pause the
// run (status=paused) without ever having failed.
type CheckpointPauseSignal struct {
	StepName string
	Message  string
}

func (c *CheckpointPauseSignal) Error() string {
	return fmt.Sprintf("checkpoint %q awaiting approval: %s", c.StepName, c.Message)
}

// Checkpoint pauses a run pending external approval (manual mode) or
// auto-approves and continues (autonomous mode). In manual mode, a
// checkpoint step that has already had its name recorded in
// context.approvedCheckpoints (by a prior approval, then resumed)
// succeeds without pausing again.
var Checkpoint action.Func = func(_ context.Context, ec *playbook.ExecutionContext, with map[string]interface{}) (map[string]interface{}, error) {
	message, _ := with["message"].(string)
	if message == "" {
		return nil, catalysterrors.New(catalysterrors.CodeCheckpointMessageRequired, "checkpoint action requires a 'message'")
	}

	if ec.Autonomous || ec.ApprovedCheckpoints[ec.CurrentStep] {
		return map[string]interface{}{"approved": true, "message": message}, nil
	}

	return nil, &CheckpointPauseSignal{StepName: ec.CurrentStep, Message: message}
}

// Throw raises a CatalystError with a caller-specified code and message,
// letting playbook authors signal domain-specific failures that the
// error-policy machinery can then catch on.
var Throw action.Func = func(_ context.Context, _ *playbook.ExecutionContext, with map[string]interface{}) (map[string]interface{}, error) {
	code, _ := with["code"].(string)
	if code == "" {
		return nil, catalysterrors.New(catalysterrors.CodeThrowConfigInvalid, "throw action requires a string 'code'")
	}
	message, _ := with["message"].(string)
	if message == "" {
		message = fmt.Sprintf("playbook raised %s", code)
	}
	return nil, catalysterrors.New(catalysterrors.Code(code), message)
}
