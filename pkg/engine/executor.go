package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tombee/catalyst/pkg/action/control"
	catalysterrors "github.com/tombee/catalyst/pkg/errors"
	catlog "github.com/tombee/catalyst/internal/log"
	"github.com/tombee/catalyst/pkg/playbook"
	"github.com/tombee/catalyst/pkg/registry"
	"github.com/tombee/catalyst/pkg/template"
)

// StepOutcome records what happened when a single step (and its nested
// tree) finished running, independent of the playbook-level result.
type StepOutcome struct {
	StepID  string
	Broken  bool // true if a "break" disposition stopped an enclosing loop
	Returned *control.ReturnSignal
}

// StepExecutor runs one playbook's step tree against an ExecutionContext,
// dispatching named actions through the Registry, interpolating `with:`
// configuration through the Template Engine, applying retry/backoff, and
// resolving each step's ErrorPolicy on failure.
//
// Nested (child) playbook execution re-enters the StepExecutor through
// executePlaybookStep, threading the call stack for circular-reference and
// max-depth detection, matching subworkflow.Loader's LoadContext pattern
// generalized from file-based sub-workflows to playbook ids.
type StepExecutor struct {
	Logger            *slog.Logger
	Registry          *registry.Registry
	Template          *template.Engine
	MaxRecursionDepth int
}

// NewStepExecutor constructs a StepExecutor with the given collaborators.
func NewStepExecutor(logger *slog.Logger, reg *registry.Registry, tmpl *template.Engine) *StepExecutor {
	return &StepExecutor{
		Logger:            logger,
		Registry:          reg,
		Template:          tmpl,
		MaxRecursionDepth: registry.DefaultMaxRecursionDepth,
	}
}

// ExecuteSteps runs steps in order against ec, returning the IDs of
// steps that completed and stopping early on a return/break/stop
// disposition. playbookPolicy is the enclosing playbook's default
// ErrorPolicy, consulted when a step has none of its own.
func (x *StepExecutor) ExecuteSteps(ctx context.Context, ec *playbook.ExecutionContext, steps []playbook.Step, playbookPolicy *playbook.ErrorPolicy) ([]string, error) {
	var completed []string

	for i := range steps {
		step := &steps[i]

		outcome, err := x.executeStep(ctx, ec, step, playbookPolicy)
		if err != nil {
			return completed, err
		}

		completed = append(completed, step.ID)

		if outcome != nil {
			if outcome.Returned != nil {
				return completed, outcome.Returned
			}
			if outcome.Broken {
				return completed, breakSignal{}
			}
		}
	}

	return completed, nil
}

// breakSignal unwinds enclosing for-each loops without being mistaken
// for a real execution error; ExecuteSteps' caller for a for-each loop
// body checks for it explicitly and stops iterating.
type breakSignal struct{}

func (breakSignal) Error() string { return "break signal" }

// SuspendSignal unwinds execution up to the Orchestrator the way a real
// failure does, but means "pause for resume", not "fail": the
// Orchestrator persists status=paused, skips catch/finally (the run
// isn't finishing, it's pausing), and does not archive. The Inquire
// disposition sets Inquire on the signal; the Orchestrator pauses the run
// exactly as for Suspend and records no approval token, so the next
// resume does not wait for one.
type SuspendSignal struct {
	Cause   error
	Inquire bool
}

func (s *SuspendSignal) Error() string { return s.Cause.Error() }
func (s *SuspendSignal) Unwrap() error { return s.Cause }

func (x *StepExecutor) executeStep(ctx context.Context, ec *playbook.ExecutionContext, step *playbook.Step, playbookPolicy *playbook.ErrorPolicy) (*StepOutcome, error) {
	log := catlog.WithStepContext(x.Logger, ec.RunID, step.ID)
	ec.CurrentStep = step.ID

	switch step.Type {
	case playbook.StepTypeIf:
		return x.executeIf(ctx, ec, step, playbookPolicy, log)
	case playbook.StepTypeForEach:
		return x.executeForEach(ctx, ec, step, playbookPolicy, log)
	case playbook.StepTypePlaybook:
		return x.executePlaybookStep(ctx, ec, step, playbookPolicy, log)
	case playbook.StepTypeAction:
		return x.executeAction(ctx, ec, step, playbookPolicy, log)
	default:
		return nil, catalysterrors.Newf(catalysterrors.CodePlaybookNotValid, "unknown step type %q for step %s", step.Type, step.ID)
	}
}

func (x *StepExecutor) executeAction(ctx context.Context, ec *playbook.ExecutionContext, step *playbook.Step, playbookPolicy *playbook.ErrorPolicy, log *slog.Logger) (*StepOutcome, error) {
	rec, err := x.Registry.LookupAction(step.Action)
	if err != nil {
		return nil, err
	}

	with, err := x.interpolateWith(step.With, ec)
	if err != nil {
		return nil, err
	}

	policy := ResolvePolicy(step, playbookPolicy)
	attempts := TotalAttempts(policy)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		outputs, err := rec.Action.Execute(ctx, ec, with)
		if err == nil {
			ec.Outputs[step.ID] = outputs
			return returnOutcomeOrNil(step.ID, nil), nil
		}

		if rs, ok := err.(*control.ReturnSignal); ok {
			return &StepOutcome{StepID: step.ID, Returned: rs}, nil
		}

		if cp, ok := err.(*control.CheckpointPauseSignal); ok {
			return nil, cp
		}

		lastErr = err
		log.Warn("step attempt failed", "attempt", attempt, "maxAttempts", attempts, "error", err)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(BackoffDelay(attempt)):
			}
		}
	}

	return x.resolveFailure(step.ID, lastErr, policy, log)
}

func returnOutcomeOrNil(stepID string, rs *control.ReturnSignal) *StepOutcome {
	if rs == nil {
		return nil
	}
	return &StepOutcome{StepID: stepID, Returned: rs}
}

// resolveFailure applies the step's error policy once retries are
// exhausted. Dispositions that swallow the error (Ignore,
// SilentlyContinue) return a nil error so the caller treats the step as
// completed; Continue logs and also returns nil; Break signals the
// enclosing loop; Stop propagates a plain CatalystError; Suspend and
// Inquire propagate a SuspendSignal so the Orchestrator pauses the run
// instead of failing it.
func (x *StepExecutor) resolveFailure(stepID string, err error, policy *playbook.ErrorPolicy, log *slog.Logger) (*StepOutcome, error) {
	switch policy.Disposition {
	case playbook.DispositionIgnore:
		return nil, nil
	case playbook.DispositionSilentlyContinue:
		return nil, nil
	case playbook.DispositionContinue:
		log.Warn("step failed, continuing", "error", err)
		return nil, nil
	case playbook.DispositionBreak:
		log.Warn("step failed, breaking enclosing loop", "error", err)
		return &StepOutcome{StepID: stepID, Broken: true}, nil
	case playbook.DispositionSuspend:
		log.Warn("step failed, suspending run", "error", err)
		return nil, &SuspendSignal{Cause: err}
	case playbook.DispositionInquire:
		log.Warn("step failed, suspending run for approval", "error", err)
		return nil, &SuspendSignal{Cause: err, Inquire: true}
	case playbook.DispositionStop:
		return nil, catalysterrors.Wrap(catalysterrors.CodeExecutionFailed, err, fmt.Sprintf("step %s failed", stepID)).
			WithMetadata("disposition", string(policy.Disposition))
	default:
		return nil, catalysterrors.Wrap(catalysterrors.CodeExecutionFailed, err, fmt.Sprintf("step %s failed", stepID))
	}
}

// truthy evaluates an `if` condition result: a bool is used as-is; a
// string is falsy only for "false", "", "null", "undefined"
// (case-insensitive) and truthy otherwise (including "0"); any other
// type is a condition-evaluation error.
func truthy(result interface{}) (bool, error) {
	switch v := result.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(v) {
		case "false", "", "null", "undefined":
			return false, nil
		default:
			return true, nil
		}
	default:
		return false, fmt.Errorf("condition did not evaluate to a boolean or string")
	}
}

func (x *StepExecutor) executeIf(ctx context.Context, ec *playbook.ExecutionContext, step *playbook.Step, playbookPolicy *playbook.ErrorPolicy, log *slog.Logger) (*StepOutcome, error) {
	result, err := x.Template.Eval(step.Condition, scopeOf(ec))
	if err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeIfConditionEvaluationFailed, err, fmt.Sprintf("failed to evaluate condition for step %s", step.ID))
	}

	cond, err := truthy(result)
	if err != nil {
		return nil, catalysterrors.Newf(catalysterrors.CodeIfConditionEvaluationFailed, "condition for step %s did not evaluate to a boolean or string", step.ID)
	}

	branch := step.Steps
	if !cond {
		branch = step.Else
	}
	if len(branch) == 0 {
		return nil, nil
	}

	nested, err := x.runNested(ctx, ec, branch, step, playbookPolicy)
	if err != nil {
		return nested, err
	}
	return nested, nil
}

func (x *StepExecutor) executeForEach(ctx context.Context, ec *playbook.ExecutionContext, step *playbook.Step, playbookPolicy *playbook.ErrorPolicy, log *slog.Logger) (*StepOutcome, error) {
	result, err := x.Template.Eval(step.ForEach, scopeOf(ec))
	if err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeForEachConfigInvalid, err, fmt.Sprintf("failed to evaluate forEach collection for step %s", step.ID))
	}

	items, ok := result.([]interface{})
	if !ok {
		return nil, catalysterrors.Newf(catalysterrors.CodeForEachInvalidArray, "forEach value for step %s is not an array", step.ID)
	}

	itemVar := step.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}

	for _, item := range items {
		scope := ec
		if step.DefaultIsolation() == playbook.IsolationIsolated {
			scope = ec.Clone()
		}
		scope.Vars[itemVar] = item
		applyOverrides(scope, step.VariableOverrides)

		outcome, err := x.ExecuteSteps(ctx, scope, step.Steps, playbookPolicy)
		_ = outcome

		if step.DefaultIsolation() != playbook.IsolationIsolated {
			mergeBack(ec, scope, itemVar)
		}

		if err != nil {
			if _, isBreak := err.(breakSignal); isBreak {
				break
			}
			if rs, ok := err.(*control.ReturnSignal); ok {
				return &StepOutcome{StepID: step.ID, Returned: rs}, nil
			}
			return nil, err
		}
	}

	return nil, nil
}

func (x *StepExecutor) executePlaybookStep(ctx context.Context, ec *playbook.ExecutionContext, step *playbook.Step, playbookPolicy *playbook.ErrorPolicy, log *slog.Logger) (*StepOutcome, error) {
	childID, err := x.Template.Interpolate(step.PlaybookRef, scopeOf(ec))
	if err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodePlaybookRunConfigInvalid, err, fmt.Sprintf("failed to resolve playbook reference for step %s", step.ID))
	}

	child, err := x.Registry.Resolve(childID, ec.CallStack, x.MaxRecursionDepth)
	if err != nil {
		return nil, err
	}

	interpolatedWith, err := x.interpolateWith(step.With, ec)
	if err != nil {
		return nil, err
	}

	childInputs, err := playbook.ValidateInputs(child.Inputs, interpolatedWith)
	if err != nil {
		return nil, err
	}

	childCtx := &playbook.ExecutionContext{
		RunID:               ec.RunID,
		Actor:               ec.Actor,
		Inputs:              childInputs,
		Vars:                make(map[string]interface{}),
		Outputs:             make(map[string]interface{}),
		CallStack:           append(append([]string{}, ec.CallStack...), childID),
		ApprovedCheckpoints: ec.ApprovedCheckpoints,
		Autonomous:          ec.Autonomous,
	}
	applyOverrides(childCtx, step.VariableOverrides)

	completed, err := x.ExecuteSteps(ctx, childCtx, child.Steps, child.OnError)
	log.Info("child playbook finished", "childPlaybook", childID, "stepsExecuted", len(completed))

	if step.DefaultIsolation() != playbook.IsolationIsolated {
		for k, v := range childCtx.Outputs {
			ec.Outputs[k] = v
		}
	}

	if err != nil {
		if rs, ok := err.(*control.ReturnSignal); ok {
			ec.Outputs[step.ID] = rs.Outputs
			return nil, nil
		}
		return nil, err
	}

	return nil, nil
}

// runNested executes a nested step list against a scope derived from
// ec according to step's isolation, merging results back unless isolated.
func (x *StepExecutor) runNested(ctx context.Context, ec *playbook.ExecutionContext, steps []playbook.Step, step *playbook.Step, playbookPolicy *playbook.ErrorPolicy) (*StepOutcome, error) {
	scope := ec
	if step.DefaultIsolation() == playbook.IsolationIsolated {
		scope = ec.Clone()
	}
	applyOverrides(scope, step.VariableOverrides)

	_, err := x.ExecuteSteps(ctx, scope, steps, playbookPolicy)

	if step.DefaultIsolation() != playbook.IsolationIsolated {
		mergeBack(ec, scope, "")
	}

	if err != nil {
		if _, isBreak := err.(breakSignal); isBreak {
			return &StepOutcome{StepID: step.ID, Broken: true}, nil
		}
		if rs, ok := err.(*control.ReturnSignal); ok {
			return &StepOutcome{StepID: step.ID, Returned: rs}, nil
		}
		return nil, err
	}
	return nil, nil
}

// applyOverrides shadows scope.Vars with variableOverrides; these
// discard on scope exit regardless of the step's isolation setting.
func applyOverrides(scope *playbook.ExecutionContext, overrides map[string]interface{}) {
	for k, v := range overrides {
		scope.Vars[k] = v
	}
}

// mergeBack copies a child scope's variable writes back into the
// parent, skipping the loop item variable (and any key the overrides
// introduced) so isolation-shared semantics never leak per-iteration
// scaffolding into the parent.
func mergeBack(parent, child *playbook.ExecutionContext, skipKey string) {
	for k, v := range child.Vars {
		if k == skipKey {
			continue
		}
		parent.Vars[k] = v
	}
	for k, v := range child.Outputs {
		parent.Outputs[k] = v
	}
}

func (x *StepExecutor) interpolateWith(with map[string]interface{}, ec *playbook.ExecutionContext) (map[string]interface{}, error) {
	if with == nil {
		return map[string]interface{}{}, nil
	}
	interpolated, err := x.Template.InterpolateObject(with, scopeOf(ec))
	if err != nil {
		return nil, err
	}
	m, ok := interpolated.(map[string]interface{})
	if !ok {
		return nil, catalysterrors.New(catalysterrors.CodeInputValidationFailed, "interpolated step configuration is not an object")
	}
	return m, nil
}

func scopeOf(ec *playbook.ExecutionContext) map[string]interface{} {
	return map[string]interface{}{
		"inputs": ec.Inputs,
		"vars":   ec.Vars,
		"steps":  ec.Outputs,
	}
}
