package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/catalyst/pkg/action/control"
	catalysterrors "github.com/tombee/catalyst/pkg/errors"
	catlog "github.com/tombee/catalyst/internal/log"
	"github.com/tombee/catalyst/internal/metrics"
	"github.com/tombee/catalyst/pkg/lock"
	"github.com/tombee/catalyst/pkg/playbook"
	"github.com/tombee/catalyst/pkg/registry"
	"github.com/tombee/catalyst/pkg/state"
	"github.com/tombee/catalyst/pkg/template"
)

// Option configures an Orchestrator, in the teacher's chained
// functional-option style (Executor.With*).
type Option func(*Orchestrator)

// WithLogger overrides the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMaxRecursionDepth overrides the default child-playbook nesting limit.
func WithMaxRecursionDepth(depth int) Option {
	return func(o *Orchestrator) { o.stepExecutor.MaxRecursionDepth = depth }
}

// WithMetrics attaches a metrics recorder; if unset, a no-op recorder is used.
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAutonomousCheckpoints switches `checkpoint` steps to auto-approve
// instead of pausing for an operator. Manual mode (the default) is the
// safer posture for a new embedding: every checkpoint pauses until
// explicitly approved.
func WithAutonomousCheckpoints(autonomous bool) Option {
	return func(o *Orchestrator) { o.autonomous = autonomous }
}

// Orchestrator is the Engine's top-level entry point: it owns the
// Registry, State Store, Lock Manager, and Step Executor, and runs a
// playbook from start to completion/suspension/failure, including
// resuming a previously-suspended or crashed run.
type Orchestrator struct {
	logger       *slog.Logger
	registry     *registry.Registry
	state        *state.Store
	locks        *lock.Manager
	template     *template.Engine
	stepExecutor *StepExecutor
	metrics      *metrics.Recorder
	autonomous   bool
}

// New constructs an Orchestrator wired to the given collaborators.
func New(reg *registry.Registry, store *state.Store, locks *lock.Manager, opts ...Option) *Orchestrator {
	logger := catlog.New(catlog.DefaultConfig())
	tmpl := template.New()

	o := &Orchestrator{
		logger:       logger,
		registry:     reg,
		state:        store,
		locks:        locks,
		template:     tmpl,
		stepExecutor: NewStepExecutor(logger, reg, tmpl),
		metrics:      metrics.NoOp(),
	}

	for _, opt := range opts {
		opt(o)
	}

	o.stepExecutor.Logger = o.logger
	return o
}

// Run starts a fresh execution of the playbook identified by
// playbookID, with the given inputs and actor identity. It acquires any
// resource locks the playbook declares before the first step runs and
// releases them (after any `finally` steps) when the run reaches a
// terminal or suspended state.
func (o *Orchestrator) Run(ctx context.Context, playbookID, actor string, inputs map[string]interface{}) (*playbook.ExecutionResult, error) {
	pb, err := o.registry.Resolve(playbookID, nil, o.stepExecutor.MaxRecursionDepth)
	if err != nil {
		return nil, err
	}

	validatedInputs, err := playbook.ValidateInputs(pb.Inputs, inputs)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := catlog.WithRunContext(o.logger, runID, playbookID, actor)
	log.Info("starting run")

	ec := &playbook.ExecutionContext{
		RunID:               runID,
		Actor:               actor,
		Inputs:              validatedInputs,
		Vars:                make(map[string]interface{}),
		Outputs:             make(map[string]interface{}),
		CallStack:           []string{playbookID},
		ApprovedCheckpoints: make(map[string]bool),
		Autonomous:          o.autonomous,
	}

	return o.execute(ctx, pb, ec, log)
}

// Resume reloads a suspended or crashed run's persisted state and
// continues executing from the step after the last recorded completed
// step. completedSteps only ever grows across resumes (resume
// monotonicity): steps already marked complete are never re-executed.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*playbook.ExecutionResult, error) {
	st, err := o.state.Load(runID)
	if err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeResumeFailed, err, "failed to load state for resume")
	}
	if st.Status == state.StatusCompleted {
		return nil, catalysterrors.Newf(catalysterrors.CodeResumeFailed, "run %s has already completed", runID)
	}

	pb, err := o.registry.Resolve(st.PlaybookID, nil, o.stepExecutor.MaxRecursionDepth)
	if err != nil {
		return nil, err
	}

	log := catlog.WithRunContext(o.logger, runID, st.PlaybookID, st.Actor)
	log.Info("resuming run", "completedSteps", len(st.CompletedSteps))

	approved := make(map[string]bool, len(st.ApprovedCheckpoints))
	for _, name := range st.ApprovedCheckpoints {
		approved[name] = true
	}

	ec := &playbook.ExecutionContext{
		RunID:               runID,
		Actor:               st.Actor,
		Inputs:              st.Inputs,
		Vars:                st.Vars,
		Outputs:             st.Outputs,
		CallStack:           []string{st.PlaybookID},
		ApprovedCheckpoints: approved,
		Autonomous:          o.autonomous,
	}
	if ec.Outputs == nil {
		ec.Outputs = make(map[string]interface{})
	}

	remaining := remainingSteps(pb.Steps, st.CompletedSteps)
	return o.executeFrom(ctx, pb, ec, remaining, st.CompletedSteps, log)
}

// remainingSteps returns the top-level steps not yet present in
// completed, preserving order. Resuming mid-nested-step is not
// supported beyond the top-level boundary (partial step-result replay
// below the completed/not-completed granularity is out of scope).
func remainingSteps(all []playbook.Step, completed []string) []playbook.Step {
	done := make(map[string]bool, len(completed))
	for _, id := range completed {
		done[id] = true
	}
	var remaining []playbook.Step
	for _, s := range all {
		if !done[s.ID] {
			remaining = append(remaining, s)
		}
	}
	return remaining
}

// unifiedVariables merges inputs, per-step outputs, and explicit var
// assignments into the single namespace declared playbook outputs are
// validated against, matching the unified variables map the persisted
// PlaybookState exposes to a resumed or introspected run.
func unifiedVariables(ec *playbook.ExecutionContext) map[string]interface{} {
	merged := make(map[string]interface{}, len(ec.Inputs)+len(ec.Outputs)+len(ec.Vars))
	for k, v := range ec.Inputs {
		merged[k] = v
	}
	for k, v := range ec.Outputs {
		merged[k] = v
	}
	for k, v := range ec.Vars {
		merged[k] = v
	}
	return merged
}

// matchingCatch finds the first catch block whose code matches runErr's
// error code. A return signal is not a catchable error. Catch blocks
// are matched against the surfaced run error, not errors already
// absorbed by a step's own error policy.
func matchingCatch(blocks []playbook.CatchBlock, runErr error) ([]playbook.Step, bool) {
	if runErr == nil {
		return nil, false
	}
	if _, ok := runErr.(*control.ReturnSignal); ok {
		return nil, false
	}
	code, ok := catalysterrors.CodeOf(runErr)
	if !ok {
		return nil, false
	}
	for _, b := range blocks {
		if b.Code == string(code) {
			return b.Steps, true
		}
	}
	return nil, false
}

func (o *Orchestrator) execute(ctx context.Context, pb *playbook.Playbook, ec *playbook.ExecutionContext, log *slog.Logger) (*playbook.ExecutionResult, error) {
	return o.executeFrom(ctx, pb, ec, pb.Steps, nil, log)
}

// executeFrom runs steps (a suffix of pb.Steps for resume, or the full
// list for a fresh run), acquiring the playbook's declared resource
// locks first and always releasing them on the way out, after any
// `finally` handling completes (finally runs before lock release).
func (o *Orchestrator) executeFrom(ctx context.Context, pb *playbook.Playbook, ec *playbook.ExecutionContext, steps []playbook.Step, alreadyCompleted []string, log *slog.Logger) (*playbook.ExecutionResult, error) {
	start := time.Now()
	result := &playbook.ExecutionResult{
		RunID:      ec.RunID,
		PlaybookID: pb.ID,
		StartedAt:  start,
	}

	if len(pb.Resources) > 0 {
		if _, err := o.locks.Acquire(ec.RunID, pb.Resources, nil); err != nil {
			o.metrics.RecordLockContention()
			return nil, err
		}
	}

	completed, runErr := o.stepExecutor.ExecuteSteps(ctx, ec, steps, pb.OnError)

	if !isPause(runErr) {
		// A pausing run (Suspend/Inquire disposition, or an unapproved
		// checkpoint) isn't finishing: catch/finally are terminal-outcome
		// handling and re-apply on whichever resume eventually reaches a
		// real completion or failure.
		if catchSteps, ok := matchingCatch(pb.Catch, runErr); ok {
			log.Info("recovering via catch block", "error", runErr)
			catchCompleted, catchErr := o.stepExecutor.ExecuteSteps(ctx, ec, catchSteps, pb.OnError)
			completed = append(completed, catchCompleted...)
			if catchErr != nil {
				log.Error("catch block failed", "error", catchErr)
			}
			// runErr is left unchanged: a catch block recovers side
			// effects, it never masks the run's own failure.
		}

		if len(pb.Finally) > 0 {
			finallyCompleted, finallyErr := o.stepExecutor.ExecuteSteps(ctx, ec, pb.Finally, pb.OnError)
			completed = append(completed, finallyCompleted...)
			if finallyErr != nil {
				log.Error("finally block failed", "error", finallyErr)
			}
		}
	}

	// State persistence runs before lock release, so finalizers (and the
	// finally block above) can still observe the run's locked resources.
	allCompleted := append(append([]string{}, alreadyCompleted...), completed...)
	result.CompletedSteps = allCompleted
	result.StepsExecuted = len(completed)
	result.FinishedAt = time.Now()

	status, outErr := o.classify(runErr)
	var earlyReturn *state.EarlyReturn
	if rs, ok := runErr.(*control.ReturnSignal); ok {
		result.Outputs = rs.Outputs
		earlyReturn = &state.EarlyReturn{Outputs: rs.Outputs}
	} else {
		result.Outputs = ec.Outputs
	}

	if status == state.StatusCompleted && earlyReturn == nil && len(pb.Outputs) > 0 {
		validated, valErr := playbook.ValidateOutputs(pb.Outputs, unifiedVariables(ec))
		if valErr != nil {
			status = state.StatusFailed
			outErr = valErr
		} else {
			result.Outputs = validated
		}
	}

	result.Status = string(status)
	result.Error = outErr

	st := &state.PlaybookState{
		RunID:               ec.RunID,
		PlaybookID:          pb.ID,
		Actor:               ec.Actor,
		Status:              status,
		Inputs:              ec.Inputs,
		Vars:                ec.Vars,
		Outputs:             ec.Outputs,
		CompletedSteps:      allCompleted,
		CurrentStep:         ec.CurrentStep,
		ApprovedCheckpoints: approvedCheckpointNames(ec.ApprovedCheckpoints),
		EarlyReturn:         earlyReturn,
		CreatedAt:           start,
	}
	if outErr != nil {
		st.Error = outErr.Error()
	}
	if saveErr := o.state.Save(st); saveErr != nil {
		log.Error("failed to persist run state", "error", saveErr)
	}

	if len(pb.Resources) > 0 {
		if relErr := o.locks.Release(ec.RunID); relErr != nil {
			log.Error("failed to release resource locks", "error", relErr)
		}
	}

	o.metrics.RecordRun(string(status), time.Since(start))
	o.metrics.RecordStepsExecuted(result.StepsExecuted)

	log.Info("run finished", "status", result.Status, "stepsExecuted", result.StepsExecuted)

	return result, outErr
}

// isPause reports whether err is a pausing signal (a Suspend/Inquire
// error policy, or an unapproved checkpoint) rather than a real failure.
func isPause(err error) bool {
	if _, ok := err.(*SuspendSignal); ok {
		return true
	}
	if _, ok := err.(*control.CheckpointPauseSignal); ok {
		return true
	}
	return false
}

// approvedCheckpointNames flattens an ExecutionContext's approval set
// into the ordered slice PlaybookState persists.
func approvedCheckpointNames(approved map[string]bool) []string {
	if len(approved) == 0 {
		return nil
	}
	names := make([]string, 0, len(approved))
	for name, ok := range approved {
		if ok {
			names = append(names, name)
		}
	}
	return names
}

// classify maps a run error (or nil) to a terminal/paused status and
// the error to surface to the caller. A return signal completes the
// run; a pause signal (Suspend/Inquire, or an unapproved checkpoint)
// pauses it — neither is a failure the caller needs to handle as an
// error, only a status to act on.
func (o *Orchestrator) classify(err error) (state.Status, error) {
	if err == nil {
		return state.StatusCompleted, nil
	}
	if _, ok := err.(*control.ReturnSignal); ok {
		return state.StatusCompleted, nil
	}
	if isPause(err) {
		return state.StatusPaused, nil
	}

	return state.StatusFailed, err
}

// Abandon archives a run's live state regardless of its current status
// and releases any resource locks it held, per spec §4.7's "archive the
// run regardless of its current status" — an abandoned run is never
// silently discarded.
func (o *Orchestrator) Abandon(runID string) error {
	if err := o.locks.Release(runID); err != nil {
		return err
	}
	return o.state.ArchiveRun(runID)
}

// ApproveCheckpoint records stepName as approved on a paused run's
// persisted state, so the next Resume's re-execution of that checkpoint
// step succeeds instead of pausing again.
func (o *Orchestrator) ApproveCheckpoint(runID, stepName string) error {
	st, err := o.state.Load(runID)
	if err != nil {
		return catalysterrors.Wrap(catalysterrors.CodeResumeFailed, err, "failed to load state to approve checkpoint")
	}
	for _, name := range st.ApprovedCheckpoints {
		if name == stepName {
			return nil
		}
	}
	st.ApprovedCheckpoints = append(st.ApprovedCheckpoints, stepName)
	return o.state.Save(st)
}

// CleanupStaleRuns archives every live run whose state has not been
// touched in more than olderThanDays (default 7), returning the count
// archived. Runs already gone by the time they're archived (raced by a
// concurrent resume/abandon) are skipped, not an error.
func (o *Orchestrator) CleanupStaleRuns(olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		olderThanDays = 7
	}

	stale, err := o.state.ListStale(olderThanDays)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, runID := range stale {
		if err := o.state.ArchiveRun(runID); err != nil {
			o.logger.Error("failed to archive stale run", "runId", runID, "error", err)
			continue
		}
		archived++
	}
	return archived, nil
}
