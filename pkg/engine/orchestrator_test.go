package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/catalyst/pkg/lock"
	"github.com/tombee/catalyst/pkg/registry"
	"github.com/tombee/catalyst/pkg/state"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *registry.Registry, string) {
	t.Helper()
	playbookDir := t.TempDir()
	stateDir := t.TempDir()
	lockDir := t.TempDir()

	reg := registry.New()
	require.NoError(t, reg.AddLoader(registry.NewFileLoader(playbookDir)))
	require.NoError(t, RegisterBuiltinActions(reg))

	store, err := state.NewStore(stateDir)
	require.NoError(t, err)

	locks, err := lock.NewManager(lockDir)
	require.NoError(t, err)

	return New(reg, store, locks), reg, playbookDir
}

func writePlaybookFile(t *testing.T, dir, id, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(content), 0600))
}

func TestRun_SimpleVarPlaybook(t *testing.T) {
	o, _, dir := newTestOrchestrator(t)
	writePlaybookFile(t, dir, "simple", `
id: simple
name: Simple
inputs:
  - name: greeting
    type: string
    required: true
steps:
  - id: set-message
    type: action
    action: var
    with:
      name: message
      value: "${inputs.greeting}"
`)

	result, err := o.Run(context.Background(), "simple", "tester", map[string]interface{}{"greeting": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, 1, result.StepsExecuted)
	assert.Equal(t, []string{"set-message"}, result.CompletedSteps)
}

func TestRun_IfStepSkipsElseOnTrue(t *testing.T) {
	o, _, dir := newTestOrchestrator(t)
	writePlaybookFile(t, dir, "cond", `
id: cond
name: Conditional
inputs:
  - name: flag
    type: bool
    required: true
steps:
  - id: branch
    type: if
    condition: "inputs.flag"
    steps:
      - id: on-true
        type: action
        action: var
        with:
          name: result
          value: "yes"
    else:
      - id: on-false
        type: action
        action: var
        with:
          name: result
          value: "no"
`)

	result, err := o.Run(context.Background(), "cond", "tester", map[string]interface{}{"flag": true})
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Contains(t, result.CompletedSteps, "branch")
	assert.Contains(t, result.Outputs, "on-true")
	assert.NotContains(t, result.Outputs, "on-false")
}

func TestRun_StopDispositionFailsRun(t *testing.T) {
	o, _, dir := newTestOrchestrator(t)
	writePlaybookFile(t, dir, "failing", `
id: failing
name: Failing
steps:
  - id: boom
    type: action
    action: throw
    with:
      code: ExecutionFailed
      message: "deliberate failure"
    onError:
      disposition: stop
`)

	result, err := o.Run(context.Background(), "failing", "tester", nil)
	require.Error(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, 0, result.StepsExecuted, "boom never completed, so it must not count toward stepsExecuted")
}

func TestRun_IgnoreDispositionContinues(t *testing.T) {
	o, _, dir := newTestOrchestrator(t)
	writePlaybookFile(t, dir, "ignorable", `
id: ignorable
name: Ignorable
steps:
  - id: boom
    type: action
    action: throw
    with:
      code: ExecutionFailed
      message: "ignored failure"
    onError:
      disposition: ignore
  - id: after
    type: action
    action: var
    with:
      name: done
      value: true
`)

	result, err := o.Run(context.Background(), "ignorable", "tester", nil)
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, []string{"boom", "after"}, result.CompletedSteps)
}

func TestRun_MissingRequiredInput(t *testing.T) {
	o, _, dir := newTestOrchestrator(t)
	writePlaybookFile(t, dir, "needsinput", `
id: needsinput
name: NeedsInput
inputs:
  - name: required_field
    type: string
    required: true
steps:
  - id: noop
    type: action
    action: var
    with:
      name: x
      value: 1
`)

	_, err := o.Run(context.Background(), "needsinput", "tester", map[string]interface{}{})
	require.Error(t, err)
}

func TestRun_CatchBlockRecoversFromMatchingError(t *testing.T) {
	o, _, dir := newTestOrchestrator(t)
	writePlaybookFile(t, dir, "caught", `
id: caught
name: Caught
steps:
  - id: boom
    type: action
    action: throw
    with:
      code: ExecutionFailed
      message: "recoverable"
    onError:
      disposition: stop
catch:
  - code: ExecutionFailed
    steps:
      - id: recover
        type: action
        action: var
        with:
          name: recovered
          value: true
`)

	result, err := o.Run(context.Background(), "caught", "tester", nil)
	require.Error(t, err, "a catch block recovers side effects but never masks the run's failure")
	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, result.CompletedSteps, "recover")
}

func TestRun_FinallyRunsOnFailure(t *testing.T) {
	o, _, dir := newTestOrchestrator(t)
	writePlaybookFile(t, dir, "withfinally", `
id: withfinally
name: WithFinally
steps:
  - id: boom
    type: action
    action: throw
    with:
      code: ExecutionFailed
      message: "unrecovered"
    onError:
      disposition: stop
finally:
  - id: cleanup
    type: action
    action: var
    with:
      name: cleaned
      value: true
`)

	result, err := o.Run(context.Background(), "withfinally", "tester", nil)
	require.Error(t, err, "finally does not mask the primary outcome")
	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, result.CompletedSteps, "cleanup", "finally must run even when the run fails")
}

func TestRun_SuspendDispositionPausesRun(t *testing.T) {
	o, _, dir := newTestOrchestrator(t)
	writePlaybookFile(t, dir, "pausing", `
id: pausing
name: Pausing
finally:
  - id: cleanup
    type: action
    action: var
    with:
      name: cleaned
      value: true
steps:
  - id: needs-approval
    type: action
    action: throw
    with:
      code: ExecutionFailed
      message: "awaiting operator"
    onError:
      disposition: suspend
`)

	result, err := o.Run(context.Background(), "pausing", "tester", nil)
	require.NoError(t, err, "a suspended run is paused, not failed")
	assert.Equal(t, "paused", result.Status)
	assert.NotContains(t, result.CompletedSteps, "needs-approval")
	assert.NotContains(t, result.CompletedSteps, "cleanup", "finally does not run while the run is only pausing")
}

func TestRun_DeclaredOutputsAreValidatedAndCoerced(t *testing.T) {
	o, _, dir := newTestOrchestrator(t)
	writePlaybookFile(t, dir, "withoutputs", `
id: withoutputs
name: WithOutputs
outputs:
  - name: count
    type: int
steps:
  - id: set-count
    type: action
    action: var
    with:
      name: count
      value: "3"
`)

	result, err := o.Run(context.Background(), "withoutputs", "tester", nil)
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, 3, result.Outputs["count"])
}

func TestRun_MissingDeclaredOutputFailsRun(t *testing.T) {
	o, _, dir := newTestOrchestrator(t)
	writePlaybookFile(t, dir, "missingoutput", `
id: missingoutput
name: MissingOutput
outputs:
  - name: never_set
    type: string
steps:
  - id: noop
    type: action
    action: var
    with:
      name: unrelated
      value: 1
`)

	result, err := o.Run(context.Background(), "missingoutput", "tester", nil)
	require.Error(t, err)
	assert.Equal(t, "failed", result.Status)
}

func TestResume_RejectsCompletedRun(t *testing.T) {
	o, _, dir := newTestOrchestrator(t)
	writePlaybookFile(t, dir, "resumable", `
id: resumable
name: Resumable
steps:
  - id: first
    type: action
    action: var
    with:
      name: a
      value: 1
  - id: second
    type: action
    action: var
    with:
      name: b
      value: 2
`)

	result, err := o.Run(context.Background(), "resumable", "tester", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, result.CompletedSteps)

	resumed, err := o.Resume(context.Background(), result.RunID)
	require.Error(t, err, "resuming an already-completed run should fail")
	_ = resumed
}

func TestResume_StepsExecutedCountsOnlyThisInvocation(t *testing.T) {
	playbookDir := t.TempDir()
	stateDir := t.TempDir()
	lockDir := t.TempDir()

	reg := registry.New()
	require.NoError(t, reg.AddLoader(registry.NewFileLoader(playbookDir)))
	require.NoError(t, RegisterBuiltinActions(reg))

	store, err := state.NewStore(stateDir)
	require.NoError(t, err)
	locks, err := lock.NewManager(lockDir)
	require.NoError(t, err)

	o := New(reg, store, locks)

	writePlaybookFile(t, playbookDir, "abc", `
id: abc
name: ABC
steps:
  - id: a
    type: action
    action: var
    with:
      name: a
      value: 1
  - id: b
    type: action
    action: var
    with:
      name: b
      value: 2
  - id: c
    type: action
    action: var
    with:
      name: c
      value: 3
`)

	require.NoError(t, store.Save(&state.PlaybookState{
		RunID:          "forced-pause",
		PlaybookID:     "abc",
		Actor:          "tester",
		Status:         state.StatusPaused,
		Inputs:         map[string]interface{}{},
		Vars:           map[string]interface{}{},
		Outputs:        map[string]interface{}{},
		CompletedSteps: []string{"a"},
	}))

	result, err := o.Resume(context.Background(), "forced-pause")
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, []string{"a", "b", "c"}, result.CompletedSteps)
	assert.Equal(t, 2, result.StepsExecuted, "only b and c ran during this resume")
}

func TestRun_IfStringConditionTruthiness(t *testing.T) {
	o, _, dir := newTestOrchestrator(t)
	writePlaybookFile(t, dir, "stringcond", `
id: stringcond
name: StringCond
inputs:
  - name: flag
    type: string
    required: true
steps:
  - id: branch
    type: if
    condition: "inputs.flag"
    steps:
      - id: on-true
        type: action
        action: var
        with:
          name: result
          value: "yes"
    else:
      - id: on-false
        type: action
        action: var
        with:
          name: result
          value: "no"
`)

	result, err := o.Run(context.Background(), "stringcond", "tester", map[string]interface{}{"flag": "0"})
	require.NoError(t, err)
	assert.Contains(t, result.Outputs, "on-true", `"0" is truthy for string conditions`)

	result, err = o.Run(context.Background(), "stringcond", "tester", map[string]interface{}{"flag": "False"})
	require.NoError(t, err)
	assert.Contains(t, result.Outputs, "on-false", `"False" is falsy case-insensitively`)
}

func TestAbandon_ArchivesRatherThanDeletes(t *testing.T) {
	playbookDir := t.TempDir()
	stateDir := t.TempDir()
	lockDir := t.TempDir()

	reg := registry.New()
	require.NoError(t, reg.AddLoader(registry.NewFileLoader(playbookDir)))
	require.NoError(t, RegisterBuiltinActions(reg))

	store, err := state.NewStore(stateDir)
	require.NoError(t, err)
	locks, err := lock.NewManager(lockDir)
	require.NoError(t, err)

	o := New(reg, store, locks)

	require.NoError(t, store.Save(&state.PlaybookState{
		RunID:      "to-abandon",
		PlaybookID: "abc",
		Actor:      "tester",
		Status:     state.StatusFailed,
		Inputs:     map[string]interface{}{},
		Vars:       map[string]interface{}{},
	}))

	require.NoError(t, o.Abandon("to-abandon"))

	live, err := store.ListLive()
	require.NoError(t, err)
	assert.NotContains(t, live, "to-abandon")

	_, err = store.Load("to-abandon")
	require.Error(t, err, "abandoned run is archived, not merely deleted")

	require.NoError(t, o.Abandon("to-abandon"), "abandoning twice is a no-op, not an error")
}

func TestRun_ManualCheckpointPausesThenApprovedResumeCompletes(t *testing.T) {
	o, _, dir := newTestOrchestrator(t)
	writePlaybookFile(t, dir, "gated", `
id: gated
name: Gated
steps:
  - id: confirm
    type: action
    action: checkpoint
    with:
      message: "proceed?"
  - id: after
    type: action
    action: var
    with:
      name: done
      value: true
`)

	result, err := o.Run(context.Background(), "gated", "tester", nil)
	require.NoError(t, err, "an unapproved manual checkpoint pauses, it does not fail")
	assert.Equal(t, "paused", result.Status)
	assert.NotContains(t, result.CompletedSteps, "confirm")

	require.NoError(t, o.ApproveCheckpoint(result.RunID, "confirm"))

	resumed, err := o.Resume(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, "completed", resumed.Status)
	assert.Equal(t, []string{"confirm", "after"}, resumed.CompletedSteps)
}

func TestRun_AutonomousCheckpointNeverPauses(t *testing.T) {
	playbookDir := t.TempDir()
	stateDir := t.TempDir()
	lockDir := t.TempDir()

	reg := registry.New()
	require.NoError(t, reg.AddLoader(registry.NewFileLoader(playbookDir)))
	require.NoError(t, RegisterBuiltinActions(reg))

	store, err := state.NewStore(stateDir)
	require.NoError(t, err)
	locks, err := lock.NewManager(lockDir)
	require.NoError(t, err)

	o := New(reg, store, locks, WithAutonomousCheckpoints(true))

	writePlaybookFile(t, playbookDir, "gated", `
id: gated
name: Gated
steps:
  - id: confirm
    type: action
    action: checkpoint
    with:
      message: "proceed?"
`)

	result, err := o.Run(context.Background(), "gated", "tester", nil)
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Contains(t, result.CompletedSteps, "confirm")
}

func TestCleanupStaleRuns_ArchivesOldLiveRuns(t *testing.T) {
	playbookDir := t.TempDir()
	stateDir := t.TempDir()
	lockDir := t.TempDir()

	reg := registry.New()
	require.NoError(t, reg.AddLoader(registry.NewFileLoader(playbookDir)))
	require.NoError(t, RegisterBuiltinActions(reg))

	store, err := state.NewStore(stateDir)
	require.NoError(t, err)
	locks, err := lock.NewManager(lockDir)
	require.NoError(t, err)

	o := New(reg, store, locks)

	require.NoError(t, store.Save(&state.PlaybookState{
		RunID:      "stale-run",
		PlaybookID: "abc",
		Actor:      "tester",
		Status:     state.StatusFailed,
		Inputs:     map[string]interface{}{},
		Vars:       map[string]interface{}{},
	}))

	old := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(stateDir, "run-stale-run.json"), old, old))

	archived, err := o.CleanupStaleRuns(7)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	live, err := store.ListLive()
	require.NoError(t, err)
	assert.NotContains(t, live, "stale-run")
}
