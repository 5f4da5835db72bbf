package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	catalysterrors "github.com/tombee/catalyst/pkg/errors"
	"github.com/tombee/catalyst/pkg/playbook"
)

func newEC() *playbook.ExecutionContext {
	return &playbook.ExecutionContext{
		Vars:    make(map[string]interface{}),
		Outputs: make(map[string]interface{}),
	}
}

func TestVar_SetsVariable(t *testing.T) {
	ec := newEC()
	out, err := Var(context.Background(), ec, map[string]interface{}{"name": "x", "value": 42})
	require.NoError(t, err)
	assert.Equal(t, 42, ec.Vars["x"])
	assert.Equal(t, map[string]interface{}{"x": 42}, out)
}

func TestVar_RejectsInvalidName(t *testing.T) {
	ec := newEC()
	_, err := Var(context.Background(), ec, map[string]interface{}{"name": "1bad", "value": 1})
	require.Error(t, err)
	code, ok := catalysterrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, catalysterrors.CodeVarInvalidName, code)
}

func TestVar_RequiresValue(t *testing.T) {
	ec := newEC()
	_, err := Var(context.Background(), ec, map[string]interface{}{"name": "x"})
	require.Error(t, err)
}

func TestReturn_ProducesReturnSignal(t *testing.T) {
	ec := newEC()
	_, err := Return(context.Background(), ec, map[string]interface{}{"outputs": map[string]interface{}{"ok": true}})
	require.Error(t, err)
	rs, ok := err.(*ReturnSignal)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"ok": true}, rs.Outputs)
}

func TestReturn_FallsBackToWithAsOutputs(t *testing.T) {
	ec := newEC()
	_, err := Return(context.Background(), ec, map[string]interface{}{"code": "done"})
	rs, ok := err.(*ReturnSignal)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"code": "done"}, rs.Outputs)
}

func TestThrow_RaisesCatalystErrorWithGivenCode(t *testing.T) {
	ec := newEC()
	_, err := Throw(context.Background(), ec, map[string]interface{}{"code": "QuotaExceeded", "message": "too many"})
	require.Error(t, err)
	code, ok := catalysterrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, catalysterrors.Code("QuotaExceeded"), code)
	assert.Contains(t, err.Error(), "too many")
}

func TestThrow_RequiresCode(t *testing.T) {
	ec := newEC()
	_, err := Throw(context.Background(), ec, map[string]interface{}{"message": "no code given"})
	require.Error(t, err)
}

func TestThrow_DefaultsMessageFromCode(t *testing.T) {
	ec := newEC()
	_, err := Throw(context.Background(), ec, map[string]interface{}{"code": "Weird"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Weird")
}

func TestCheckpoint_PausesInManualModeUntilApproved(t *testing.T) {
	ec := newEC()
	ec.CurrentStep = "confirm-deploy"
	ec.ApprovedCheckpoints = map[string]bool{}

	_, err := Checkpoint(context.Background(), ec, map[string]interface{}{"message": "deploy to prod?"})
	require.Error(t, err)
	cp, ok := err.(*CheckpointPauseSignal)
	require.True(t, ok)
	assert.Equal(t, "confirm-deploy", cp.StepName)

	ec.ApprovedCheckpoints["confirm-deploy"] = true
	out, err := Checkpoint(context.Background(), ec, map[string]interface{}{"message": "deploy to prod?"})
	require.NoError(t, err, "an approved checkpoint succeeds on re-entry")
	assert.Equal(t, true, out["approved"])
}

func TestCheckpoint_AutoApprovesInAutonomousMode(t *testing.T) {
	ec := newEC()
	ec.CurrentStep = "confirm-deploy"
	ec.Autonomous = true

	out, err := Checkpoint(context.Background(), ec, map[string]interface{}{"message": "deploy to prod?"})
	require.NoError(t, err)
	assert.Equal(t, true, out["approved"])
}

func TestCheckpoint_RequiresMessage(t *testing.T) {
	ec := newEC()
	_, err := Checkpoint(context.Background(), ec, map[string]interface{}{})
	require.Error(t, err)
	code, ok := catalysterrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, catalysterrors.CodeCheckpointMessageRequired, code)
}
