package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/catalyst/pkg/playbook"
)

func TestResolvePolicy_PrefersStepOverPlaybookDefault(t *testing.T) {
	step := &playbook.Step{OnError: &playbook.ErrorPolicy{Disposition: playbook.DispositionIgnore}}
	playbookDefault := &playbook.ErrorPolicy{Disposition: playbook.DispositionStop}
	got := ResolvePolicy(step, playbookDefault)
	assert.Equal(t, playbook.DispositionIgnore, got.Disposition)
}

func TestResolvePolicy_FallsBackToPlaybookDefault(t *testing.T) {
	step := &playbook.Step{}
	playbookDefault := &playbook.ErrorPolicy{Disposition: playbook.DispositionBreak}
	got := ResolvePolicy(step, playbookDefault)
	assert.Equal(t, playbook.DispositionBreak, got.Disposition)
}

func TestResolvePolicy_FallsBackToStopWhenNeitherSet(t *testing.T) {
	got := ResolvePolicy(&playbook.Step{}, nil)
	assert.Equal(t, playbook.DispositionStop, got.Disposition)
}

func TestBackoffDelay_IsQuadratic(t *testing.T) {
	assert.Equal(t, 1*time.Second, BackoffDelay(1))
	assert.Equal(t, 4*time.Second, BackoffDelay(2))
	assert.Equal(t, 9*time.Second, BackoffDelay(3))
}

func TestTotalAttempts_IsRetriesPlusOne(t *testing.T) {
	assert.Equal(t, 1, TotalAttempts(&playbook.ErrorPolicy{Retries: 0}))
	assert.Equal(t, 4, TotalAttempts(&playbook.ErrorPolicy{Retries: 3}))
	assert.Equal(t, 1, TotalAttempts(nil))
}
