// Package engine implements the Engine Orchestrator, Step Executor, and
// Error Policy Evaluator: the core run loop that walks a playbook's
// steps, dispatches actions through the registry, persists state, and
// reacts to failures according to each step's (or the playbook's)
// ErrorPolicy.
package engine

import (
	"math"
	"time"

	"github.com/tombee/catalyst/pkg/playbook"
)

// ResolvePolicy returns the step's own error policy if set, otherwise
// falls back to the playbook's default policy, otherwise to the
// built-in Stop default.
func ResolvePolicy(step *playbook.Step, playbookDefault *playbook.ErrorPolicy) *playbook.ErrorPolicy {
	if step.OnError != nil {
		return step.OnError
	}
	if playbookDefault != nil {
		return playbookDefault
	}
	return &playbook.ErrorPolicy{Disposition: playbook.DispositionStop}
}

// BackoffDelay returns the sleep duration between retry attempt k and
// k+1 (1-indexed): k^2 * 1000ms, per the engine's exponential backoff.
func BackoffDelay(attempt int) time.Duration {
	return time.Duration(math.Pow(float64(attempt), 2)) * time.Second
}

// TotalAttempts returns the total number of attempts (the initial try
// plus n retries) a policy with Retries=n allows.
func TotalAttempts(policy *playbook.ErrorPolicy) int {
	if policy == nil {
		return 1
	}
	return policy.Retries + 1
}
