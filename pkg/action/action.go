// Package action defines the Action contract and built-in control-flow
// and privileged actions the engine ships with. User-supplied action
// libraries beyond these built-ins are out of scope (see spec Non-goals);
// this package only implements what every playbook can rely on existing.
package action

import (
	"context"

	"github.com/tombee/catalyst/pkg/playbook"
)

// Action is the contract every registered action implements. With holds
// the step's already-interpolated `with:` configuration; the action
// returns the values to merge into the execution context's outputs
// under the step's ID.
type Action interface {
	Execute(ctx context.Context, ec *playbook.ExecutionContext, with map[string]interface{}) (map[string]interface{}, error)
}

// Func adapts a plain function to the Action interface, the way the
// registry's factory records construct lightweight built-ins without a
// dedicated type per action.
type Func func(ctx context.Context, ec *playbook.ExecutionContext, with map[string]interface{}) (map[string]interface{}, error)

// Execute implements Action.
func (f Func) Execute(ctx context.Context, ec *playbook.ExecutionContext, with map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, ec, with)
}
