// Package playbook defines the Catalyst data model: playbooks, steps,
// input/output parameters, and error policies, plus YAML parsing and
// static validation.
package playbook

import "time"

// StepType enumerates the kinds of steps a playbook may contain.
type StepType string

const (
	StepTypeAction   StepType = "action"
	StepTypeIf       StepType = "if"
	StepTypeForEach  StepType = "for-each"
	StepTypePlaybook StepType = "playbook"
)

// Isolation controls whether a nested step's variable writes are merged
// back into the parent scope on exit, or discarded.
type Isolation string

const (
	IsolationShared   Isolation = "shared"
	IsolationIsolated Isolation = "isolated"
)

// Disposition is the outcome an ErrorPolicy assigns to a failed step.
type Disposition string

const (
	DispositionStop             Disposition = "stop"
	DispositionSuspend          Disposition = "suspend"
	DispositionBreak            Disposition = "break"
	DispositionInquire          Disposition = "inquire"
	DispositionContinue         Disposition = "continue"
	DispositionSilentlyContinue Disposition = "silently-continue"
	DispositionIgnore           Disposition = "ignore"
)

// ErrorPolicy describes how the engine should react when a step fails,
// with optional retry-with-backoff before the disposition applies.
type ErrorPolicy struct {
	Disposition Disposition `yaml:"disposition" json:"disposition"`
	Retries     int         `yaml:"retries,omitempty" json:"retries,omitempty"`
	Message     string      `yaml:"message,omitempty" json:"message,omitempty"`
}

// InputParameter declares one named input a playbook or step accepts.
type InputParameter struct {
	Name        string      `yaml:"name" json:"name"`
	Type        string      `yaml:"type" json:"type"`
	Required    bool        `yaml:"required,omitempty" json:"required,omitempty"`
	Default     interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
}

// OutputParameter declares one named output a playbook or step produces.
type OutputParameter struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Step is one unit of playbook execution: a leaf action, a conditional,
// a loop, or a nested (child) playbook invocation.
type Step struct {
	ID                string                 `yaml:"id" json:"id"`
	Type              StepType               `yaml:"type" json:"type"`
	Action            string                 `yaml:"action,omitempty" json:"action,omitempty"`
	With              map[string]interface{} `yaml:"with,omitempty" json:"with,omitempty"`
	Condition         string                 `yaml:"condition,omitempty" json:"condition,omitempty"`
	ForEach           string                 `yaml:"forEach,omitempty" json:"forEach,omitempty"`
	ItemVar           string                 `yaml:"itemVar,omitempty" json:"itemVar,omitempty"`
	PlaybookRef       string                 `yaml:"playbook,omitempty" json:"playbook,omitempty"`
	VariableOverrides map[string]interface{} `yaml:"variableOverrides,omitempty" json:"variableOverrides,omitempty"`
	Isolation         Isolation              `yaml:"isolation,omitempty" json:"isolation,omitempty"`
	Steps             []Step                 `yaml:"steps,omitempty" json:"steps,omitempty"`
	Else              []Step                 `yaml:"else,omitempty" json:"else,omitempty"`
	OnError           *ErrorPolicy           `yaml:"onError,omitempty" json:"onError,omitempty"`
	Outputs           []OutputParameter      `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// DefaultIsolation returns the step's effective isolation, applying the
// type-specific default (if/for-each share by default, playbook steps
// isolate by default) when the author did not set one explicitly.
func (s Step) DefaultIsolation() Isolation {
	if s.Isolation != "" {
		return s.Isolation
	}
	if s.Type == StepTypePlaybook {
		return IsolationIsolated
	}
	return IsolationShared
}

// CatchBlock runs its own steps when the playbook's step list fails with
// a specific error code. The run's failure is still propagated after the
// catch steps run; a catch block never turns a failed run into a
// successful one.
type CatchBlock struct {
	Code  string `yaml:"code" json:"code"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Playbook is the top-level document: a named sequence of
// steps with declared inputs, outputs, resource requirements, catch/
// finally blocks, and a default error policy.
type Playbook struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs      []InputParameter  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs     []OutputParameter `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Resources   []string          `yaml:"resources,omitempty" json:"resources,omitempty"`
	OnError     *ErrorPolicy      `yaml:"onError,omitempty" json:"onError,omitempty"`
	Catch       []CatchBlock      `yaml:"catch,omitempty" json:"catch,omitempty"`
	Finally     []Step            `yaml:"finally,omitempty" json:"finally,omitempty"`
	Steps       []Step            `yaml:"steps" json:"steps"`
}

// ExecutionContext carries the mutable state visible to a running step:
// inputs, accumulated variables, and prior step outputs, plus the
// call-stack used for circular-reference and recursion-depth checks.
//
// ApprovedCheckpoints and CurrentStep back the `checkpoint` privileged
// action: CurrentStep is assigned by the Step Executor before dispatch
// so checkpoint can name itself, and ApprovedCheckpoints is the set of
// checkpoint step names an operator has approved, carried across
// resumes. Autonomous selects checkpoint's auto-approve mode.
type ExecutionContext struct {
	RunID               string
	Actor               string
	Inputs              map[string]interface{}
	Vars                map[string]interface{}
	Outputs             map[string]interface{}
	CallStack           []string
	CurrentStep         string
	ApprovedCheckpoints map[string]bool
	Autonomous          bool
}

// Clone returns a shallow copy of the context suitable for passing into
// an isolated nested scope: the caller may mutate Vars freely without
// affecting the parent.
func (c *ExecutionContext) Clone() *ExecutionContext {
	vars := make(map[string]interface{}, len(c.Vars))
	for k, v := range c.Vars {
		vars[k] = v
	}
	outputs := make(map[string]interface{}, len(c.Outputs))
	for k, v := range c.Outputs {
		outputs[k] = v
	}
	callStack := make([]string, len(c.CallStack))
	copy(callStack, c.CallStack)
	return &ExecutionContext{
		RunID:               c.RunID,
		Actor:               c.Actor,
		Inputs:              c.Inputs,
		Vars:                vars,
		Outputs:             outputs,
		CallStack:           callStack,
		CurrentStep:         c.CurrentStep,
		ApprovedCheckpoints: c.ApprovedCheckpoints,
		Autonomous:          c.Autonomous,
	}
}

// ExecutionResult is the outcome of running a playbook to completion,
// suspension, or failure.
type ExecutionResult struct {
	RunID          string                 `json:"runId"`
	PlaybookID     string                 `json:"playbookId"`
	Status         string                 `json:"status"`
	Outputs        map[string]interface{} `json:"outputs,omitempty"`
	CompletedSteps []string               `json:"completedSteps"`
	StepsExecuted  int                    `json:"stepsExecuted"`
	Error          error                  `json:"-"`
	StartedAt      time.Time              `json:"startedAt"`
	FinishedAt     time.Time              `json:"finishedAt"`
}
