package playbook

import (
	"fmt"

	"gopkg.in/yaml.v3"

	catalysterrors "github.com/tombee/catalyst/pkg/errors"
)

// Parse parses a playbook definition from YAML bytes, applies defaults,
// and validates the result. Callers outside the registry's loader chain
// should prefer this over raw yaml.Unmarshal.
func Parse(data []byte) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodePlaybookNotValid, err, "failed to parse playbook YAML")
	}

	pb.applyDefaults()

	if err := pb.Validate(); err != nil {
		return nil, err
	}

	return &pb, nil
}

// UnmarshalYAML implements custom decoding through a type alias, which
// avoids infinite recursion. It performs no extra checks: unknown
// top-level keys are ignored, not rejected.
func (p *Playbook) UnmarshalYAML(value *yaml.Node) error {
	type playbookAlias Playbook
	var alias playbookAlias
	if err := value.Decode(&alias); err != nil {
		return err
	}
	*p = Playbook(alias)
	return nil
}

// applyDefaults fills in the fields the engine needs set even when the
// author omitted them: default isolation is left to DefaultIsolation()
// at read time, but a missing playbook-level error policy becomes Stop
// and a step without a type becomes an action step, once, up front.
func (p *Playbook) applyDefaults() {
	if p.OnError == nil {
		p.OnError = &ErrorPolicy{Disposition: DispositionStop}
	}
	applyStepDefaults(p.Steps)
	applyStepDefaults(p.Finally)
	for i := range p.Catch {
		applyStepDefaults(p.Catch[i].Steps)
	}
}

func applyStepDefaults(steps []Step) {
	for i := range steps {
		s := &steps[i]
		if s.Type == "" {
			s.Type = StepTypeAction
		}
		applyStepDefaults(s.Steps)
		applyStepDefaults(s.Else)
	}
}

// Validate checks structural correctness of the playbook: unique step
// IDs, required fields per step type, and well-formed error policies.
// Input/output type checking against runtime values happens separately
// in the Validator (see validate.go's ValidateInputs/ValidateOutputs).
func (p *Playbook) Validate() error {
	if p.ID == "" {
		return catalysterrors.New(catalysterrors.CodeInvalidPlaybookConfig, "playbook id is required")
	}
	if len(p.Steps) == 0 {
		return catalysterrors.New(catalysterrors.CodePlaybookNotValid, "playbook must have at least one step")
	}

	seen := make(map[string]bool)
	if err := validateSteps(p.Steps, seen); err != nil {
		return err
	}

	for _, c := range p.Catch {
		if c.Code == "" {
			return catalysterrors.New(catalysterrors.CodePlaybookNotValid, "catch block requires 'code'")
		}
		if len(c.Steps) == 0 {
			return catalysterrors.Newf(catalysterrors.CodePlaybookNotValid, "catch block for %s requires 'steps'", c.Code)
		}
		if err := validateSteps(c.Steps, make(map[string]bool)); err != nil {
			return err
		}
	}
	if len(p.Finally) > 0 {
		if err := validateSteps(p.Finally, make(map[string]bool)); err != nil {
			return err
		}
	}
	return nil
}

func validateSteps(steps []Step, seen map[string]bool) error {
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			return catalysterrors.New(catalysterrors.CodePlaybookNotValid, "step id is required")
		}
		if seen[s.ID] {
			return catalysterrors.Newf(catalysterrors.CodePlaybookNotValid, "duplicate step id: %s", s.ID)
		}
		seen[s.ID] = true

		if err := validateStep(s); err != nil {
			return catalysterrors.Wrap(catalysterrors.CodePlaybookNotValid, err, fmt.Sprintf("invalid step %s", s.ID))
		}

		if err := validateSteps(s.Steps, seen); err != nil {
			return err
		}
		if err := validateSteps(s.Else, seen); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Step) error {
	switch s.Type {
	case StepTypeAction:
		if s.Action == "" {
			return catalysterrors.New(catalysterrors.CodePlaybookNotValid, "action step requires 'action'")
		}
	case StepTypeIf:
		if s.Condition == "" {
			return catalysterrors.New(catalysterrors.CodeIfConfigInvalid, "if step requires 'condition'")
		}
		if len(s.Steps) == 0 {
			return catalysterrors.New(catalysterrors.CodeIfConfigInvalid, "if step requires nested 'steps'")
		}
	case StepTypeForEach:
		if s.ForEach == "" {
			return catalysterrors.New(catalysterrors.CodeForEachConfigInvalid, "for-each step requires 'forEach'")
		}
		if len(s.Steps) == 0 {
			return catalysterrors.New(catalysterrors.CodeForEachConfigInvalid, "for-each step requires nested 'steps'")
		}
	case StepTypePlaybook:
		if s.PlaybookRef == "" {
			return catalysterrors.New(catalysterrors.CodePlaybookRunConfigInvalid, "playbook step requires 'playbook'")
		}
	default:
		return catalysterrors.Newf(catalysterrors.CodePlaybookNotValid, "unknown step type: %s", s.Type)
	}

	if s.OnError != nil {
		if err := validateErrorPolicy(s.OnError); err != nil {
			return err
		}
	}
	return nil
}

func validateErrorPolicy(p *ErrorPolicy) error {
	switch p.Disposition {
	case DispositionStop, DispositionSuspend, DispositionBreak, DispositionInquire,
		DispositionContinue, DispositionSilentlyContinue, DispositionIgnore:
	default:
		return catalysterrors.Newf(catalysterrors.CodePlaybookNotValid, "unknown error policy disposition: %s", p.Disposition)
	}
	if p.Retries < 0 {
		return catalysterrors.New(catalysterrors.CodePlaybookNotValid, "error policy retries must be >= 0")
	}
	return nil
}
