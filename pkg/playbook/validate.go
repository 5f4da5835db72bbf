package playbook

import (
	"fmt"
	"strconv"

	catalysterrors "github.com/tombee/catalyst/pkg/errors"
)

// ValidateInputs checks a raw inputs map against a playbook's declared
// InputParameters, substituting the declared default for any missing
// value (required or not) and coercing loosely-typed values (e.g. a YAML/JSON float64 for an "int"
// parameter) the way the engine's on-disk formats require. It returns a
// new map; the caller's map is never mutated.
//
// Coercion is idempotent: running an already-coerced map back through
// ValidateInputs produces the same map.
func ValidateInputs(params []InputParameter, raw map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))

	for _, p := range params {
		val, present := raw[p.Name]
		if !present && p.Default != nil {
			val, present = p.Default, true
		}
		if !present {
			if p.Required {
				return nil, catalysterrors.Newf(catalysterrors.CodeInputValidationFailed, "missing required input %q", p.Name).
					WithGuidance(fmt.Sprintf("provide a value for %q or declare a default", p.Name))
			}
			continue
		}

		coerced, err := coerce(p.Type, val)
		if err != nil {
			return nil, catalysterrors.Wrap(catalysterrors.CodeInputValidationFailed, err, fmt.Sprintf("input %q has wrong type", p.Name))
		}
		out[p.Name] = coerced
	}

	return out, nil
}

// ValidateOutputs checks a step or playbook's produced outputs map
// against its declared OutputParameters, coercing types the same way
// ValidateInputs does.
func ValidateOutputs(params []OutputParameter, raw map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))

	for _, p := range params {
		val, present := raw[p.Name]
		if !present {
			return nil, catalysterrors.Newf(catalysterrors.CodeOutputValidationFailed, "missing declared output %q", p.Name)
		}
		coerced, err := coerce(p.Type, val)
		if err != nil {
			return nil, catalysterrors.Wrap(catalysterrors.CodeOutputValidationFailed, err, fmt.Sprintf("output %q has wrong type", p.Name))
		}
		out[p.Name] = coerced
	}

	return out, nil
}

// coerce converts val to the declared type, following the same
// permissive numeric/boolean coercion the teacher's WorkflowContext
// getters apply (JSON/YAML numbers decode as float64; this widens that
// acceptance to int/int64/int32/string-typed declarations too).
func coerce(wantType string, val interface{}) (interface{}, error) {
	switch wantType {
	case "string":
		switch v := val.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		default:
			return nil, fmt.Errorf("expected string, got %T", val)
		}
	case "int", "integer":
		switch v := val.(type) {
		case int:
			return v, nil
		case int32:
			return int(v), nil
		case int64:
			return int(v), nil
		case float64:
			return int(v), nil
		case string:
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("expected integer, got non-numeric string %q", v)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("expected integer, got %T", val)
		}
	case "float", "number":
		switch v := val.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got non-numeric string %q", v)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("expected number, got %T", val)
		}
	case "bool", "boolean":
		switch v := val.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got non-boolean string %q", v)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("expected boolean, got %T", val)
		}
	case "array", "list":
		if _, ok := val.([]interface{}); ok {
			return val, nil
		}
		return nil, fmt.Errorf("expected array, got %T", val)
	case "object", "map":
		if _, ok := val.(map[string]interface{}); ok {
			return val, nil
		}
		return nil, fmt.Errorf("expected object, got %T", val)
	case "", "any":
		return val, nil
	default:
		return nil, fmt.Errorf("unknown parameter type %q", wantType)
	}
}
