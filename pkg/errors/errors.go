// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the Catalyst engine's tagged error type and the
// codes used across the playbook, state, lock, registry, and engine
// packages.
package errors

import (
	stderrors "errors"
	"encoding/json"
	"fmt"
)

// Code identifies a class of engine failure. Components consult Code to
// drive error-policy decisions, CLI exit codes, and CatalystError-aware
// log formatting; it is never derived from Go's error string.
type Code string

// Structural/validation codes.
const (
	CodePlaybookNotValid      Code = "PlaybookNotValid"
	CodeInputValidationFailed Code = "InputValidationFailed"
	CodeOutputValidationFailed Code = "OutputValidationFailed"
	CodeInvalidPlaybookConfig Code = "InvalidPlaybookConfig"
)

// Discovery/registry codes.
const (
	CodePlaybookNotFound     Code = "PlaybookNotFound"
	CodeActionNotFound       Code = "ActionNotFound"
	CodeDuplicateAction      Code = "DuplicateAction"
	CodeInvalidActionName    Code = "InvalidActionName"
	CodeDuplicatePlaybook    Code = "DuplicatePlaybook"
	CodeInvalidPlaybookName  Code = "InvalidPlaybookName"
	CodeMissingStepExecutor  Code = "MissingStepExecutor"
	CodeDuplicateLoaderName  Code = "DuplicateLoaderName"
)

// Composition codes.
const (
	CodeCircularReferenceDetected Code = "CircularReferenceDetected"
	CodeMaxRecursionDepthExceeded Code = "MaxRecursionDepthExceeded"
)

// Execution codes.
const (
	CodeExecutionFailed          Code = "ExecutionFailed"
	CodeCancelled                Code = "Cancelled"
	CodeCheckpointMessageRequired Code = "CheckpointMessageRequired"
)

// State codes.
const (
	CodeStateSaveFailed     Code = "StateSaveFailed"
	CodeStateLoadFailed     Code = "StateLoadFailed"
	CodeStateArchiveFailed  Code = "StateArchiveFailed"
	CodeStateCorrupted      Code = "StateCorrupted"
	CodePlaybookIncompatible Code = "PlaybookIncompatible"
	CodeResumeFailed        Code = "ResumeFailed"
)

// Resource codes.
const (
	CodeResourceLocked Code = "ResourceLocked"
)

// Built-in action codes.
const (
	CodeVarConfigInvalid          Code = "VarConfigInvalid"
	CodeVarInvalidName            Code = "VarInvalidName"
	CodeReturnConfigInvalid       Code = "ReturnConfigInvalid"
	CodeThrowConfigInvalid        Code = "ThrowConfigInvalid"
	CodeIfConfigInvalid           Code = "IfConfigInvalid"
	CodeIfConditionEvaluationFailed Code = "IfConditionEvaluationFailed"
	CodeForEachConfigInvalid      Code = "ForEachConfigInvalid"
	CodeForEachInvalidArray       Code = "ForEachInvalidArray"
	CodePlaybookRunConfigInvalid  Code = "PlaybookRunConfigInvalid"
	CodeTemplateError             Code = "TemplateError"
)

// CatalystError is the engine's single tagged error record, per spec §7:
// {code, message, guidance, cause?, metadata?}. All components that need
// to participate in error-policy evaluation, CLI exit-code mapping, or
// catch-block matching return or wrap a *CatalystError.
type CatalystError struct {
	Code     Code
	Message  string
	Guidance string
	Cause    error
	Metadata map[string]interface{}
}

// Error implements the error interface.
func (e *CatalystError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CatalystError) Unwrap() error {
	return e.Cause
}

// jsonError is the wire shape for CatalystError, walking the cause chain
// so nested-chain display (outer first, causes indented) is possible for
// a presentation layer without re-parsing Go error strings.
type jsonError struct {
	Code     Code                   `json:"code"`
	Message  string                 `json:"message"`
	Guidance string                 `json:"guidance,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Cause    *jsonError             `json:"cause,omitempty"`
}

// MarshalJSON serializes the error and its cause chain.
func (e *CatalystError) MarshalJSON() ([]byte, error) {
	return json.Marshal(toJSONError(e))
}

func toJSONError(err error) *jsonError {
	if err == nil {
		return nil
	}
	ce, ok := err.(*CatalystError)
	if !ok {
		return &jsonError{Code: "Unknown", Message: err.Error()}
	}
	je := &jsonError{
		Code:     ce.Code,
		Message:  ce.Message,
		Guidance: ce.Guidance,
		Metadata: ce.Metadata,
	}
	if ce.Cause != nil {
		je.Cause = toJSONError(ce.Cause)
	}
	return je
}

// New builds a CatalystError with the given code and message.
func New(code Code, message string) *CatalystError {
	return &CatalystError{Code: code, Message: message}
}

// Newf builds a CatalystError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *CatalystError {
	return &CatalystError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error under a new code, preserving it as Cause.
// Returns nil if err is nil, matching the teacher's errors.Wrap contract.
func Wrap(code Code, err error, message string) *CatalystError {
	if err == nil {
		return nil
	}
	return &CatalystError{Code: code, Message: message, Cause: err}
}

// WithGuidance attaches actionable guidance and returns the receiver for chaining.
func (e *CatalystError) WithGuidance(guidance string) *CatalystError {
	e.Guidance = guidance
	return e
}

// WithMetadata attaches a metadata key/value and returns the receiver for chaining.
func (e *CatalystError) WithMetadata(key string, value interface{}) *CatalystError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// CodeOf extracts the Code from err if it is (or wraps) a *CatalystError,
// returning ok=false otherwise. Used by error-policy lookups that key off
// error.code per spec §4.1.
func CodeOf(err error) (Code, bool) {
	var ce *CatalystError
	if As(err, &ce) {
		return ce.Code, true
	}
	return "", false
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's tree that matches target's type.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }
