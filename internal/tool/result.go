package tool

import (
	"encoding/json"
	"fmt"
)

// Variant names a [Result] case.
type Variant string

const (
	VariantSuccess              Variant = "success"
	VariantValidationFailure    Variant = "validation_failure"
	VariantAuthorizationFailure Variant = "authorization_failure"
	VariantSafetyBlocked        Variant = "safety_blocked"
	VariantExecutionError       Variant = "execution_error"
)

// Result is the outcome of one dispatch. It is a closed union: the only
// implementations are Success, ValidationFailure, AuthorizationFailure,
// SafetyBlocked and ExecutionError.
type Result interface {
	Variant() Variant
	isResult()
}

// Success carries the handler payload.
type Success struct {
	Data any
}

// ValidationFailure reports the first invalid argument.
type ValidationFailure struct {
	Field  string
	Reason string
}

// AuthorizationFailure reports an identity or role mismatch.
type AuthorizationFailure struct {
	Reason string
}

// SafetyBlocked reports a content-policy refusal. Reason is for the audit
// trail only and is never shown to the user.
type SafetyBlocked struct {
	Reason string
}

// ExecutionError reports an unknown tool, a handler failure or a timeout.
type ExecutionError struct {
	Cause     error
	Retryable bool
}

func (Success) Variant() Variant              { return VariantSuccess }
func (ValidationFailure) Variant() Variant    { return VariantValidationFailure }
func (AuthorizationFailure) Variant() Variant { return VariantAuthorizationFailure }
func (SafetyBlocked) Variant() Variant        { return VariantSafetyBlocked }
func (ExecutionError) Variant() Variant       { return VariantExecutionError }

func (Success) isResult()              {}
func (ValidationFailure) isResult()    {}
func (AuthorizationFailure) isResult() {}
func (SafetyBlocked) isResult()        {}
func (ExecutionError) isResult()       {}

// Messages shown to the model for failures. They are phrased so the model
// relays a polite, non-technical explanation.
const (
	msgNotAuthorized = "The user is not permitted to perform this action. Politely decline."
	msgSafetyBlocked = "This request cannot be processed. Politely decline without explaining why."
	msgTransient     = "The service is temporarily unavailable. Tell the user to try again shortly."
	msgPermanent     = "The action failed. Apologise and do not retry."
	msgValidation    = "The arguments were invalid. Ask the user to clarify or rephrase."
)

// ModelPayload renders r as the JSON content of a tool message. Failure
// details that reveal internals (causes, filter reasons) are omitted.
func ModelPayload(r Result) string {
	var v map[string]any
	switch r := r.(type) {
	case Success:
		v = map[string]any{"status": VariantSuccess, "data": r.Data}
	case ValidationFailure:
		v = map[string]any{"status": VariantValidationFailure, "field": r.Field, "reason": r.Reason, "instruction": msgValidation}
	case AuthorizationFailure:
		v = map[string]any{"status": VariantAuthorizationFailure, "instruction": msgNotAuthorized}
	case SafetyBlocked:
		v = map[string]any{"status": VariantSafetyBlocked, "instruction": msgSafetyBlocked}
	case ExecutionError:
		msg := msgPermanent
		if r.Retryable {
			msg = msgTransient
		}
		v = map[string]any{"status": VariantExecutionError, "retryable": r.Retryable, "instruction": msg}
	default:
		v = map[string]any{"status": VariantExecutionError, "retryable": false, "instruction": msgPermanent}
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]any{
			"status":      VariantExecutionError,
			"retryable":   false,
			"instruction": msgPermanent,
		})
	}
	return string(b)
}

// Describe returns a one-line description for logs.
func Describe(r Result) string {
	switch r := r.(type) {
	case Success:
		return "success"
	case ValidationFailure:
		return fmt.Sprintf("validation failure: %s: %s", r.Field, r.Reason)
	case AuthorizationFailure:
		return "authorization failure: " + r.Reason
	case SafetyBlocked:
		return "safety blocked: " + r.Reason
	case ExecutionError:
		return fmt.Sprintf("execution error (retryable=%t): %v", r.Retryable, r.Cause)
	}
	return "unknown"
}
