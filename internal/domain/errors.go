package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when another worker holds a live lease on the job
	ErrJobAlreadyClaimed = errors.New("job already claimed by another worker")

	// ErrJobNotTerminal is returned when an operation needs every stage to be terminal
	ErrJobNotTerminal = errors.New("job has stages that are not terminal")

	// ErrArtifactExists is returned when an artifact path has already been written
	ErrArtifactExists = errors.New("artifact already exists")
)

// FieldError describes one rejected field of a job request.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects a malformed job request before any state is created.
type ValidationError struct {
	Problems []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Problems = append(e.Problems, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Problems: []FieldError{{Field: field, Message: message}}}
}

// InvalidTransitionError reports an illegal stage status mutation.
type InvalidTransitionError struct {
	JobID  string
	Stage  string
	From   StageState
	To     StageState
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition for job %s stage %s: %s -> %s", e.JobID, e.Stage, e.From, e.To)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// CapabilityError reports that an external model provider is unavailable or errored.
type CapabilityError struct {
	Capability Capability
	Err        error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %s unavailable: %v", e.Capability, e.Err)
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}

// SafetyRejection reports a content policy violation found before model invocation.
type SafetyRejection struct {
	Category string
	Terms    []string
}

func (e *SafetyRejection) Error() string {
	return fmt.Sprintf("prompt rejected by content policy (%s): %s", e.Category, strings.Join(e.Terms, ", "))
}

// EnvironmentError reports a heavy stage attempted on a process that is not GPU-capable.
type EnvironmentError struct {
	Capability Capability
	Mode       string
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("capability %s requires a gpu-capable process (runtime mode %q)", e.Capability, e.Mode)
}

// FailureFromError classifies a stage error into the failure recorded on the job.
func FailureFromError(err error) Failure {
	var (
		capErr    *CapabilityError
		safetyErr *SafetyRejection
		envErr    *EnvironmentError
	)
	switch {
	case errors.As(err, &safetyErr):
		return Failure{Kind: FailureSafety, Reason: err.Error()}
	case errors.As(err, &envErr):
		return Failure{Kind: FailureEnvironment, Reason: err.Error()}
	case errors.As(err, &capErr):
		return Failure{Kind: FailureCapability, Reason: err.Error(), Retryable: true}
	case errors.Is(err, ErrDeadlineExceeded):
		return Failure{Kind: FailureTimeout, Reason: err.Error(), Retryable: true}
	default:
		return Failure{Kind: FailureInternal, Reason: err.Error(), Retryable: true}
	}
}

// ErrDeadlineExceeded marks a stage that ran past its timeout.
var ErrDeadlineExceeded = errors.New("stage deadline exceeded")
