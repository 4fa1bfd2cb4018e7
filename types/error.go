package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the pipeline.
type ErrorCode string

const (
	ErrGuardrailRejected ErrorCode = "GUARDRAIL_REJECTED"
	ErrEmbedding         ErrorCode = "EMBEDDING_ERROR"
	ErrRetrieval         ErrorCode = "RETRIEVAL_ERROR"
	ErrGeneration        ErrorCode = "GENERATION_ERROR"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrUpstreamTimeout   ErrorCode = "UPSTREAM_TIMEOUT"
	ErrTotalTimeout      ErrorCode = "TOTAL_TIMEOUT_EXCEEDED"
	ErrCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrProviderNotSet    ErrorCode = "PROVIDER_NOT_SET"
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrInternal          ErrorCode = "INTERNAL_ERROR"
)

// Severity classifies how callers should treat a pipeline error.
type Severity string

const (
	SeverityWarning     Severity = "warning"     // answer usable, quality degraded
	SeverityRecoverable Severity = "recoverable" // retried / circuit-broken / degraded
	SeverityFatal       Severity = "fatal"       // no answer produced for this request
)

// Stage names for error attribution and metrics labels.
const (
	StageUnderstanding = "understanding"
	StageGuardrail     = "guardrail"
	StageExpansion     = "expansion"
	StageRetrieval     = "retrieval"
	StageReranking     = "reranking"
	StageReasoning     = "reasoning"
	StageGeneration    = "generation"
	StageVerification  = "verification"
	StageRefinement    = "refinement"
	StageOutput        = "output"
)

// PipelineError attributes an error to its originating stage with a
// severity, so callers can distinguish "answer is fine but unverified"
// from "no answer produced".
type PipelineError struct {
	Stage     string
	Code      ErrorCode
	Severity  Severity
	Message   string
	Retryable bool
	Err       error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s/%s]: %s: %v", e.Message, e.Stage, e.Code, e.Severity, e.Err)
	}
	return fmt.Sprintf("%s [%s/%s]: %s", e.Message, e.Stage, e.Code, e.Severity)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError creates a stage-attributed error.
func NewPipelineError(stage string, code ErrorCode, severity Severity, msg string, err error) *PipelineError {
	return &PipelineError{
		Stage:    stage,
		Code:     code,
		Severity: severity,
		Message:  msg,
		Err:      err,
		Retryable: code == ErrRateLimited || code == ErrUpstreamTimeout ||
			code == ErrEmbedding || code == ErrRetrieval || code == ErrGeneration,
	}
}

// GuardrailRejection is the expected, user-facing admission failure.
// It is raised before any paid call and carries the message to render.
type GuardrailRejection struct {
	Reason string
}

func (e *GuardrailRejection) Error() string { return "query rejected by guardrail: " + e.Reason }

// IsRejection reports whether err is a guardrail rejection.
func IsRejection(err error) bool {
	var gr *GuardrailRejection
	return errors.As(err, &gr)
}

// IsRateLimit reports whether err carries the RATE_LIMITED code.
// Only rate-limit errors qualify for the backoff retry level of the
// understanding degradation chain.
func IsRateLimit(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code == ErrRateLimited
	}
	return false
}

// IsFatal reports whether err should abort the whole request.
func IsFatal(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Severity == SeverityFatal
	}
	return false
}
