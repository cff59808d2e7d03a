package model

import "strings"

// ErrorCode values travel in the API error envelope and classify every
// failure a caller can see.
type ErrorCode string

const (
	CodeValidation     ErrorCode = "validation_error"
	CodeConflict       ErrorCode = "conflict"
	CodeNotFound       ErrorCode = "not_found"
	CodeUnauthorized   ErrorCode = "unauthorized"
	CodeUnavailable    ErrorCode = "orchestrator_unavailable"
	CodeQuotaExceeded  ErrorCode = "quota_exceeded"
	CodeImagePull      ErrorCode = "image_pull_failure"
	CodeScriptTimeout  ErrorCode = "script_timeout"
	CodeNotConfirmed   ErrorCode = "confirmation_required"
	CodeInternal       ErrorCode = "internal"
)

// ErrorBody is the wire form of a failure: {"error": {"code", "message"}}.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ValidationError reports the first spec field that failed validation.
// These never reach the orchestrator.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// FailureCode classifies a Failed sandbox's recorded reason into the error
// taxonomy. The controller writes these reasons with stable prefixes;
// anything unrecognized is internal.
func FailureCode(reason string) ErrorCode {
	switch {
	case strings.HasPrefix(reason, "image pull failure"):
		return CodeImagePull
	case strings.HasPrefix(reason, "quota exceeded"):
		return CodeQuotaExceeded
	case strings.HasPrefix(reason, "before-script did not complete"):
		return CodeScriptTimeout
	default:
		return CodeInternal
	}
}
