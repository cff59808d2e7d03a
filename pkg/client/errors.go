package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/spullara/k7/pkg/model"
)

var (
	// ErrBadRequest is returned when the request was rejected by validation.
	ErrBadRequest = &APIError{StatusCode: 400, Message: "invalid request"}

	// ErrUnauthorized is returned when the API key is missing, expired, or revoked.
	ErrUnauthorized = &APIError{StatusCode: 401, Message: "unauthorized"}

	// ErrNotFound is returned when the sandbox or key does not exist.
	ErrNotFound = &APIError{StatusCode: 404, Message: "not found"}

	// ErrConflict is returned when the name is taken or the sandbox is not in
	// a state that allows the operation.
	ErrConflict = &APIError{StatusCode: 409, Message: "conflict"}

	// ErrUnavailable is returned when the daemon is draining or cannot reach
	// the orchestrator.
	ErrUnavailable = &APIError{StatusCode: 503, Message: "unavailable"}

	// ErrInternal is returned on unclassified server-side failures.
	ErrInternal = &APIError{StatusCode: 500, Message: "internal server error"}
)

// APIError is one failure from the daemon's error envelope. Code carries the
// machine-readable taxonomy value when the body had one.
type APIError struct {
	StatusCode int
	Code       model.ErrorCode
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Is matches by status code so errors.Is(err, ErrNotFound) holds for any 404.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.StatusCode == t.StatusCode
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// handleErrorResponse converts a non-2xx response into an *APIError,
// preserving the envelope's code and message when the body parses.
func handleErrorResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Err:        err,
		}
	}

	var envelope struct {
		Error model.ErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
	}
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if an error is a conflict error.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsUnauthorized checks if an error is an authentication error.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
