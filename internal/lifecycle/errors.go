package lifecycle

import "errors"

var (
	// ErrNotFound means no record and no cluster object exists for the name.
	ErrNotFound = errors.New("sandbox not found")

	// ErrConflict means a live sandbox already holds the name.
	ErrConflict = errors.New("sandbox already exists")

	// ErrUnavailable wraps orchestrator errors that survived the retry
	// budget; the control plane could not be reached.
	ErrUnavailable = errors.New("orchestrator unavailable")

	// ErrNotRunning rejects exec and shell against a sandbox that has no
	// running pod to target.
	ErrNotRunning = errors.New("sandbox is not running")
)
