package types

import (
	"errors"
	"fmt"
)

// ARCHITECTURAL DISCOVERY: Callers branch on these with errors.Is; the wire
// codes below map broker rejections back onto them.
var (
	ErrConnection       = errors.New("connection error: broker unreachable")
	ErrBroker           = errors.New("broker rejected request")
	ErrNotAllowed       = errors.New("user not allowed in session")
	ErrSessionNotFound  = errors.New("session not found")
	ErrNoActiveSession  = errors.New("no active session")
	ErrPermissionDenied = errors.New("permission denied")
)

// Validation errors.
var (
	ErrInvalidEmail     = errors.New("invalid email address")
	ErrInvalidPayload   = errors.New("invalid request payload")
	ErrSnapshotTooLarge = errors.New("diagram snapshot exceeds size limit")
)

// Ack error codes written by the broker.
const (
	CodeNotAllowed       = "not_allowed"
	CodeSessionNotFound  = "session_not_found"
	CodePermissionDenied = "permission_denied"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal"
)

// AckError is a failed acknowledgement received from the broker.
type AckError struct {
	Code    string
	Message string
}

func (e *AckError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("broker error: %s", e.Code)
	}
	return fmt.Sprintf("broker error: %s: %s", e.Code, e.Message)
}

// Unwrap maps the wire code onto the sentinel taxonomy.
func (e *AckError) Unwrap() error {
	return SentinelForCode(e.Code)
}

// SentinelForCode returns the sentinel matching a wire code. Unknown codes
// are broker errors.
func SentinelForCode(code string) error {
	switch code {
	case CodeNotAllowed:
		return ErrNotAllowed
	case CodeSessionNotFound:
		return ErrSessionNotFound
	case CodePermissionDenied:
		return ErrPermissionDenied
	default:
		return ErrBroker
	}
}

// CodeForError is the inverse of SentinelForCode used by the broker when
// writing a failed ack.
func CodeForError(err error) string {
	switch {
	case errors.Is(err, ErrNotAllowed):
		return CodeNotAllowed
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrInvalidEmail), errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrSnapshotTooLarge):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}
