package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxSnapshotBytes bounds a single diagram snapshot.
const MaxSnapshotBytes = 1 << 20

// FUNCTIONAL DISCOVERY: Validator compiled once at package initialization;
// it caches struct metadata and is safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// IsValidEmail checks the identifier format used for participants.
func IsValidEmail(email string) bool {
	if len(email) == 0 || len(email) > 254 {
		return false
	}
	return validate.Var(email, "required,email") == nil
}

// NormalizeEmail trims and lower-cases an identifier.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidatePayload runs struct tag validation and wraps failures.
func ValidatePayload(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// ValidateSnapshot checks that a snapshot is empty or well-formed JSON within
// the size limit.
func ValidateSnapshot(snapshot json.RawMessage, limit int) error {
	if len(snapshot) == 0 {
		return nil
	}
	if limit > 0 && len(snapshot) > limit {
		return ErrSnapshotTooLarge
	}
	if !json.Valid(snapshot) {
		return fmt.Errorf("%w: snapshot is not valid JSON", ErrInvalidPayload)
	}
	return nil
}

// Validate checks a session record before persistence.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: session id required", ErrInvalidPayload)
	}
	if !IsValidEmail(s.CreatorEmail) {
		return ErrInvalidEmail
	}
	for _, email := range s.AllowedUsers {
		if !IsValidEmail(email) {
			return fmt.Errorf("%w: %s", ErrInvalidEmail, email)
		}
	}
	return ValidateSnapshot(s.Snapshot, MaxSnapshotBytes)
}

// Validate checks a change message received from a client.
func (m *ChangeMessage) Validate(limit int) error {
	if m.SessionID == "" {
		return fmt.Errorf("%w: session id required", ErrInvalidPayload)
	}
	if !IsValidEmail(m.UserEmail) {
		return ErrInvalidEmail
	}
	if len(m.Delta) > 0 && !json.Valid(m.Delta) {
		return fmt.Errorf("%w: delta is not valid JSON", ErrInvalidPayload)
	}
	return ValidateSnapshot(m.DiagramData, limit)
}
