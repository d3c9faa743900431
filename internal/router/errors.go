package router

import (
	"errors"
	"fmt"

	"collabsync/pkg/types"
)

// Router-specific error types
var (
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrSenderNotInSession = errors.New("sender not in change session")
	ErrIdentityMismatch   = fmt.Errorf("%w: change attributed to another user", types.ErrPermissionDenied)
)
