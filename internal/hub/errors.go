package hub

import (
	"errors"
	"fmt"

	"collabsync/pkg/types"
)

var (
	ErrHubAlreadyRunning     = errors.New("hub is already running")
	ErrHubNotRunning         = errors.New("hub is not running")
	ErrMessageChannelFull    = errors.New("message channel is full")
	ErrUnregisterChannelFull = errors.New("unregister channel is full")
	ErrUnknownEvent          = fmt.Errorf("%w: unknown event", types.ErrInvalidPayload)
	ErrNotInSession          = fmt.Errorf("%w: connection has not joined the session", types.ErrPermissionDenied)
	ErrIdentityMismatch      = fmt.Errorf("%w: request names another identity", types.ErrPermissionDenied)
)
