package coordinator

import "errors"

var (
	ErrClosed        = errors.New("coordinator closed")
	ErrBusy          = errors.New("session operation already in progress")
	ErrSessionActive = errors.New("coordinator already holds a different session")
	ErrCancelled     = errors.New("session operation cancelled by leave")
)
