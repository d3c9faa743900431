package session

import "errors"

var (
	ErrSessionEnded        = errors.New("session has ended")
	ErrSessionAlreadyEnded = errors.New("session is already ended")
	ErrEmptyInviteList     = errors.New("invite list cannot be empty")
)
