package wsclient

import "errors"

var (
	ErrNotConnected  = errors.New("websocket client not connected")
	ErrWriteTimeout  = errors.New("websocket write queue full")
	ErrClosedPending = errors.New("connection closed before ack arrived")
)
