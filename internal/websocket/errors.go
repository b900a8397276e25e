package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
	ErrNotConnected     = errors.New("learner not connected")
)

// Registry-related errors
var (
	ErrNilConnection    = errors.New("connection cannot be nil")
	ErrMissingLearnerID = errors.New("connection has no learner ID")
)
