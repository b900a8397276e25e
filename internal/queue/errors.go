package queue

import "errors"

// Queue error types
var (
	ErrAlreadyQueued    = errors.New("learner already has a pending match request")
	ErrAlreadyInSession = errors.New("learner is already in an active session")
)
