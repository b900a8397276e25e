package session

import "errors"

// Session registry error types
var (
	ErrSameLearner      = errors.New("a session needs two distinct learners")
	ErrInvalidLearnerID = errors.New("invalid learner ID format")
	ErrParticipantBusy  = errors.New("participant is already in an active session")
)
