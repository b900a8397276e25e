package interfaces

import (
	"errors"
	"fmt"
)

// Common interface errors used across components
var (
	ErrNotFound                = errors.New("not found")
	ErrConcurrentMatchConflict = errors.New("concurrent match conflict")
)

// MatchConflictError names the learner whose request was consumed elsewhere.
type MatchConflictError struct {
	LearnerID string
}

func (e *MatchConflictError) Error() string {
	return fmt.Sprintf("%v: request of %s no longer pending", ErrConcurrentMatchConflict, e.LearnerID)
}

func (e *MatchConflictError) Unwrap() error {
	return ErrConcurrentMatchConflict
}
