package types

import "errors"

var (
	ErrInvalidUserID = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidTopic  = errors.New("topic must be at most 50 characters")
	ErrInvalidLevel  = errors.New("level must be one of A1, A2, B1, B2, C1, C2")
)
