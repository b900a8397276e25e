package types

import (
	"regexp"
	"strings"
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxTopicLength = 50

// Validate normalises topic and level in place and checks all fields.
func (r *MatchRequest) Validate() error {
	if !IsValidUserID(r.LearnerID) {
		return ErrInvalidUserID
	}
	r.Topic = NormalizeTopic(r.Topic)
	if len(r.Topic) > maxTopicLength {
		return ErrInvalidTopic
	}
	r.Level = NormalizeLevel(r.Level)
	if !IsValidLevel(r.Level) {
		return ErrInvalidLevel
	}
	return nil
}

// Validate checks a profile pushed by the profile subsystem.
func (p *LearnerProfile) Validate() error {
	if !IsValidUserID(p.ID) {
		return ErrInvalidUserID
	}
	p.Level = NormalizeLevel(p.Level)
	if !IsValidLevel(p.Level) {
		return ErrInvalidLevel
	}
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	return nil
}

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidLevel accepts an empty level ("any") or a normalised CEFR tier.
func IsValidLevel(level string) bool {
	if level == "" {
		return true
	}
	for _, l := range Levels {
		if l == level {
			return true
		}
	}
	return false
}

// NormalizeLevel upper-cases and trims a level.
func NormalizeLevel(level string) string {
	return strings.ToUpper(strings.TrimSpace(level))
}

// NormalizeTopic lower-cases and trims a topic so "Travel " matches "travel".
func NormalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}
