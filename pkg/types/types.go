package types

import (
	"time"
)

// LearnerState is the matching state of a single learner.
// Transitions: idle -> waiting -> matched -> idle, or waiting -> idle.
type LearnerState string

const (
	StateIdle    LearnerState = "idle"
	StateWaiting LearnerState = "waiting"
	StateMatched LearnerState = "matched"
)

// Result reasons surfaced alongside a MatchResult.
const (
	ReasonAlreadyQueued    = "already_queued"
	ReasonAlreadyInSession = "already_in_session"
	ReasonConflict         = "conflict"
)

// Event types pushed to connected learners.
const (
	EventStatus         = "status"
	EventMatched        = "matched"
	EventSessionEnded   = "session_ended"
	EventRequestExpired = "request_expired"
)

// Proficiency levels accepted for matching (CEFR tiers).
var Levels = []string{"A1", "A2", "B1", "B2", "C1", "C2"}

// LearnerProfile is the matcher's read-only view of a learner.
// The user-profile subsystem owns it; this service stores a synced copy.
type LearnerProfile struct {
	ID          string    `json:"id" db:"id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Level       string    `json:"level" db:"level"`
	Online      bool      `json:"online" db:"online"`
	Streak      int       `json:"streak" db:"streak"`
	XP          int       `json:"xp" db:"xp"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// MatchRequest is a pending request to be paired.
// A learner has at most one outstanding request.
type MatchRequest struct {
	LearnerID  string    `json:"learner_id" db:"learner_id"`
	Topic      string    `json:"topic,omitempty" db:"topic"`
	Level      string    `json:"level,omitempty" db:"level"`
	EnqueuedAt time.Time `json:"enqueued_at" db:"enqueued_at"`
}

// MatchedSession pairs exactly two learners in a room.
// Immutable after creation except for Ended and EndedAt.
type MatchedSession struct {
	ID           string     `json:"id"`
	Participants [2]string  `json:"participants"`
	Topic        string     `json:"topic,omitempty"`
	RoomName     string     `json:"room_name"`
	CreatedAt    time.Time  `json:"created_at"`
	Ended        bool       `json:"ended"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// PartnerOf returns the other participant, or "" if learnerID is not in the session.
func (s *MatchedSession) PartnerOf(learnerID string) string {
	switch learnerID {
	case s.Participants[0]:
		return s.Participants[1]
	case s.Participants[1]:
		return s.Participants[0]
	}
	return ""
}

// Has reports whether learnerID participates in the session.
func (s *MatchedSession) Has(learnerID string) bool {
	return s.Participants[0] == learnerID || s.Participants[1] == learnerID
}

// Buddy is the partner card shown to a matched learner.
type Buddy struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Level       string `json:"level,omitempty"`
	Streak      int    `json:"streak,omitempty"`
	XP          int    `json:"xp,omitempty"`
}

// BuddyFromProfile builds a partner card, falling back to the bare id.
func BuddyFromProfile(id string, p *LearnerProfile) *Buddy {
	if p == nil {
		return &Buddy{ID: id}
	}
	return &Buddy{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Level:       p.Level,
		Streak:      p.Streak,
		XP:          p.XP,
	}
}

// MatchResult is returned by both match and status calls.
type MatchResult struct {
	Matched   bool   `json:"matched"`
	Waiting   bool   `json:"waiting"`
	Buddy     *Buddy `json:"buddy,omitempty"`
	RoomName  string `json:"room_name,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Position  int    `json:"position,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// State derives the learner state the result represents.
func (r *MatchResult) State() LearnerState {
	switch {
	case r.Matched:
		return StateMatched
	case r.Waiting:
		return StateWaiting
	default:
		return StateIdle
	}
}

// Status is the registry's answer to "where is this learner".
type Status struct {
	State    LearnerState
	Session  *MatchedSession
	Position int
}

// Event is pushed to a learner's websocket when their state changes.
type Event struct {
	Type      string       `json:"type"`
	LearnerID string       `json:"learner_id"`
	Result    *MatchResult `json:"result,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Stats summarises matcher state for health reporting.
type Stats struct {
	Queued         int `json:"queued"`
	ActiveSessions int `json:"active_sessions"`
}
