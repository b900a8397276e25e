package interfaces

import (
	"context"

	"studybuddy/pkg/types"
)

// MatchService is the Study Buddy matching surface consumed by transports.
type MatchService interface {
	// TryMatch enqueues the learner and pairs them with the best-ranked
	// waiting learner, if any.
	TryMatch(ctx context.Context, learnerID, topic, level string) (*types.MatchResult, error)

	// Status reports the learner's current state without mutating it.
	Status(ctx context.Context, learnerID string) (*types.MatchResult, error)

	// Cancel withdraws a pending request. No-op when nothing is pending.
	Cancel(ctx context.Context, learnerID string) error

	// End terminates the learner's active session. No-op when there is none.
	End(ctx context.Context, learnerID string) error

	// ActiveParticipants lists learners currently in a session.
	ActiveParticipants() []string

	Stats() types.Stats
}

// EventPublisher delivers state changes to connected learners.
// Publish must not block.
type EventPublisher interface {
	Publish(event types.Event)
}

// ProfileSource resolves learner profiles for partner cards.
type ProfileSource interface {
	Get(ctx context.Context, learnerID string) (*types.LearnerProfile, error)
}
