package interfaces

import (
	"context"
	"time"

	"studybuddy/pkg/types"
)

// QueueJournal persists pending match requests.
type QueueJournal interface {
	// SaveRequest inserts the learner's pending request.
	SaveRequest(ctx context.Context, req *types.MatchRequest) error

	// DeleteRequests removes pending requests; missing rows are ignored.
	DeleteRequests(ctx context.Context, learnerIDs ...string) error
}

// SessionJournal persists paired sessions.
type SessionJournal interface {
	// RecordMatch consumes both participants' request rows and inserts the
	// session in one transaction. If a participant's request row is already
	// gone it returns a *MatchConflictError and writes nothing.
	RecordMatch(ctx context.Context, session *types.MatchedSession) error

	// RecordEnd marks the session ended.
	RecordEnd(ctx context.Context, session *types.MatchedSession) error
}

// LearnerFilter narrows a directory lookup.
type LearnerFilter struct {
	Level      string
	ExcludeIDs []string
	Limit      int
}

// LearnerStore holds the synced copy of learner profiles.
type LearnerStore interface {
	UpsertLearner(ctx context.Context, profile *types.LearnerProfile) error

	// SetPresence returns ErrNotFound for unknown learners.
	SetPresence(ctx context.Context, learnerID string, online bool) error

	// GetLearner returns ErrNotFound for unknown learners.
	GetLearner(ctx context.Context, learnerID string) (*types.LearnerProfile, error)

	// FindLearners lists online learners ordered by XP then streak.
	FindLearners(ctx context.Context, filter LearnerFilter) ([]*types.LearnerProfile, error)
}

// DatabaseManager handles all persistence for the matching service.
type DatabaseManager interface {
	QueueJournal
	SessionJournal
	LearnerStore

	// LoadState returns pending requests (oldest first) and active sessions
	// for recovery after a restart.
	LoadState(ctx context.Context) ([]*types.MatchRequest, []*types.MatchedSession, error)

	// ListSessions returns a learner's sessions, newest first.
	ListSessions(ctx context.Context, learnerID string, limit int) ([]*types.MatchedSession, error)

	// DeleteRequestsOlderThan removes stale pending requests and reports how many.
	DeleteRequestsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
