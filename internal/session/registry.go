package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"studybuddy/internal/queue"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// DefaultRoomPrefix prefixes generated room names.
const DefaultRoomPrefix = "studybuddy"

// Registry tracks active Study Buddy sessions. Like the queue it is not
// goroutine-safe; the matcher serialises access.
type Registry struct {
	queue      *queue.Queue
	journal    interfaces.SessionJournal
	now        func() time.Time
	roomPrefix string

	sessions  map[string]*types.MatchedSession // sessionID -> active session
	byLearner map[string]*types.MatchedSession // learnerID -> active session
}

// NewRegistry creates a registry bound to q and installs itself as the
// queue's in-session check.
func NewRegistry(q *queue.Queue, journal interfaces.SessionJournal, now func() time.Time, roomPrefix string) *Registry {
	if journal == nil {
		journal = nopJournal{}
	}
	if now == nil {
		now = time.Now
	}
	if roomPrefix == "" {
		roomPrefix = DefaultRoomPrefix
	}
	r := &Registry{
		queue:      q,
		journal:    journal,
		now:        now,
		roomPrefix: roomPrefix,
		sessions:   make(map[string]*types.MatchedSession),
		byLearner:  make(map[string]*types.MatchedSession),
	}
	q.SetSessionCheck(r.InSession)
	return r
}

// Create allocates a session for a and b, journals it and clears both
// learners' queue entries. A journal conflict is returned unchanged so the
// caller can inspect it with errors.As.
func (r *Registry) Create(ctx context.Context, a, b, topic string) (*types.MatchedSession, error) {
	if !types.IsValidUserID(a) || !types.IsValidUserID(b) {
		return nil, ErrInvalidLearnerID
	}
	if a == b {
		return nil, ErrSameLearner
	}
	if r.InSession(a) || r.InSession(b) {
		return nil, ErrParticipantBusy
	}

	session := &types.MatchedSession{
		ID:           uuid.New().String(),
		Participants: [2]string{a, b},
		Topic:        topic,
		RoomName:     r.newRoomName(),
		CreatedAt:    r.now(),
	}

	if err := r.journal.RecordMatch(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to record session: %w", err)
	}

	r.track(session)
	r.queue.Forget(a)
	r.queue.Forget(b)

	return copySession(session), nil
}

// StatusFor reports whether the learner is matched, waiting or idle.
func (r *Registry) StatusFor(learnerID string) types.Status {
	if s, ok := r.byLearner[learnerID]; ok {
		return types.Status{State: types.StateMatched, Session: copySession(s)}
	}
	if pos := r.queue.Position(learnerID); pos > 0 {
		return types.Status{State: types.StateWaiting, Position: pos}
	}
	return types.Status{State: types.StateIdle}
}

// End ends the learner's active session and releases both participants.
// It returns nil, nil when the learner has no active session.
func (r *Registry) End(ctx context.Context, learnerID string) (*types.MatchedSession, error) {
	s, ok := r.byLearner[learnerID]
	if !ok {
		return nil, nil
	}
	return r.end(ctx, s)
}

// ExpireOlderThan ends every active session created before cutoff. On a
// journal failure it returns the sessions ended so far with the error.
func (r *Registry) ExpireOlderThan(ctx context.Context, cutoff time.Time) ([]*types.MatchedSession, error) {
	var stale []*types.MatchedSession
	for _, s := range r.sessions {
		if s.CreatedAt.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })

	ended := make([]*types.MatchedSession, 0, len(stale))
	for _, s := range stale {
		e, err := r.end(ctx, s)
		if err != nil {
			return ended, err
		}
		ended = append(ended, e)
	}
	return ended, nil
}

// Restore tracks an active session loaded from the store. Ended sessions
// and sessions whose participants are already busy are ignored.
func (r *Registry) Restore(s *types.MatchedSession) bool {
	if s.Ended || r.InSession(s.Participants[0]) || r.InSession(s.Participants[1]) {
		return false
	}
	r.track(copySession(s))
	r.queue.Forget(s.Participants[0])
	r.queue.Forget(s.Participants[1])
	return true
}

// SessionFor returns the learner's active session.
func (r *Registry) SessionFor(learnerID string) (*types.MatchedSession, bool) {
	s, ok := r.byLearner[learnerID]
	if !ok {
		return nil, false
	}
	return copySession(s), true
}

// InSession reports whether the learner participates in an active session.
func (r *Registry) InSession(learnerID string) bool {
	_, ok := r.byLearner[learnerID]
	return ok
}

// ActiveCount returns the number of active sessions.
func (r *Registry) ActiveCount() int {
	return len(r.sessions)
}

// Participants lists every learner in an active session, sorted.
func (r *Registry) Participants() []string {
	ids := make([]string, 0, len(r.byLearner))
	for id := range r.byLearner {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) end(ctx context.Context, s *types.MatchedSession) (*types.MatchedSession, error) {
	ended := copySession(s)
	endedAt := r.now()
	ended.Ended = true
	ended.EndedAt = &endedAt

	if err := r.journal.RecordEnd(ctx, ended); err != nil {
		return nil, fmt.Errorf("failed to record session end: %w", err)
	}

	delete(r.sessions, s.ID)
	delete(r.byLearner, s.Participants[0])
	delete(r.byLearner, s.Participants[1])
	return ended, nil
}

func (r *Registry) track(s *types.MatchedSession) {
	r.sessions[s.ID] = s
	r.byLearner[s.Participants[0]] = s
	r.byLearner[s.Participants[1]] = s
}

func (r *Registry) newRoomName() string {
	return r.roomPrefix + "-" + uuid.New().String()
}

func copySession(s *types.MatchedSession) *types.MatchedSession {
	cp := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

type nopJournal struct{}

func (nopJournal) RecordMatch(context.Context, *types.MatchedSession) error { return nil }
func (nopJournal) RecordEnd(context.Context, *types.MatchedSession) error   { return nil }
