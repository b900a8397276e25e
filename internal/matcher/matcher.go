// Package matcher pairs waiting learners into Study Buddy sessions.
//
// The Service owns the match queue and the session registry and guards both
// with a single mutex. Only queue/registry mutation and the journal writes
// that back it run under the lock; profile lookups and event delivery
// happen after it is released.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"studybuddy/internal/queue"
	"studybuddy/internal/session"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// errRequestConsumed means the requester's own pending row was taken by
// another process while we were pairing.
var errRequestConsumed = errors.New("own match request consumed concurrently")

// Config controls pairing and staleness.
type Config struct {
	MaxAttempts   int
	StaleAfter    time.Duration // 0 disables request eviction
	SessionMaxAge time.Duration // 0 disables session expiry
	RoomPrefix    string
}

// DefaultConfig returns the production matching settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		StaleAfter:    10 * time.Minute,
		SessionMaxAge: 2 * time.Hour,
		RoomPrefix:    session.DefaultRoomPrefix,
	}
}

// Store is the persistence the matcher journals to.
type Store interface {
	interfaces.QueueJournal
	interfaces.SessionJournal
	LoadState(ctx context.Context) ([]*types.MatchRequest, []*types.MatchedSession, error)
}

// Deps are the collaborators of a Service. Every field is optional.
type Deps struct {
	Store     Store
	Profiles  interfaces.ProfileSource
	Publisher interfaces.EventPublisher
	Logger    *slog.Logger
	Now       func() time.Time
}

// Service implements interfaces.MatchService.
type Service struct {
	mu       sync.Mutex
	queue    *queue.Queue
	registry *session.Registry

	store     Store
	profiles  interfaces.ProfileSource
	publisher interfaces.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
	config    Config
}

// outcome is what the critical section decided, before presentation.
type outcome struct {
	session  *types.MatchedSession
	created  bool
	position int
	reason   string
}

// SweepReport summarises one sweep pass.
type SweepReport struct {
	Evicted []string
	Expired []*types.MatchedSession
}

// NewService creates a matcher. A nil store keeps all state in memory.
func NewService(config Config, deps Deps) *Service {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}

	var qj interfaces.QueueJournal
	var sj interfaces.SessionJournal
	if deps.Store != nil {
		qj, sj = deps.Store, deps.Store
	}
	q := queue.New(qj, deps.Now)

	return &Service{
		queue:     q,
		registry:  session.NewRegistry(q, sj, deps.Now, config.RoomPrefix),
		store:     deps.Store,
		profiles:  deps.Profiles,
		publisher: deps.Publisher,
		logger:    deps.Logger.With("component", "matcher"),
		now:       deps.Now,
		config:    config,
	}
}

// TryMatch enqueues the learner and pairs them with the best-ranked waiting
// learner. Validation errors are the types.ErrInvalid* sentinels; any other
// error is an infrastructure failure.
func (s *Service) TryMatch(ctx context.Context, learnerID, topic, level string) (*types.MatchResult, error) {
	req := types.MatchRequest{LearnerID: learnerID, Topic: topic, Level: level}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out, err := s.tryMatchLocked(ctx, req)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if out.created {
		s.logger.Info("Matched learners",
			"session_id", out.session.ID,
			"room", out.session.RoomName,
			"requester", learnerID,
			"partner", out.session.PartnerOf(learnerID),
			"topic", out.session.Topic)
		s.publishMatched(ctx, out.session)
	}
	return s.present(ctx, learnerID, out), nil
}

func (s *Service) tryMatchLocked(ctx context.Context, req types.MatchRequest) (outcome, error) {
	reason := ""
	fresh := false
	pos, err := s.queue.Enqueue(ctx, req)
	switch {
	case errors.Is(err, queue.ErrAlreadyInSession):
		sess, _ := s.registry.SessionFor(req.LearnerID)
		return outcome{session: sess, reason: types.ReasonAlreadyInSession}, nil
	case errors.Is(err, queue.ErrAlreadyQueued):
		// Keep the original request; a repeat call just rescans.
		req, _ = s.queue.Get(req.LearnerID)
		reason = types.ReasonAlreadyQueued
	case err != nil:
		return outcome{}, err
	default:
		fresh = true
		s.logger.Debug("Learner queued", "learner_id", req.LearnerID, "position", pos)
	}

	sess, err := s.pairLocked(ctx, req)
	if errors.Is(err, errRequestConsumed) {
		return outcome{reason: types.ReasonConflict}, nil
	}
	if err != nil {
		if fresh {
			s.withdrawLocked(ctx, req.LearnerID)
		}
		return outcome{}, err
	}
	if sess != nil {
		return outcome{session: sess, created: true}, nil
	}
	return outcome{position: s.queue.Position(req.LearnerID), reason: reason}, nil
}

// withdrawLocked undoes an enqueue made by a TryMatch call that then
// failed, so an error response never leaves the learner waiting. If the
// journal delete fails too, the row stays in the store and is evicted by
// the sweep or restored on the next boot.
func (s *Service) withdrawLocked(ctx context.Context, learnerID string) {
	if err := s.queue.Dequeue(ctx, learnerID); err != nil {
		s.logger.Warn("Failed to withdraw request after match failure",
			"learner_id", learnerID, "error", err)
		s.queue.Forget(learnerID)
	}
}

// pairLocked picks the best candidate for req and creates the session.
// A store conflict drops the stale candidate and retries up to
// MaxAttempts; it returns nil, nil when no pairing happened.
func (s *Service) pairLocked(ctx context.Context, req types.MatchRequest) (*types.MatchedSession, error) {
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		candidates := s.queue.PeekCandidates(req.LearnerID, req.Topic, req.Level)
		if len(candidates) == 0 {
			return nil, nil
		}
		partner := candidates[0]

		topic := req.Topic
		if topic == "" {
			topic = partner.Topic
		}

		sess, err := s.registry.Create(ctx, req.LearnerID, partner.LearnerID, topic)
		if err == nil {
			return sess, nil
		}

		var conflict *interfaces.MatchConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		s.logger.Warn("Match conflict, dropping stale request",
			"learner_id", conflict.LearnerID, "attempt", attempt)
		s.queue.Forget(conflict.LearnerID)
		if conflict.LearnerID == req.LearnerID {
			return nil, errRequestConsumed
		}
	}
	return nil, nil
}

// Status reports the learner's current state without mutating it.
func (s *Service) Status(ctx context.Context, learnerID string) (*types.MatchResult, error) {
	if !types.IsValidUserID(learnerID) {
		return nil, types.ErrInvalidUserID
	}

	s.mu.Lock()
	st := s.registry.StatusFor(learnerID)
	s.mu.Unlock()

	return s.present(ctx, learnerID, outcome{session: st.Session, position: st.Position}), nil
}

// Cancel withdraws the learner's pending request. It is a no-op when
// nothing is pending, including when a match won the race.
func (s *Service) Cancel(ctx context.Context, learnerID string) error {
	if !types.IsValidUserID(learnerID) {
		return types.ErrInvalidUserID
	}

	s.mu.Lock()
	queued := s.queue.Position(learnerID) > 0
	err := s.queue.Dequeue(ctx, learnerID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if queued {
		s.logger.Debug("Match request cancelled", "learner_id", learnerID)
		s.publish(types.EventStatus, learnerID, &types.MatchResult{})
	}
	return nil
}

// End terminates the learner's active session, releasing both participants.
func (s *Service) End(ctx context.Context, learnerID string) error {
	if !types.IsValidUserID(learnerID) {
		return types.ErrInvalidUserID
	}

	s.mu.Lock()
	ended, err := s.registry.End(ctx, learnerID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if ended != nil {
		s.logger.Info("Session ended", "session_id", ended.ID, "ended_by", learnerID)
		s.publishEnded(ended)
	}
	return nil
}

// Sweep evicts requests older than StaleAfter and ends sessions older than
// SessionMaxAge. Affected learners are notified.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()

	s.mu.Lock()
	var err error
	if s.config.StaleAfter > 0 {
		report.Evicted, err = s.queue.EvictOlderThan(ctx, now.Add(-s.config.StaleAfter))
	}
	if err == nil && s.config.SessionMaxAge > 0 {
		report.Expired, err = s.registry.ExpireOlderThan(ctx, now.Add(-s.config.SessionMaxAge))
	}
	s.mu.Unlock()

	for _, id := range report.Evicted {
		s.publish(types.EventRequestExpired, id, &types.MatchResult{})
	}
	for _, sess := range report.Expired {
		s.publishEnded(sess)
	}
	if len(report.Evicted) > 0 || len(report.Expired) > 0 {
		s.logger.Info("Sweep completed", "evicted_requests", len(report.Evicted), "expired_sessions", len(report.Expired))
	}

	if err != nil {
		return report, fmt.Errorf("sweep failed: %w", err)
	}
	return report, nil
}

// Load restores pending requests and active sessions from the store and
// pairs any compatible learners left waiting by a previous process.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	requests, sessions, err := s.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load matcher state: %w", err)
	}

	s.mu.Lock()
	restoredSessions := 0
	for _, sess := range sessions {
		if s.registry.Restore(sess) {
			restoredSessions++
		}
	}

	var orphaned []string
	for _, req := range requests {
		if s.registry.InSession(req.LearnerID) {
			orphaned = append(orphaned, req.LearnerID)
			continue
		}
		s.queue.Restore(*req)
	}
	if len(orphaned) > 0 {
		err = s.store.DeleteRequests(ctx, orphaned...)
	}

	var created []*types.MatchedSession
	if err == nil {
		created, err = s.pairWaitingLocked(ctx)
	}
	queued := s.queue.Len()
	s.mu.Unlock()

	for _, sess := range created {
		s.publishMatched(ctx, sess)
	}
	s.logger.Info("Loaded matcher state",
		"active_sessions", restoredSessions,
		"queued_requests", queued,
		"paired_on_load", len(created))

	if err != nil {
		return fmt.Errorf("failed to restore matcher state: %w", err)
	}
	return nil
}

// pairWaitingLocked pairs restored requests oldest first.
func (s *Service) pairWaitingLocked(ctx context.Context) ([]*types.MatchedSession, error) {
	var created []*types.MatchedSession
	for _, req := range s.queue.PeekCandidates("", "", "") {
		if _, ok := s.queue.Get(req.LearnerID); !ok {
			continue
		}
		sess, err := s.pairLocked(ctx, req)
		if errors.Is(err, errRequestConsumed) {
			continue
		}
		if err != nil {
			return created, err
		}
		if sess != nil {
			created = append(created, sess)
		}
	}
	return created, nil
}

// Stats returns queue and session counts.
func (s *Service) Stats() types.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.Stats{Queued: s.queue.Len(), ActiveSessions: s.registry.ActiveCount()}
}

// ActiveParticipants lists learners currently in a session.
func (s *Service) ActiveParticipants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Participants()
}

// present turns an outcome into the result shape seen by learnerID.
func (s *Service) present(ctx context.Context, learnerID string, out outcome) *types.MatchResult {
	if out.session != nil {
		return s.matchedResult(ctx, learnerID, out.session, out.reason)
	}
	if out.position > 0 {
		return &types.MatchResult{Waiting: true, Position: out.position, Reason: out.reason}
	}
	return &types.MatchResult{Reason: out.reason}
}

func (s *Service) matchedResult(ctx context.Context, learnerID string, sess *types.MatchedSession, reason string) *types.MatchResult {
	partner := sess.PartnerOf(learnerID)
	return &types.MatchResult{
		Matched:   true,
		Buddy:     types.BuddyFromProfile(partner, s.profile(ctx, partner)),
		RoomName:  sess.RoomName,
		Topic:     sess.Topic,
		SessionID: sess.ID,
		Reason:    reason,
	}
}

func (s *Service) profile(ctx context.Context, learnerID string) *types.LearnerProfile {
	if s.profiles == nil {
		return nil
	}
	p, err := s.profiles.Get(ctx, learnerID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Warn("Profile lookup failed", "learner_id", learnerID, "error", err)
		}
		return nil
	}
	return p
}

func (s *Service) publishMatched(ctx context.Context, sess *types.MatchedSession) {
	for _, id := range sess.Participants {
		s.publish(types.EventMatched, id, s.matchedResult(ctx, id, sess, ""))
	}
}

func (s *Service) publishEnded(sess *types.MatchedSession) {
	for _, id := range sess.Participants {
		s.publish(types.EventSessionEnded, id, &types.MatchResult{SessionID: sess.ID})
	}
}

func (s *Service) publish(eventType, learnerID string, result *types.MatchResult) {
	s.publisher.Publish(types.Event{
		Type:      eventType,
		LearnerID: learnerID,
		Result:    result,
		Timestamp: s.now(),
	})
}

type nopPublisher struct{}

func (nopPublisher) Publish(types.Event) {}
