package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// memStore is an in-memory Store with the same conflict semantics as the
// SQL manager: RecordMatch fails if either request row is missing.
type memStore struct {
	mu        sync.Mutex
	requests  map[string]types.MatchRequest
	sessions  map[string]*types.MatchedSession
	skipSave  map[string]bool
	failWrite error
	failMatch error
}

func newMemStore() *memStore {
	return &memStore{
		requests: make(map[string]types.MatchRequest),
		sessions: make(map[string]*types.MatchedSession),
		skipSave: make(map[string]bool),
	}
}

func (m *memStore) SaveRequest(ctx context.Context, req *types.MatchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	if !m.skipSave[req.LearnerID] {
		m.requests[req.LearnerID] = *req
	}
	return nil
}

func (m *memStore) DeleteRequests(ctx context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	for _, id := range ids {
		delete(m.requests, id)
	}
	return nil
}

func (m *memStore) RecordMatch(ctx context.Context, s *types.MatchedSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	if m.failMatch != nil {
		return m.failMatch
	}
	for _, id := range s.Participants {
		if _, ok := m.requests[id]; !ok {
			return &interfaces.MatchConflictError{LearnerID: id}
		}
	}
	for _, id := range s.Participants {
		delete(m.requests, id)
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) RecordEnd(ctx context.Context, s *types.MatchedSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) LoadState(ctx context.Context) ([]*types.MatchRequest, []*types.MatchedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reqs []*types.MatchRequest
	for _, r := range m.requests {
		r := r
		reqs = append(reqs, &r)
	}
	var sessions []*types.MatchedSession
	for _, s := range m.sessions {
		if !s.Ended {
			sessions = append(sessions, s)
		}
	}
	return reqs, sessions, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.Event
}

func (p *recordingPublisher) Publish(e types.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) forLearner(id, eventType string) []types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.Event
	for _, e := range p.events {
		if e.LearnerID == id && e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type staticProfiles map[string]*types.LearnerProfile

func (p staticProfiles) Get(ctx context.Context, id string) (*types.LearnerProfile, error) {
	if profile, ok := p[id]; ok {
		return profile, nil
	}
	return nil, interfaces.ErrNotFound
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc       *Service
	store     *memStore
	publisher *recordingPublisher
	clock     *fakeClock
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		store:     newMemStore(),
		publisher: &recordingPublisher{},
		clock:     &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	f.svc = NewService(cfg, Deps{
		Store:     f.store,
		Profiles:  staticProfiles{"amy": {ID: "amy", DisplayName: "Amy", Level: "B1", Streak: 3, XP: 40}},
		Publisher: f.publisher,
		Now:       f.clock.now,
	})
	return f
}

func (f *fixture) match(t *testing.T, id, topic, level string) *types.MatchResult {
	t.Helper()
	res, err := f.svc.TryMatch(context.Background(), id, topic, level)
	if err != nil {
		t.Fatalf("TryMatch(%s) failed: %v", id, err)
	}
	return res
}

func (f *fixture) status(t *testing.T, id string) *types.MatchResult {
	t.Helper()
	res, err := f.svc.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status(%s) failed: %v", id, err)
	}
	return res
}

func TestService_InterfaceCompliance(t *testing.T) {
	var _ interfaces.MatchService = (*Service)(nil)
}

func TestService_TravelScenario(t *testing.T) {
	f := newFixture(t, nil)

	a := f.match(t, "amy", "travel", "")
	if a.Matched || !a.Waiting || a.Position != 1 {
		t.Fatalf("amy should wait at position 1, got %+v", a)
	}
	if st := f.status(t, "amy"); !st.Waiting || st.Position != 1 {
		t.Fatalf("amy status should be waiting at 1, got %+v", st)
	}

	b := f.match(t, "bob", "travel", "")
	if !b.Matched || b.Buddy == nil || b.Buddy.ID != "amy" {
		t.Fatalf("bob should match amy, got %+v", b)
	}
	if b.Buddy.DisplayName != "Amy" || b.Buddy.Streak != 3 {
		t.Errorf("partner card should come from the profile source, got %+v", b.Buddy)
	}
	if b.Topic != "travel" || b.RoomName == "" {
		t.Errorf("unexpected match result %+v", b)
	}

	a = f.status(t, "amy")
	if !a.Matched || a.Buddy.ID != "bob" || a.RoomName != b.RoomName {
		t.Fatalf("amy should see bob in the same room, got %+v", a)
	}
	if a.Buddy.DisplayName != "" {
		t.Errorf("bob has no profile, card should fall back to the id, got %+v", a.Buddy)
	}

	if err := f.svc.End(context.Background(), "amy"); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	for _, id := range []string{"amy", "bob"} {
		if st := f.status(t, id); st.State() != types.StateIdle {
			t.Errorf("%s should be idle after end, got %+v", id, st)
		}
	}

	if len(f.publisher.forLearner("amy", types.EventMatched)) != 1 ||
		len(f.publisher.forLearner("bob", types.EventSessionEnded)) != 1 {
		t.Errorf("expected matched and session_ended events, got %+v", f.publisher.events)
	}
}

func TestService_TopicFallsBackToPartner(t *testing.T) {
	f := newFixture(t, nil)
	f.match(t, "amy", "food", "")
	res := f.match(t, "bob", "", "")
	if res.Topic != "food" {
		t.Errorf("topic should come from the partner, got %q", res.Topic)
	}
}

func TestService_EarlierRequestPreferred(t *testing.T) {
	f := newFixture(t, nil)

	f.svc.queue.Restore(types.MatchRequest{LearnerID: "t2", Topic: "travel", Level: "B1", EnqueuedAt: f.clock.now().Add(-time.Minute)})
	f.svc.queue.Restore(types.MatchRequest{LearnerID: "t1", Topic: "travel", Level: "B1", EnqueuedAt: f.clock.now().Add(-2 * time.Minute)})
	f.store.requests["t1"] = types.MatchRequest{LearnerID: "t1"}
	f.store.requests["t2"] = types.MatchRequest{LearnerID: "t2"}

	res := f.match(t, "t3", "travel", "B1")
	if !res.Matched || res.Buddy.ID != "t1" {
		t.Errorf("expected t1 to be preferred, got %+v", res)
	}
}

func TestService_RankingPrefersTopic(t *testing.T) {
	f := newFixture(t, nil)

	f.svc.queue.Restore(types.MatchRequest{LearnerID: "old-food", Topic: "food", EnqueuedAt: f.clock.now().Add(-time.Hour)})
	f.svc.queue.Restore(types.MatchRequest{LearnerID: "new-travel", Topic: "travel", EnqueuedAt: f.clock.now()})
	f.store.requests["old-food"] = types.MatchRequest{LearnerID: "old-food"}
	f.store.requests["new-travel"] = types.MatchRequest{LearnerID: "new-travel"}

	res := f.match(t, "me", "travel", "")
	if res.Buddy.ID != "new-travel" {
		t.Errorf("topic match should outrank age, got %s", res.Buddy.ID)
	}

	// Ranking never filters: the food learner still pairs with anyone
	res = f.match(t, "other", "music", "")
	if !res.Matched || res.Buddy.ID != "old-food" {
		t.Errorf("expected old-food as fallback partner, got %+v", res)
	}
}

func TestService_AlreadyQueued(t *testing.T) {
	f := newFixture(t, nil)
	f.match(t, "amy", "travel", "")

	res := f.match(t, "amy", "food", "")
	if !res.Waiting || res.Position != 1 || res.Reason != types.ReasonAlreadyQueued {
		t.Errorf("expected already_queued waiting result, got %+v", res)
	}
	if f.svc.Stats().Queued != 1 {
		t.Errorf("duplicate match must leave a single entry")
	}
}

func TestService_AlreadyInSession(t *testing.T) {
	f := newFixture(t, nil)
	f.match(t, "amy", "", "")
	first := f.match(t, "bob", "", "")

	res := f.match(t, "bob", "travel", "")
	if !res.Matched || res.Reason != types.ReasonAlreadyInSession || res.RoomName != first.RoomName {
		t.Errorf("expected existing session with already_in_session, got %+v", res)
	}
	if st := f.svc.Stats(); st.ActiveSessions != 1 || st.Queued != 0 {
		t.Errorf("no state change expected, got %+v", st)
	}
}

func TestService_CancelIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.svc.Cancel(ctx, "amy"); err != nil {
		t.Fatalf("Cancel with nothing pending failed: %v", err)
	}

	f.match(t, "amy", "", "")
	for i := 0; i < 2; i++ {
		if err := f.svc.Cancel(ctx, "amy"); err != nil {
			t.Fatalf("Cancel #%d failed: %v", i+1, err)
		}
	}
	if st := f.status(t, "amy"); st.State() != types.StateIdle {
		t.Errorf("amy should be idle after cancel, got %+v", st)
	}
	if _, ok := f.store.requests["amy"]; ok {
		t.Error("cancel should delete the stored request")
	}
}

func TestService_CancelAfterMatchIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.match(t, "amy", "", "")
	f.match(t, "bob", "", "")

	if err := f.svc.Cancel(context.Background(), "amy"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if st := f.status(t, "amy"); !st.Matched {
		t.Errorf("match should win over a late cancel, got %+v", st)
	}
}

func TestService_EndWithoutSession(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.svc.End(context.Background(), "amy"); err != nil {
		t.Errorf("End without session should succeed, got %v", err)
	}
}

func TestService_ConcurrentMatching(t *testing.T) {
	for _, n := range []int{2, 7, 20} {
		t.Run(fmt.Sprintf("N=%d", n), func(t *testing.T) {
			f := newFixture(t, nil)

			var wg sync.WaitGroup
			results := make([]*types.MatchResult, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := f.svc.TryMatch(context.Background(), fmt.Sprintf("learner-%d", i), "travel", "B1")
					if err != nil {
						t.Errorf("TryMatch failed: %v", err)
						return
					}
					results[i] = res
				}(i)
			}
			wg.Wait()

			stats := f.svc.Stats()
			if stats.ActiveSessions != n/2 {
				t.Errorf("expected %d sessions, got %d", n/2, stats.ActiveSessions)
			}
			if stats.Queued != n%2 {
				t.Errorf("expected %d leftover, got %d", n%2, stats.Queued)
			}

			partners := map[string]string{}
			for i := 0; i < n; i++ {
				id := fmt.Sprintf("learner-%d", i)
				st := f.status(t, id)
				if !st.Matched {
					continue
				}
				if prev, ok := partners[st.Buddy.ID]; ok && prev != id {
					t.Errorf("%s matched to both %s and %s", st.Buddy.ID, prev, id)
				}
				partners[st.Buddy.ID] = id
			}
			if len(partners) != 2*(n/2) {
				t.Errorf("expected %d matched learners, got %d", 2*(n/2), len(partners))
			}
			if len(f.svc.ActiveParticipants()) != 2*(n/2) {
				t.Errorf("ActiveParticipants disagrees with sessions")
			}
		})
	}
}

func TestService_ConflictRetriesNextCandidate(t *testing.T) {
	f := newFixture(t, nil)

	// bob's row was consumed by another process; cai's is still there
	f.svc.queue.Restore(types.MatchRequest{LearnerID: "bob", EnqueuedAt: f.clock.now().Add(-2 * time.Minute)})
	f.svc.queue.Restore(types.MatchRequest{LearnerID: "cai", EnqueuedAt: f.clock.now().Add(-time.Minute)})
	f.store.requests["cai"] = types.MatchRequest{LearnerID: "cai"}

	res := f.match(t, "dan", "", "")
	if !res.Matched || res.Buddy.ID != "cai" {
		t.Fatalf("expected retry to pair with cai, got %+v", res)
	}
	if st := f.status(t, "bob"); st.State() != types.StateIdle {
		t.Errorf("stale bob should be dropped, got %+v", st)
	}
}

func TestService_ConflictFallsBackToWaiting(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxAttempts = 1 })

	f.svc.queue.Restore(types.MatchRequest{LearnerID: "bob", EnqueuedAt: f.clock.now().Add(-2 * time.Minute)})
	f.svc.queue.Restore(types.MatchRequest{LearnerID: "cai", EnqueuedAt: f.clock.now().Add(-time.Minute)})
	f.store.requests["cai"] = types.MatchRequest{LearnerID: "cai"}

	res := f.match(t, "dan", "", "")
	if res.Matched || !res.Waiting || res.Position != 2 {
		t.Errorf("expected waiting at position 2 after exhausting attempts, got %+v", res)
	}
}

func TestService_OwnRequestConsumed(t *testing.T) {
	f := newFixture(t, nil)
	f.match(t, "amy", "", "")
	f.store.skipSave["bob"] = true

	res := f.match(t, "bob", "", "")
	if res.Matched || res.Waiting || res.Reason != types.ReasonConflict {
		t.Errorf("expected idle conflict result, got %+v", res)
	}
	if st := f.status(t, "amy"); !st.Waiting {
		t.Errorf("amy should still be waiting, got %+v", st)
	}
}

func TestService_StoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.failWrite = errors.New("store unavailable")

	if _, err := f.svc.TryMatch(context.Background(), "amy", "", ""); err == nil {
		t.Fatal("expected store failure to propagate")
	}
	if f.svc.Stats().Queued != 0 {
		t.Error("failed enqueue must not change memory")
	}
}

func TestService_RecordMatchFailureWithdrawsRequest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.svc.TryMatch(ctx, "amy", "", ""); err != nil {
		t.Fatalf("TryMatch amy failed: %v", err)
	}
	f.store.failMatch = errors.New("disk I/O error")

	if _, err := f.svc.TryMatch(ctx, "bob", "", ""); err == nil {
		t.Fatal("expected session write failure to propagate")
	}

	st, err := f.svc.Status(ctx, "bob")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Waiting || st.Matched {
		t.Errorf("bob should be idle after a failed match, got %+v", st)
	}
	f.store.mu.Lock()
	_, journaled := f.store.requests["bob"]
	f.store.mu.Unlock()
	if journaled {
		t.Error("bob's request row should be withdrawn from the store")
	}

	st, _ = f.svc.Status(ctx, "amy")
	if !st.Waiting || st.Position != 1 {
		t.Errorf("amy should still be waiting at position 1, got %+v", st)
	}

	f.store.failMatch = nil
	result, err := f.svc.TryMatch(ctx, "bob", "", "")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !result.Matched || result.Buddy == nil || result.Buddy.ID != "amy" {
		t.Errorf("retry should pair bob with amy, got %+v", result)
	}
}

func TestService_PaddedTopicIsTrimmedBeforeLengthCheck(t *testing.T) {
	f := newFixture(t, nil)
	padded := "  Travel" + strings.Repeat(" ", 60)

	res := f.match(t, "amy", padded, "")
	if !res.Waiting {
		t.Fatalf("amy should be waiting, got %+v", res)
	}
	res = f.match(t, "bob", "travel", "")
	if !res.Matched || res.Topic != "travel" {
		t.Errorf("padded topic should normalise to travel, got %+v", res)
	}

	if _, err := f.svc.TryMatch(context.Background(), "carl", strings.Repeat("x", 51), ""); !errors.Is(err, types.ErrInvalidTopic) {
		t.Errorf("expected ErrInvalidTopic for a long topic, got %v", err)
	}
}

func TestService_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.svc.TryMatch(ctx, "bad id", "", ""); !errors.Is(err, types.ErrInvalidUserID) {
		t.Errorf("expected ErrInvalidUserID, got %v", err)
	}
	if _, err := f.svc.TryMatch(ctx, "amy", "", "Z9"); !errors.Is(err, types.ErrInvalidLevel) {
		t.Errorf("expected ErrInvalidLevel, got %v", err)
	}
	if _, err := f.svc.Status(ctx, ""); !errors.Is(err, types.ErrInvalidUserID) {
		t.Errorf("expected ErrInvalidUserID, got %v", err)
	}
	if err := f.svc.Cancel(ctx, "a b"); !errors.Is(err, types.ErrInvalidUserID) {
		t.Errorf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestService_SweepEvictsStaleRequests(t *testing.T) {
	f := newFixture(t, nil)
	f.match(t, "amy", "", "")

	f.clock.advance(9 * time.Minute)
	report, err := f.svc.Sweep(context.Background())
	if err != nil || len(report.Evicted) != 0 {
		t.Fatalf("nothing should be evicted yet: %+v, %v", report, err)
	}

	f.clock.advance(2 * time.Minute)
	report, err = f.svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(report.Evicted) != 1 || report.Evicted[0] != "amy" {
		t.Errorf("expected amy evicted, got %+v", report)
	}
	if st := f.status(t, "amy"); st.State() != types.StateIdle {
		t.Errorf("amy should be idle after sweep, got %+v", st)
	}
	if len(f.publisher.forLearner("amy", types.EventRequestExpired)) != 1 {
		t.Error("expected request_expired event")
	}
}

func TestService_SweepExpiresOldSessions(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SessionMaxAge = time.Hour })
	f.match(t, "amy", "", "")
	f.match(t, "bob", "", "")

	f.clock.advance(61 * time.Minute)
	report, err := f.svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(report.Expired) != 1 {
		t.Fatalf("expected one expired session, got %+v", report)
	}
	if st := f.status(t, "bob"); st.State() != types.StateIdle {
		t.Errorf("bob should be idle, got %+v", st)
	}
}

func TestService_Load(t *testing.T) {
	f := newFixture(t, nil)
	now := f.clock.now()

	f.store.sessions["s1"] = &types.MatchedSession{ID: "s1", Participants: [2]string{"amy", "bob"}, RoomName: "room-s1", CreatedAt: now}
	f.store.requests["bob"] = types.MatchRequest{LearnerID: "bob", EnqueuedAt: now} // orphan
	f.store.requests["cai"] = types.MatchRequest{LearnerID: "cai", EnqueuedAt: now.Add(-2 * time.Minute)}
	f.store.requests["dan"] = types.MatchRequest{LearnerID: "dan", EnqueuedAt: now.Add(-time.Minute)}
	f.store.requests["eve"] = types.MatchRequest{LearnerID: "eve", EnqueuedAt: now}

	if err := f.svc.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if st := f.status(t, "amy"); !st.Matched || st.RoomName != "room-s1" {
		t.Errorf("amy's session should be restored, got %+v", st)
	}
	if _, ok := f.store.requests["bob"]; ok {
		t.Error("orphaned request of a session participant should be deleted")
	}
	if st := f.status(t, "cai"); !st.Matched || st.Buddy.ID != "dan" {
		t.Errorf("restored waiting learners should be paired oldest first, got %+v", st)
	}
	if st := f.status(t, "eve"); !st.Waiting || st.Position != 1 {
		t.Errorf("eve should be left waiting, got %+v", st)
	}
}
