// Package queue holds pending Study Buddy match requests.
//
// A Queue is not safe for concurrent use. The matcher owns it and
// serialises every call under its own lock.
package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

type entry struct {
	req types.MatchRequest
	seq uint64
}

// before orders entries by enqueue time, then by insertion sequence.
func (e *entry) before(o *entry) bool {
	if !e.req.EnqueuedAt.Equal(o.req.EnqueuedAt) {
		return e.req.EnqueuedAt.Before(o.req.EnqueuedAt)
	}
	return e.seq < o.seq
}

// Queue is the in-memory set of pending requests, journaled to a store.
type Queue struct {
	journal   interfaces.QueueJournal
	now       func() time.Time
	inSession func(learnerID string) bool

	entries map[string]*entry
	order   []*entry // ascending enqueue order
	seq     uint64
}

// New creates an empty queue. A nil journal keeps the queue memory-only.
func New(journal interfaces.QueueJournal, now func() time.Time) *Queue {
	if journal == nil {
		journal = nopJournal{}
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{
		journal:   journal,
		now:       now,
		inSession: func(string) bool { return false },
		entries:   make(map[string]*entry),
	}
}

// SetSessionCheck installs the predicate used to reject learners who are
// already in an active session.
func (q *Queue) SetSessionCheck(inSession func(learnerID string) bool) {
	if inSession != nil {
		q.inSession = inSession
	}
}

// Enqueue stamps the request with the current time, journals it and returns
// its 1-indexed position. If the learner is already queued it returns the
// existing position with ErrAlreadyQueued.
func (q *Queue) Enqueue(ctx context.Context, req types.MatchRequest) (int, error) {
	if _, ok := q.entries[req.LearnerID]; ok {
		return q.Position(req.LearnerID), ErrAlreadyQueued
	}
	if q.inSession(req.LearnerID) {
		return 0, ErrAlreadyInSession
	}

	req.EnqueuedAt = q.now()
	if err := q.journal.SaveRequest(ctx, &req); err != nil {
		return 0, fmt.Errorf("failed to journal match request: %w", err)
	}

	q.insert(req)
	return q.Position(req.LearnerID), nil
}

// Dequeue removes the learner's request. Absent learners are a no-op.
func (q *Queue) Dequeue(ctx context.Context, learnerID string) error {
	if _, ok := q.entries[learnerID]; !ok {
		return nil
	}
	if err := q.journal.DeleteRequests(ctx, learnerID); err != nil {
		return fmt.Errorf("failed to journal dequeue: %w", err)
	}
	q.remove(learnerID)
	return nil
}

// Forget drops a request from memory without touching the journal. Used
// once the store has already consumed the row.
func (q *Queue) Forget(learnerID string) bool {
	if _, ok := q.entries[learnerID]; !ok {
		return false
	}
	q.remove(learnerID)
	return true
}

// PeekCandidates returns every pending request except excludeID, ranked:
// exact topic match first, exact level match second, then oldest first.
// An empty topic or level expresses no preference. The slice is a fresh copy.
func (q *Queue) PeekCandidates(excludeID, topic, level string) []types.MatchRequest {
	candidates := make([]types.MatchRequest, 0, len(q.order))
	for _, e := range q.order {
		if e.req.LearnerID != excludeID {
			candidates = append(candidates, e.req)
		}
	}

	rank := func(r types.MatchRequest) int {
		n := 0
		if topic == "" || r.Topic != topic {
			n += 2
		}
		if level == "" || r.Level != level {
			n++
		}
		return n
	}
	// order is already oldest first, so a stable sort keeps fairness within a rank
	sort.SliceStable(candidates, func(i, j int) bool {
		return rank(candidates[i]) < rank(candidates[j])
	})
	return candidates
}

// Position returns the 1-indexed position of the learner in enqueue order,
// or 0 if the learner has no pending request.
func (q *Queue) Position(learnerID string) int {
	if _, ok := q.entries[learnerID]; !ok {
		return 0
	}
	for i, e := range q.order {
		if e.req.LearnerID == learnerID {
			return i + 1
		}
	}
	return 0
}

// Get returns a copy of the learner's pending request.
func (q *Queue) Get(learnerID string) (types.MatchRequest, bool) {
	e, ok := q.entries[learnerID]
	if !ok {
		return types.MatchRequest{}, false
	}
	return e.req, true
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	return len(q.order)
}

// EvictOlderThan removes requests enqueued before cutoff and returns the
// evicted learner ids, oldest first. Memory is untouched if the journal fails.
func (q *Queue) EvictOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	var stale []string
	for _, e := range q.order {
		if !e.req.EnqueuedAt.Before(cutoff) {
			break
		}
		stale = append(stale, e.req.LearnerID)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	if err := q.journal.DeleteRequests(ctx, stale...); err != nil {
		return nil, fmt.Errorf("failed to journal eviction: %w", err)
	}
	for _, id := range stale {
		q.remove(id)
	}
	return stale, nil
}

// Restore re-inserts a request loaded from the store, keeping its original
// timestamp. Duplicates are ignored.
func (q *Queue) Restore(req types.MatchRequest) bool {
	if _, ok := q.entries[req.LearnerID]; ok {
		return false
	}
	q.insert(req)
	return true
}

func (q *Queue) insert(req types.MatchRequest) {
	q.seq++
	e := &entry{req: req, seq: q.seq}
	i := sort.Search(len(q.order), func(i int) bool { return e.before(q.order[i]) })
	q.order = append(q.order, nil)
	copy(q.order[i+1:], q.order[i:])
	q.order[i] = e
	q.entries[req.LearnerID] = e
}

func (q *Queue) remove(learnerID string) {
	delete(q.entries, learnerID)
	for i, e := range q.order {
		if e.req.LearnerID == learnerID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

type nopJournal struct{}

func (nopJournal) SaveRequest(context.Context, *types.MatchRequest) error { return nil }
func (nopJournal) DeleteRequests(context.Context, ...string) error        { return nil }
