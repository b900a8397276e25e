package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

var errOffline = errors.New("offline")

type recordingSender struct {
	mu      sync.Mutex
	online  map[string]bool
	sent    map[string][]types.Event
	blockCh chan struct{}
}

func newRecordingSender(online ...string) *recordingSender {
	s := &recordingSender{online: map[string]bool{}, sent: map[string][]types.Event{}}
	for _, id := range online {
		s.online[id] = true
	}
	return s
}

func (s *recordingSender) Send(learnerID string, v interface{}) error {
	if s.blockCh != nil {
		<-s.blockCh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online[learnerID] {
		return errOffline
	}
	s.sent[learnerID] = append(s.sent[learnerID], v.(types.Event))
	return nil
}

func (s *recordingSender) count(learnerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent[learnerID])
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHub_PublisherCompliance(t *testing.T) {
	var _ interfaces.EventPublisher = (*Hub)(nil)
}

func TestHub_StartStop(t *testing.T) {
	hub := NewHub(newRecordingSender(), nil, 0)
	ctx := context.Background()

	if err := hub.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := hub.Start(ctx); !errors.Is(err, ErrHubAlreadyRunning) {
		t.Errorf("expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := hub.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := hub.Stop(); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("expected ErrHubNotRunning, got %v", err)
	}

	// A stopped hub can be restarted.
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	_ = hub.Stop()
}

func TestHub_DeliversToConnectedLearners(t *testing.T) {
	sender := newRecordingSender("amy")
	hub := NewHub(sender, nil, 10)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer hub.Stop()

	hub.Publish(types.Event{Type: types.EventMatched, LearnerID: "amy"})
	hub.Publish(types.Event{Type: types.EventMatched, LearnerID: "bob"})

	waitFor(t, func() bool {
		s := hub.Stats()
		return s.Delivered == 1 && s.Undelivered == 1
	})
	if sender.count("amy") != 1 || sender.count("bob") != 0 {
		t.Errorf("unexpected deliveries amy=%d bob=%d", sender.count("amy"), sender.count("bob"))
	}
	if hub.Stats().Published != 2 {
		t.Errorf("expected 2 published, got %d", hub.Stats().Published)
	}
}

func TestHub_TryPublishErrors(t *testing.T) {
	hub := NewHub(newRecordingSender(), nil, 1)

	if err := hub.TryPublish(types.Event{Type: types.EventStatus}); !errors.Is(err, ErrMissingLearnerID) {
		t.Errorf("expected ErrMissingLearnerID, got %v", err)
	}
	if err := hub.TryPublish(types.Event{Type: types.EventStatus, LearnerID: "amy"}); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("expected ErrHubNotRunning, got %v", err)
	}
}

func TestHub_FullChannelDrops(t *testing.T) {
	sender := newRecordingSender("amy")
	sender.blockCh = make(chan struct{})
	hub := NewHub(sender, nil, 1)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	event := types.Event{Type: types.EventMatched, LearnerID: "amy"}
	// First event is taken by the loop and blocks in Send; second fills the buffer.
	_ = hub.TryPublish(event)
	waitFor(t, func() bool { return len(hub.events) == 0 })
	_ = hub.TryPublish(event)

	if err := hub.TryPublish(event); !errors.Is(err, ErrEventChannelFull) {
		t.Errorf("expected ErrEventChannelFull, got %v", err)
	}
	if hub.Stats().Dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", hub.Stats().Dropped)
	}

	close(sender.blockCh)
	waitFor(t, func() bool { return hub.Stats().Delivered == 2 })
	_ = hub.Stop()
}

func TestHub_ContextCancelStopsLoop(t *testing.T) {
	hub := NewHub(newRecordingSender(), nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cancel()
	waitFor(t, func() bool { return !hub.Running() })
	if err := hub.Stop(); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("expected ErrHubNotRunning after cancel, got %v", err)
	}
}
