package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"studybuddy/pkg/types"
)

// DefaultBuffer is the event channel capacity when none is configured.
// TECHNICAL: bursts come from sweeps expiring many requests at once.
const DefaultBuffer = 1000

// Sender delivers a payload to a learner's live connection.
type Sender interface {
	Send(learnerID string, v interface{}) error
}

// Stats counts what happened to published events.
type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Undelivered uint64 `json:"undelivered"`
	Dropped     uint64 `json:"dropped"`
}

// Hub fans matcher events out to connected learners. Publishing never
// blocks the matcher; a full channel drops the event and the learner
// catches up through the status endpoint.
type Hub struct {
	events          chan types.Event
	shutdownChannel chan struct{}
	done            chan struct{}

	sender Sender
	logger *slog.Logger

	published   atomic.Uint64
	delivered   atomic.Uint64
	undelivered atomic.Uint64
	dropped     atomic.Uint64

	running bool
	mu      sync.RWMutex
}

// NewHub creates a hub delivering through sender.
func NewHub(sender Sender, logger *slog.Logger, buffer int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		events:          make(chan types.Event, buffer),
		shutdownChannel: make(chan struct{}),
		sender:          sender,
		logger:          logger.With("component", "hub"),
	}
}

// Start begins delivering events.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info("Starting event hub")
	go h.run(ctx, h.shutdownChannel, h.done)

	return nil
}

// Stop halts delivery and waits for the loop to exit. Queued events are discarded.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info("Event hub stopped")
	return nil
}

// Running reports whether the delivery loop is active.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Publish queues event for delivery. Failures are counted, never returned.
func (h *Hub) Publish(event types.Event) {
	if err := h.TryPublish(event); err != nil {
		h.logger.Debug("Event dropped", "type", event.Type, "learner_id", event.LearnerID, "error", err)
	}
}

// TryPublish queues event without blocking.
func (h *Hub) TryPublish(event types.Event) error {
	if event.LearnerID == "" {
		return ErrMissingLearnerID
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.running {
		h.dropped.Add(1)
		return ErrHubNotRunning
	}

	select {
	case h.events <- event:
		h.published.Add(1)
		return nil
	default:
		h.dropped.Add(1)
		return ErrEventChannelFull
	}
}

// Stats returns delivery counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Undelivered: h.undelivered.Load(),
		Dropped:     h.dropped.Load(),
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case event := <-h.events:
			h.deliver(event)

		case <-shutdown:
			return

		case <-ctx.Done():
			h.mu.Lock()
			if h.running {
				h.running = false
				close(h.shutdownChannel)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) deliver(event types.Event) {
	err := h.sender.Send(event.LearnerID, event)
	if err == nil {
		h.delivered.Add(1)
		return
	}

	// Offline learners are the common case; they poll for status instead.
	h.undelivered.Add(1)
	h.logger.Debug("Event not delivered", "type", event.Type, "learner_id", event.LearnerID, "error", err)
}
