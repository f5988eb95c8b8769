// Package hub fans envelopes out to subscribers of named channels.
package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"iattend/pkg/interfaces"
	"iattend/pkg/types"
)

var _ interfaces.Publisher = (*Hub)(nil)

const (
	DefaultPublishBuffer    = 1000
	DefaultSubscriberBuffer = 100

	// DefaultEndedRetention is how long an ended channel without subscribers is
	// remembered before it is forgotten
	DefaultEndedRetention = 10 * time.Minute
)

// Subscription is one listener on one channel. Events is closed when the
// subscriber is removed, either by Unsubscribe, by the hub stopping, or
// because it fell behind.
type Subscription struct {
	id      uint64
	channel string
	events  chan types.Envelope
}

// Events returns the receive side of the subscription
func (s *Subscription) Events() <-chan types.Envelope {
	return s.events
}

// Channel returns the channel name the subscription follows
func (s *Subscription) Channel() string {
	return s.channel
}

type publication struct {
	channel  string
	envelope types.Envelope
}

// Hub coordinates channel fan-out
// ARCHITECTURAL DISCOVERY: Central coordination point for all realtime traffic
// keeps core operations unaware of how many observers are attached
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered channel absorbs submission bursts at session start
	publishChannel   chan publication
	shutdownChannel  chan struct{}
	done             chan struct{}
	subscriberBuffer int

	// TECHNICAL DISCOVERY: Subscriptions are guarded by a mutex instead of the loop
	// so Subscribe is effective before it returns
	subscribers    map[string]map[uint64]*Subscription
	endedChans     map[string]time.Time
	endedRetention time.Duration
	nextID         uint64
	dropped        uint64
	logger         *zap.Logger

	running bool
	mu      sync.RWMutex
}

// NewHub creates a hub. Zero buffer sizes fall back to the defaults.
func NewHub(publishBuffer, subscriberBuffer int, logger *zap.Logger) *Hub {
	if publishBuffer <= 0 {
		publishBuffer = DefaultPublishBuffer
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		publishChannel:   make(chan publication, publishBuffer),
		subscriberBuffer: subscriberBuffer,
		subscribers:      make(map[string]map[uint64]*Subscription),
		endedChans:       make(map[string]time.Time),
		endedRetention:   DefaultEndedRetention,
		logger:           logger.Named("hub"),
	}
}

// Start begins hub processing
// FUNCTIONAL DISCOVERY: Single hub goroutine delivers in publish order per channel
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})
	h.mu.Unlock()

	h.logger.Info("starting broadcast hub")
	go h.run(ctx)
	return nil
}

// Stop shuts the loop down and closes every subscription
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
	h.logger.Info("broadcast hub stopped")
	return nil
}

// Subscribe registers a listener on channel
func (h *Hub) Subscribe(channel string) (*Subscription, error) {
	if channel == "" {
		return nil, ErrInvalidChannel
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return nil, ErrHubNotRunning
	}

	h.nextID++
	sub := &Subscription{
		id:      h.nextID,
		channel: channel,
		events:  make(chan types.Envelope, h.subscriberBuffer),
	}
	if h.subscribers[channel] == nil {
		h.subscribers[channel] = make(map[uint64]*Subscription)
	}
	h.subscribers[channel][sub.id] = sub
	return sub, nil
}

// Unsubscribe removes a listener. Calling it twice is safe.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// Publish queues an envelope for delivery without blocking
func (h *Hub) Publish(channel string, envelope types.Envelope) error {
	if channel == "" {
		return ErrInvalidChannel
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	envelope.Channel = channel
	if envelope.Timestamp.IsZero() {
		envelope.Timestamp = time.Now().UTC()
	}

	// TECHNICAL DISCOVERY: Non-blocking send prevents a burst from stalling submitters
	select {
	case h.publishChannel <- publication{channel: channel, envelope: envelope}:
		return nil
	default:
		return ErrPublishChannelFull
	}
}

// SubscriberCount returns the number of listeners on channel
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}

// GetStats returns hub statistics
func (h *Hub) GetStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, subs := range h.subscribers {
		total += len(subs)
	}
	return map[string]interface{}{
		"channels":             len(h.subscribers),
		"subscribers":          total,
		"dropped_subscribers":  h.dropped,
		"ended_channels":       len(h.endedChans),
		"queued_publications":  len(h.publishChannel),
		"publish_buffer_limit": cap(h.publishChannel),
	}
}

// run is the main hub processing loop
func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer h.closeAll()

	prune := time.NewTicker(h.pruneInterval())
	defer prune.Stop()

	for {
		select {
		case pub := <-h.publishChannel:
			h.deliver(pub)

		case now := <-prune.C:
			h.pruneEnded(now)

		case <-h.shutdownChannel:
			h.logger.Info("hub shutdown requested")
			return

		case <-ctx.Done():
			h.logger.Info("hub context cancelled")
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

// deliver fans one publication out to the channel's subscribers
func (h *Hub) deliver(pub publication) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// FUNCTIONAL DISCOVERY: Once a session has ended its channel carries no more
	// attendance updates, even if a late one was queued behind session_ended
	if _, ended := h.endedChans[pub.channel]; ended && pub.envelope.Type == types.EnvelopeAttendanceUpdate {
		return
	}
	if pub.envelope.Type == types.EnvelopeSessionEnded {
		h.endedChans[pub.channel] = time.Now()
	}

	for _, sub := range h.subscribers[pub.channel] {
		select {
		case sub.events <- pub.envelope:
		default:
			// TECHNICAL DISCOVERY: A full buffer means the client cannot keep up;
			// disconnecting it protects every other subscriber
			h.removeLocked(sub)
			h.dropped++
			h.logger.Warn("disconnected slow subscriber",
				zap.String("channel", pub.channel),
				zap.Uint64("subscription", sub.id))
		}
	}
}

func (h *Hub) pruneInterval() time.Duration {
	if h.endedRetention < time.Minute {
		return h.endedRetention
	}
	return time.Minute
}

// pruneEnded forgets ended channels nobody listens to once they are older
// than the retention period. Channels with subscribers stay closed.
func (h *Hub) pruneEnded(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	pruned := 0
	for channel, endedAt := range h.endedChans {
		if now.Sub(endedAt) < h.endedRetention || len(h.subscribers[channel]) > 0 {
			continue
		}
		delete(h.endedChans, channel)
		pruned++
	}
	return pruned
}

func (h *Hub) removeLocked(sub *Subscription) {
	subs, ok := h.subscribers[sub.channel]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	close(sub.events)
	if len(subs) == 0 {
		delete(h.subscribers, sub.channel)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.events)
		}
	}
	h.subscribers = make(map[string]map[uint64]*Subscription)
}
