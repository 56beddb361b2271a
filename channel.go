package modkit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelInfo is the externally visible state of an inter-sandbox channel.
type ChannelInfo struct {
	ChannelID       string    `json:"channelId"`
	SourceSandboxID string    `json:"sourceSandboxId"`
	TargetSandboxID string    `json:"targetSandboxId"`
	Capacity        int       `json:"capacity"`
	CreatedAt       time.Time `json:"createdAt"`
}

// channel is a pair of bounded FIFO queues, one per direction. Sandboxes
// exchange exported values over them; no shared mutable state crosses the
// boundary. Delivery is in send order per channel; there is no ordering
// guarantee across channels.
type channel struct {
	info     ChannelInfo
	toTarget chan any
	toSource chan any

	closeOnce sync.Once
	closed    chan struct{}
}

// ChannelHub owns every inter-sandbox channel. Channels are opt-in: two
// sandboxes can only communicate after one has been explicitly established
// between them.
type ChannelHub struct {
	mu         sync.RWMutex
	channels   map[string]*channel
	byEndpoint map[string][]string
	capacity   int
	logger     Logger
}

// NewChannelHub creates a hub whose channels buffer up to capacity messages
// per direction.
func NewChannelHub(capacity int, logger Logger) *ChannelHub {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	if capacity <= 0 {
		capacity = 64
	}
	return &ChannelHub{
		channels:   make(map[string]*channel),
		byEndpoint: make(map[string][]string),
		capacity:   capacity,
		logger:     logger,
	}
}

// CreateChannel establishes a bounded, ordered message queue between two
// sandboxes and returns its id.
func (h *ChannelHub) CreateChannel(sourceSandboxID, targetSandboxID string) (string, error) {
	if sourceSandboxID == "" || targetSandboxID == "" {
		return "", fmt.Errorf("%w: both endpoints are required", ErrChannelNotEndpoint)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch := &channel{
		info: ChannelInfo{
			ChannelID:       uuid.NewString(),
			SourceSandboxID: sourceSandboxID,
			TargetSandboxID: targetSandboxID,
			Capacity:        h.capacity,
			CreatedAt:       time.Now(),
		},
		toTarget: make(chan any, h.capacity),
		toSource: make(chan any, h.capacity),
		closed:   make(chan struct{}),
	}
	h.channels[ch.info.ChannelID] = ch
	h.byEndpoint[sourceSandboxID] = append(h.byEndpoint[sourceSandboxID], ch.info.ChannelID)
	h.byEndpoint[targetSandboxID] = append(h.byEndpoint[targetSandboxID], ch.info.ChannelID)

	h.logger.Info("Channel created", "channel", ch.info.ChannelID, "source", sourceSandboxID, "target", targetSandboxID)
	return ch.info.ChannelID, nil
}

// Info returns the visible state of a channel.
func (h *ChannelHub) Info(channelID string) (ChannelInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[channelID]
	if !ok {
		return ChannelInfo{}, false
	}
	return ch.info, true
}

// Send enqueues a message from the given sandbox. The send never blocks: a
// full queue rejects with ErrChannelFull so a slow receiver cannot stall the
// sender's sandbox.
func (h *ChannelHub) Send(channelID, senderSandboxID string, payload any) error {
	ch, queue, err := h.direction(channelID, senderSandboxID, true)
	if err != nil {
		return err
	}
	select {
	case <-ch.closed:
		return fmt.Errorf("%w: %s", ErrChannelClosed, channelID)
	default:
	}
	select {
	case queue <- payload:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrChannelFull, channelID)
	}
}

// Receive dequeues the next message addressed to the given sandbox, waiting
// up to timeout. A closed channel drains remaining messages first, then
// reports ErrChannelClosed.
func (h *ChannelHub) Receive(channelID, receiverSandboxID string, timeout time.Duration) (any, error) {
	ch, queue, err := h.direction(channelID, receiverSandboxID, false)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-queue:
		return msg, nil
	default:
	}
	select {
	case msg := <-queue:
		return msg, nil
	case <-ch.closed:
		select {
		case msg := <-queue:
			return msg, nil
		default:
			h.reap(ch)
			return nil, fmt.Errorf("%w: %s", ErrChannelClosed, channelID)
		}
	case <-timer.C:
		return nil, fmt.Errorf("%w: channel %s after %s", ErrReceiveTimeout, channelID, timeout)
	}
}

// Close tears down a channel. Pending messages remain receivable; further
// sends fail.
func (h *ChannelHub) Close(channelID string) error {
	h.mu.RLock()
	ch, ok := h.channels[channelID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	ch.closeOnce.Do(func() { close(ch.closed) })
	return nil
}

// CloseForSandbox closes every channel the sandbox is an endpoint of, used
// when a sandbox is destroyed.
func (h *ChannelHub) CloseForSandbox(sandboxID string) {
	h.mu.Lock()
	ids := append([]string(nil), h.byEndpoint[sandboxID]...)
	delete(h.byEndpoint, sandboxID)
	h.mu.Unlock()

	for _, id := range ids {
		_ = h.Close(id)
	}
}

// reap removes a closed channel from the hub once both queues are drained.
func (h *ChannelHub) reap(ch *channel) {
	if len(ch.toTarget) != 0 || len(ch.toSource) != 0 {
		return
	}
	h.mu.Lock()
	delete(h.channels, ch.info.ChannelID)
	h.mu.Unlock()
}

// direction picks the queue a sandbox writes to (sending=true) or reads
// from, verifying the sandbox is actually an endpoint.
func (h *ChannelHub) direction(channelID, sandboxID string, sending bool) (*channel, chan any, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ch, ok := h.channels[channelID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	switch sandboxID {
	case ch.info.SourceSandboxID:
		if sending {
			return ch, ch.toTarget, nil
		}
		return ch, ch.toSource, nil
	case ch.info.TargetSandboxID:
		if sending {
			return ch, ch.toSource, nil
		}
		return ch, ch.toTarget, nil
	default:
		return nil, nil, fmt.Errorf("%w: sandbox %s on channel %s", ErrChannelNotEndpoint, sandboxID, channelID)
	}
}
