// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package notify fans incremental state out to live subscribers with
// at-most-once delivery. Every subscriber owns a bounded queue; a slow
// subscriber loses its own oldest messages and nobody else's.
package notify

import (
	"sync"
	"sync/atomic"

	"grimm.is/netinsight/internal/logging"
	"grimm.is/netinsight/internal/model"
)

// Message types carried on the subscription stream.
const (
	TypeInitialState = "initial_state"
	TypeDeviceUpdate = "device_update"
	TypeFlowUpdate   = "flow_update"
	TypeThreatUpdate = "threat_update"
)

// Message is the self-describing record delivered to subscribers.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// InitialState is the snapshot sent once on subscribe, before any
// incremental update.
type InitialState struct {
	Devices []model.Device `json:"devices"`
	Flows   []model.Flow   `json:"flows"`
	Threats []model.Threat `json:"threats"`
}

// SnapshotFunc produces the initial-state payload at subscribe time.
type SnapshotFunc func() InitialState

// Subscriber is one live consumer.
type Subscriber struct {
	id  uint64
	hub *Hub
	ch  chan Message

	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// Ch returns the subscriber's message stream. Closed by Close or by
// the hub shutting down.
func (s *Subscriber) Ch() <-chan Message {
	return s.ch
}

// Dropped returns how many messages this subscriber lost to
// backpressure.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscriber and closes its stream.
func (s *Subscriber) Close() {
	s.hub.remove(s.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// enqueue delivers without blocking: when the queue is full the oldest
// pending message is discarded and counted against this subscriber.
func (s *Subscriber) enqueue(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- msg:
		return
	default:
	}

	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- msg:
	default:
		s.dropped.Add(1)
	}
}

// Hub owns the subscriber set.
type Hub struct {
	logger    *logging.Logger
	queueSize int
	snapshot  SnapshotFunc

	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64

	published atomic.Uint64
}

// NewHub creates a hub. snapshot may be nil during tests; subscribers
// then receive an empty initial state.
func NewHub(queueSize int, snapshot SnapshotFunc, logger *logging.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = logging.WithComponent("notify")
	}
	return &Hub{
		logger:    logger,
		queueSize: queueSize,
		snapshot:  snapshot,
		subs:      make(map[uint64]*Subscriber),
	}
}

// Subscribe registers a consumer. The initial-state snapshot is queued
// before the subscriber becomes visible to publishers, so it is always
// the first message on the stream.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{
		id:  h.nextID,
		hub: h,
		ch:  make(chan Message, h.queueSize),
	}

	var state InitialState
	if h.snapshot != nil {
		state = h.snapshot()
	}
	sub.ch <- Message{Type: TypeInitialState, Payload: state}

	h.subs[sub.id] = sub
	h.logger.Debug("Subscriber attached", "id", sub.id, "subscribers", len(h.subs))
	return sub
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// PublishDevice, PublishFlow and PublishThreat push one update to every
// current subscriber.
func (h *Hub) PublishDevice(d model.Device) { h.publish(Message{Type: TypeDeviceUpdate, Payload: d}) }
func (h *Hub) PublishFlow(f model.Flow)     { h.publish(Message{Type: TypeFlowUpdate, Payload: f}) }
func (h *Hub) PublishThreat(t model.Threat) { h.publish(Message{Type: TypeThreatUpdate, Payload: t}) }

func (h *Hub) publish(msg Message) {
	h.mu.Lock()
	targets := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	h.published.Add(1)
	for _, s := range targets {
		s.enqueue(msg)
	}
}

// SubscriberCount reports the current number of subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// QueueDepth sums the pending messages across subscribers.
func (h *Hub) QueueDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	depth := 0
	for _, s := range h.subs {
		depth += len(s.ch)
	}
	return depth
}

// Dropped sums messages dropped across live subscriber queues.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n uint64
	for _, s := range h.subs {
		n += s.Dropped()
	}
	return n
}

// Published returns the number of updates pushed through the hub.
func (h *Hub) Published() uint64 {
	return h.published.Load()
}

// Close detaches and closes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	targets := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.subs = make(map[uint64]*Subscriber)
	h.mu.Unlock()

	for _, s := range targets {
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		s.mu.Unlock()
	}
}
