// SPDX-License-Identifier: Apache-2.0

// Package hub fans out run log events to live subscribers.
//
// Every run id maps to a topic holding its current subscriptions. A topic is
// created by the first Subscribe or by CloseRun and is locked on its own, so
// publishing to one run never waits on another. Publish never blocks on a
// subscriber: each subscription has a bounded buffer and, when that buffer is
// full, the oldest buffered event is discarded to make room.
//
// Closing a run delivers a terminal marker to every subscriber and keeps the
// topic around as a tombstone for a retention period, so that subscribers who
// arrive late still receive the marker instead of waiting forever.
package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/adiadia/campaign-runtime/internal/metrics"
	"github.com/google/uuid"
)

const (
	DefaultBufferSize      = 64
	DefaultClosedRetention = 5 * time.Minute
)

type Config struct {
	// BufferSize bounds the events queued per subscriber.
	BufferSize int

	// ClosedRetention is how long a closed run still answers late subscribers
	// with its terminal marker.
	ClosedRetention time.Duration

	Logger *slog.Logger
}

type Hub struct {
	topics      sync.Map // uuid.UUID -> *topic
	bufferSize  int
	retention   time.Duration
	logger      *slog.Logger
	subscribers atomic.Int64
}

type topic struct {
	mu       sync.Mutex
	runID    uuid.UUID
	subs     map[*Subscription]struct{}
	closed   bool
	terminal domain.LogEvent
	evicted  bool
	expiry   *time.Timer
}

type Stats struct {
	Topics      int   `json:"topics"`
	Closed      int   `json:"closed"`
	Subscribers int64 `json:"subscribers"`
}

func New(cfg Config) *Hub {
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}

	retention := cfg.ClosedRetention
	if retention <= 0 {
		retention = DefaultClosedRetention
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		bufferSize: size,
		retention:  retention,
		logger:     logger,
	}
}

// Subscribe registers a listener for runID. It never fails: a run that has not
// published anything yet simply yields nothing until it does, and a run that
// is already closed yields only its terminal marker.
func (h *Hub) Subscribe(runID uuid.UUID) *Subscription {
	for {
		t := h.topicFor(runID)

		t.mu.Lock()
		if t.evicted {
			t.mu.Unlock()
			continue
		}

		sub := newSubscription(h, runID, h.bufferSize)
		if t.closed {
			terminal := t.terminal
			t.mu.Unlock()
			sub.finish(&terminal)
			return sub
		}

		sub.topic = t
		t.subs[sub] = struct{}{}
		t.mu.Unlock()

		metrics.SetHubSubscribers(h.subscribers.Add(1))
		h.logger.Debug("subscriber attached", "run_id", runID)
		return sub
	}
}

// Finished returns a subscription that yields only marker. It is used for run
// ids the hub has never seen and that will never publish.
func (h *Hub) Finished(runID uuid.UUID, marker domain.LogEvent) *Subscription {
	sub := newSubscription(h, runID, 1)
	sub.finish(&marker)
	return sub
}

// Publish hands ev to every current subscriber of runID and returns how many
// subscribers it reached. Events published after CloseRun are dropped.
func (h *Hub) Publish(runID uuid.UUID, ev domain.LogEvent) int {
	for {
		v, ok := h.topics.Load(runID)
		if !ok {
			return 0
		}
		t := v.(*topic)

		t.mu.Lock()
		if t.evicted {
			t.mu.Unlock()
			continue
		}
		if t.closed {
			t.mu.Unlock()
			h.logger.Warn("publish after run closed", "run_id", runID, "seq", ev.Seq)
			return 0
		}

		delivered := 0
		for sub := range t.subs {
			if sub.deliver(ev) {
				delivered++
			}
		}
		t.mu.Unlock()

		metrics.AddHubPublished(delivered)
		return delivered
	}
}

// CloseRun delivers terminal to every current subscriber of runID, ends their
// streams and turns the topic into a tombstone. Only the first call has an
// effect.
func (h *Hub) CloseRun(runID uuid.UUID, terminal domain.LogEvent) {
	for {
		t := h.topicFor(runID)

		t.mu.Lock()
		if t.evicted {
			t.mu.Unlock()
			continue
		}
		if t.closed {
			t.mu.Unlock()
			return
		}

		t.closed = true
		t.terminal = terminal

		released := int64(len(t.subs))
		for sub := range t.subs {
			sub.finish(&terminal)
			delete(t.subs, sub)
		}
		t.expiry = time.AfterFunc(h.retention, func() {
			h.evict(runID, t)
		})
		t.mu.Unlock()

		if released > 0 {
			metrics.SetHubSubscribers(h.subscribers.Add(-released))
		}
		h.logger.Debug("run closed", "run_id", runID, "subscribers", released)
		return
	}
}

// Unsubscribe detaches sub. It is idempotent and safe to call while a Publish
// for the same run is in flight; once it returns nothing more is delivered.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	if t := sub.topic; t != nil {
		t.mu.Lock()
		if _, ok := t.subs[sub]; ok {
			delete(t.subs, sub)
			metrics.SetHubSubscribers(h.subscribers.Add(-1))
		}
		if len(t.subs) == 0 && !t.closed && !t.evicted {
			t.evicted = true
			h.topics.CompareAndDelete(t.runID, t)
		}
		t.mu.Unlock()
	}

	sub.finish(nil)
}

// Closed reports whether runID has been closed and is still remembered.
func (h *Hub) Closed(runID uuid.UUID) bool {
	v, ok := h.topics.Load(runID)
	if !ok {
		return false
	}
	t := v.(*topic)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed && !t.evicted
}

func (h *Hub) Stats() Stats {
	var s Stats
	h.topics.Range(func(_, v any) bool {
		t := v.(*topic)
		t.mu.Lock()
		if !t.evicted {
			s.Topics++
			if t.closed {
				s.Closed++
			}
		}
		t.mu.Unlock()
		return true
	})
	s.Subscribers = h.subscribers.Load()
	return s
}

// Close ends every open subscription without a terminal marker and forgets all
// runs. It is meant for process shutdown.
func (h *Hub) Close() {
	h.topics.Range(func(k, v any) bool {
		t := v.(*topic)

		t.mu.Lock()
		if t.expiry != nil {
			t.expiry.Stop()
		}
		released := int64(len(t.subs))
		for sub := range t.subs {
			sub.finish(nil)
			delete(t.subs, sub)
		}
		t.evicted = true
		h.topics.CompareAndDelete(k, t)
		t.mu.Unlock()

		if released > 0 {
			metrics.SetHubSubscribers(h.subscribers.Add(-released))
		}
		return true
	})
}

func (h *Hub) topicFor(runID uuid.UUID) *topic {
	if v, ok := h.topics.Load(runID); ok {
		return v.(*topic)
	}
	v, _ := h.topics.LoadOrStore(runID, &topic{
		runID: runID,
		subs:  make(map[*Subscription]struct{}),
	})
	return v.(*topic)
}

func (h *Hub) evict(runID uuid.UUID, t *topic) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.evicted {
		return
	}
	t.evicted = true
	h.topics.CompareAndDelete(runID, t)
	h.logger.Debug("closed run evicted", "run_id", runID)
}
