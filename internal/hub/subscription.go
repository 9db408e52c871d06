// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"sync"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/adiadia/campaign-runtime/internal/metrics"
	"github.com/google/uuid"
)

// Subscription is one listener's view of a run's log stream. Events arrive in
// publish order on Events(); the channel is closed after the terminal marker
// or when the subscription is closed.
type Subscription struct {
	runID uuid.UUID
	hub   *Hub
	topic *topic

	mu      sync.Mutex
	ch      chan domain.LogEvent
	done    bool
	dropped int64
}

func newSubscription(h *Hub, runID uuid.UUID, size int) *Subscription {
	return &Subscription{
		runID: runID,
		hub:   h,
		ch:    make(chan domain.LogEvent, size),
	}
}

func (s *Subscription) RunID() uuid.UUID {
	return s.runID
}

func (s *Subscription) Events() <-chan domain.LogEvent {
	return s.ch
}

// Dropped is the number of events discarded because this subscriber fell behind.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from its hub. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

// deliver enqueues ev without blocking, evicting the oldest buffered event if
// the buffer is full.
func (s *Subscription) deliver(ev domain.LogEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return false
	}
	s.push(ev)
	return true
}

// finish optionally enqueues a final event and closes the stream.
func (s *Subscription) finish(final *domain.LogEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}
	if final != nil {
		s.push(*final)
	}
	s.done = true
	close(s.ch)
}

// push must be called with s.mu held. The consumer only ever removes events,
// so after one eviction the send is guaranteed to succeed.
func (s *Subscription) push(ev domain.LogEvent) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}

		select {
		case <-s.ch:
			s.dropped++
			metrics.IncHubDropped()
		default:
		}
	}
}
