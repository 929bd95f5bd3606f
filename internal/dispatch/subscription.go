package dispatch

import (
	"context"
	"sync"

	"qms/branch-queue/internal/models"
)

// Subscription is one session's bounded feed.
type Subscription struct {
	ID   string
	Room string

	bus      *Bus
	notify   chan struct{}
	done     chan struct{}
	replayed int
	limit    int

	mu      sync.Mutex
	pending []models.Event
	last    int64
	closed  bool
	reason  string
}

func (s *Subscription) enqueue(event models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if len(s.pending) >= s.limit {
		s.closeLocked(ReasonSlowConsumer, true)
		return false
	}
	s.pending = append(s.pending, event)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until an event is available. Events queued before an overflow
// close are still delivered; afterwards ErrClosed is returned.
func (s *Subscription) Next(ctx context.Context) (models.Event, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			event := s.pending[0]
			s.pending[0] = models.Event{}
			s.pending = s.pending[1:]
			s.last = event.Sequence
			s.mu.Unlock()
			return event, nil
		}
		if s.closed {
			s.mu.Unlock()
			return models.Event{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		}
	}
}

// Close detaches the subscription and discards anything still queued.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closeLocked("closed", false)
	s.pending = nil
	s.mu.Unlock()
	s.bus.unsubscribe(s)
}

func (s *Subscription) close(reason string, keepPending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(reason, keepPending)
}

func (s *Subscription) closeLocked(reason string, keepPending bool) {
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	if !keepPending {
		s.pending = nil
	}
	close(s.done)
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// LastSequence is the sequence of the last event handed out by Next, or the
// subscribe-time last_seen when nothing has been delivered yet.
func (s *Subscription) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Subscription) Replayed() int {
	return s.replayed
}
