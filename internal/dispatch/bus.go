package dispatch

import (
	"errors"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"qms/branch-queue/internal/models"
)

var (
	ErrResync    = errors.New("resync required: requested sequence is outside the replay window")
	ErrClosed    = errors.New("subscription closed")
	ErrBusClosed = fmt.Errorf("%w: bus is shut down", ErrClosed)
)

var (
	eventsPublished = expvar.NewInt("dispatch_events_published_total")
	sessionsActive  = expvar.NewInt("dispatch_sessions_active")
	sessionOverflow = expvar.NewInt("dispatch_session_overflow_total")
	resyncsTotal    = expvar.NewInt("dispatch_resync_total")
)

const (
	ReasonSlowConsumer = "slow consumer"
	ReasonShutdown     = "shutdown"
)

type Config struct {
	Capacity  int
	MaxAge    time.Duration
	QueueSize int
	Now       func() time.Time
}

type Bus struct {
	queueSize int
	maxAge    time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.Mutex
	closed   bool
	sequence int64
	ring     *ring
	rooms    map[string]map[*Subscription]struct{}
}

func NewBus(cfg Config, logger *zap.Logger) *Bus {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		queueSize: cfg.QueueSize,
		maxAge:    cfg.MaxAge,
		now:       cfg.Now,
		logger:    logger,
		ring:      newRing(cfg.Capacity),
		rooms:     make(map[string]map[*Subscription]struct{}),
	}
}

// Publish assigns the next sequence, retains the event and queues it for every
// session in a matching room. It never blocks on a session.
func (b *Bus) Publish(event models.Event) models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sequence++
	event.Sequence = b.sequence
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}
	event.Rooms = append([]string(nil), event.Rooms...)
	b.ring.push(event)
	eventsPublished.Add(1)

	for _, room := range event.Rooms {
		for sub := range b.rooms[room] {
			delivery := event
			delivery.Audience = room
			if !sub.enqueue(delivery) {
				b.dropLocked(sub)
				sessionOverflow.Add(1)
				b.logger.Warn("closing slow subscription",
					zap.String("session_id", sub.ID),
					zap.String("room", room),
					zap.Int64("sequence", event.Sequence))
			}
		}
	}
	return event
}

// Subscribe starts a feed for room. With lastSeen the retained events after it are
// queued first; ErrResync means the caller must refetch full state instead.
// After Close it returns ErrBusClosed.
func (b *Bus) Subscribe(room string, lastSeen *int64) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	var replay []models.Event
	if lastSeen != nil {
		if err := b.checkWindowLocked(*lastSeen); err != nil {
			resyncsTotal.Add(1)
			return nil, err
		}
		for _, event := range b.ring.since(*lastSeen) {
			if !inRoom(event, room) {
				continue
			}
			event.Audience = room
			replay = append(replay, event)
		}
	}

	sub := &Subscription{
		ID:       uuid.NewString(),
		Room:     room,
		bus:      b,
		pending:  replay,
		limit:    b.queueSize + len(replay),
		replayed: len(replay),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if lastSeen != nil {
		sub.last = *lastSeen
	}
	if len(replay) > 0 {
		sub.notify <- struct{}{}
	}
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[*Subscription]struct{})
		b.rooms[room] = members
	}
	members[sub] = struct{}{}
	sessionsActive.Add(1)
	return sub, nil
}

func (b *Bus) checkWindowLocked(lastSeen int64) error {
	if lastSeen < 0 || lastSeen > b.sequence {
		return ErrResync
	}
	if lastSeen == b.sequence {
		return nil
	}
	var cutoff time.Time
	if b.maxAge > 0 {
		cutoff = b.now().Add(-b.maxAge)
	}
	oldest, ok := b.ring.oldest(cutoff)
	if !ok || lastSeen+1 < oldest {
		return ErrResync
	}
	return nil
}

func (b *Bus) Sequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequence
}

func (b *Bus) Sessions(room string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[room])
}

// Close ends every subscription and refuses new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.logger.Info("dispatch bus closed", zap.Int64("sequence", b.sequence), zap.Int("retained", b.ring.len()))
	for _, members := range b.rooms {
		for sub := range members {
			sub.close(ReasonShutdown, true)
			b.dropLocked(sub)
		}
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(sub)
}

func (b *Bus) dropLocked(sub *Subscription) {
	members, ok := b.rooms[sub.Room]
	if !ok {
		return
	}
	if _, ok := members[sub]; !ok {
		return
	}
	delete(members, sub)
	if len(members) == 0 {
		delete(b.rooms, sub.Room)
	}
	sessionsActive.Add(-1)
}

func inRoom(event models.Event, room string) bool {
	for _, r := range event.Rooms {
		if r == room {
			return true
		}
	}
	return false
}
