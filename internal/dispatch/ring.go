package dispatch

import (
	"time"

	"qms/branch-queue/internal/models"
)

// ring retains the most recent events in sequence order.
type ring struct {
	events []models.Event
	start  int
	count  int
}

func newRing(capacity int) *ring {
	return &ring{events: make([]models.Event, capacity)}
}

func (r *ring) push(event models.Event) {
	if len(r.events) == 0 {
		return
	}
	if r.count < len(r.events) {
		r.events[(r.start+r.count)%len(r.events)] = event
		r.count++
		return
	}
	r.events[r.start] = event
	r.start = (r.start + 1) % len(r.events)
}

func (r *ring) at(i int) models.Event {
	return r.events[(r.start+i)%len(r.events)]
}

// oldest returns the first retained sequence whose timestamp is not before cutoff.
func (r *ring) oldest(cutoff time.Time) (int64, bool) {
	for i := 0; i < r.count; i++ {
		event := r.at(i)
		if cutoff.IsZero() || !event.Timestamp.Before(cutoff) {
			return event.Sequence, true
		}
	}
	return 0, false
}

func (r *ring) since(sequence int64) []models.Event {
	var out []models.Event
	for i := 0; i < r.count; i++ {
		event := r.at(i)
		if event.Sequence > sequence {
			out = append(out, event)
		}
	}
	return out
}

func (r *ring) len() int {
	return r.count
}
