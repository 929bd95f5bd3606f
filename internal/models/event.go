package models

import (
	"strings"
	"time"
)

const (
	EventTokenCreated   = "token.created"
	EventTokenCalled    = "token.called"
	EventTokenCompleted = "token.completed"
	EventTokenCancelled = "token.cancelled"
	EventTokenEstimate  = "token.estimate"
	EventQueueUpdated   = "queue.updated"
	EventCounterUpdated = "counter.updated"
)

const (
	RoleCustomer = "customer"
	RoleStaff    = "staff"
	RoleAdmin    = "admin"

	RoomStaff = "staff:all"
	RoomAdmin = "admin:all"
)

// Event is the wire shape shared by live delivery, replay and the Redis mirror.
// Rooms is the routing set; Audience is filled per delivery with the matched room.
type Event struct {
	Sequence             int64          `json:"sequence" cbor:"1,keyasint"`
	Type                 string         `json:"type" cbor:"2,keyasint"`
	Audience             string         `json:"audience" cbor:"3,keyasint,omitempty"`
	TokenID              string         `json:"token_id,omitempty" cbor:"4,keyasint,omitempty"`
	TokenNumber          string         `json:"token_number,omitempty" cbor:"5,keyasint,omitempty"`
	ServiceType          string         `json:"service_type,omitempty" cbor:"6,keyasint,omitempty"`
	Status               string         `json:"status,omitempty" cbor:"7,keyasint,omitempty"`
	CounterNumber        *int           `json:"counter_number,omitempty" cbor:"8,keyasint,omitempty"`
	EstimatedWaitSeconds *int           `json:"estimated_wait_seconds,omitempty" cbor:"9,keyasint,omitempty"`
	Payload              map[string]any `json:"payload,omitempty" cbor:"10,keyasint,omitempty"`
	Timestamp            time.Time      `json:"timestamp" cbor:"11,keyasint"`
	Rooms                []string       `json:"-" cbor:"12,keyasint,omitempty"`
}

func CustomerRoom(customerID string) string {
	return RoleCustomer + ":" + customerID
}

// RoomFor derives the subscription room from an identity.
func RoomFor(role, userID string) (string, bool) {
	switch role {
	case RoleCustomer:
		if strings.TrimSpace(userID) == "" {
			return "", false
		}
		return CustomerRoom(userID), true
	case RoleStaff:
		return RoomStaff, true
	case RoleAdmin:
		return RoomAdmin, true
	default:
		return "", false
	}
}

func TokenEvent(eventType string, token Token, at time.Time) Event {
	event := Event{
		Type:        eventType,
		TokenID:     token.TokenID,
		TokenNumber: token.TokenNumber,
		ServiceType: token.ServiceType,
		Status:      token.Status,
		Timestamp:   at,
		Rooms:       []string{CustomerRoom(token.CustomerID), RoomStaff},
	}
	if token.CounterNumber != nil {
		n := *token.CounterNumber
		event.CounterNumber = &n
	}
	if token.Status == StatusWaiting {
		wait := token.EstimatedWaitSeconds
		event.EstimatedWaitSeconds = &wait
	}
	return event
}

func QueueEvent(serviceType string, waiting int, at time.Time) Event {
	return Event{
		Type:        EventQueueUpdated,
		ServiceType: serviceType,
		Payload:     map[string]any{"waiting": waiting},
		Timestamp:   at,
		Rooms:       []string{RoomStaff, RoomAdmin},
	}
}

func CounterEvent(counter Counter, at time.Time) Event {
	n := counter.CounterNumber
	return Event{
		Type:          EventCounterUpdated,
		TokenID:       counter.CurrentTokenID,
		Status:        counter.State,
		CounterNumber: &n,
		Timestamp:     at,
		Rooms:         []string{RoomStaff, RoomAdmin},
	}
}
