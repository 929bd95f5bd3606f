package models

import "time"

type Counter struct {
	CounterNumber  int       `json:"counter_number"`
	ServiceTypes   []string  `json:"service_types"`
	State          string    `json:"state"`
	CurrentTokenID string    `json:"current_token_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	Version        int64     `json:"-"`
}

const (
	CounterFree = "free"
	CounterBusy = "busy"
)

func (c Counter) Handles(serviceType string) bool {
	for _, st := range c.ServiceTypes {
		if st == serviceType {
			return true
		}
	}
	return false
}

type PushSubscription struct {
	Endpoint   string    `json:"endpoint"`
	CustomerID string    `json:"customer_id"`
	P256DH     string    `json:"p256dh"`
	Auth       string    `json:"auth"`
	CreatedAt  time.Time `json:"created_at"`
}
