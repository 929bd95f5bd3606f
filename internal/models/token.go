package models

import (
	"strings"
	"time"
)

type Token struct {
	TokenID              string     `json:"token_id"`
	TokenNumber          string     `json:"token_number"`
	CustomerID           string     `json:"customer_id"`
	ServiceType          string     `json:"service_type"`
	Priority             Priority   `json:"priority"`
	Status               string     `json:"status"`
	CounterNumber        *int       `json:"counter_number,omitempty"`
	EstimatedWaitSeconds int        `json:"estimated_wait_seconds"`
	Notes                string     `json:"notes,omitempty"`
	ServedBy             string     `json:"served_by,omitempty"`
	CancelReason         string     `json:"cancel_reason,omitempty"`
	GeneratedAt          time.Time  `json:"generated_at"`
	CalledAt             *time.Time `json:"called_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	Version              int64      `json:"-"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

const (
	CancelByCustomer = "customer"
	CancelNoShow     = "no_show"
	CancelEndOfDay   = "end_of_day"
)

func ActiveStatuses() []string {
	return []string{StatusWaiting, StatusCalled}
}

func TerminalStatuses() []string {
	return []string{StatusCompleted, StatusCancelled}
}

func (t Token) Active() bool {
	return t.Status == StatusWaiting || t.Status == StatusCalled
}

func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

type Priority int

const (
	PriorityStandard Priority = iota
	PrioritySenior
	PriorityVIP
)

var priorityNames = map[Priority]string{
	PriorityStandard: "standard",
	PrioritySenior:   "senior",
	PriorityVIP:      "vip",
}

var priorityAliases = map[string]Priority{
	"":               PriorityStandard,
	"standard":       PriorityStandard,
	"normal":         PriorityStandard,
	"senior":         PrioritySenior,
	"senior_citizen": PrioritySenior,
	"priority":       PrioritySenior,
	"vip":            PriorityVIP,
}

func ParsePriority(value string) (Priority, bool) {
	p, ok := priorityAliases[strings.ToLower(strings.TrimSpace(value))]
	return p, ok
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "standard"
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, ok := ParsePriority(string(text))
	if !ok {
		return &UnknownPriorityError{Value: string(text)}
	}
	*p = parsed
	return nil
}

type UnknownPriorityError struct {
	Value string
}

func (e *UnknownPriorityError) Error() string {
	return "unknown priority " + e.Value
}
