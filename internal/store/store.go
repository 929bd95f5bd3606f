package store

import (
	"context"
	"time"

	"qms/branch-queue/internal/models"
)

type TokenFilter struct {
	Statuses     []string
	ServiceTypes []string
	CustomerID   string
	From         time.Time
	To           time.Time
	Newest       bool
	Limit        int
	Offset       int
}

// Transition is one atomic write. An entity with Version 1 is inserted; any other
// version updates the row only if its stored version is Version-1.
type Transition struct {
	Token   *models.Token
	Counter *models.Counter
}

type Repository interface {
	Apply(ctx context.Context, t Transition) error
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	ListTokens(ctx context.Context, filter TokenFilter) ([]models.Token, error)
	CountTokens(ctx context.Context, filter TokenFilter) (int, error)
	NextTokenNumber(ctx context.Context, serviceType, day string) (int, error)
	GetCounter(ctx context.Context, counterNumber int) (models.Counter, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
	SavePushSubscription(ctx context.Context, sub models.PushSubscription) error
	ListPushSubscriptions(ctx context.Context, customerID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
	Ping(ctx context.Context) error
	Close() error
}

func (f TokenFilter) Matches(token models.Token) bool {
	if len(f.Statuses) > 0 && !contains(f.Statuses, token.Status) {
		return false
	}
	if len(f.ServiceTypes) > 0 && !contains(f.ServiceTypes, token.ServiceType) {
		return false
	}
	if f.CustomerID != "" && token.CustomerID != f.CustomerID {
		return false
	}
	if !f.From.IsZero() && token.GeneratedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !token.GeneratedAt.Before(f.To) {
		return false
	}
	return true
}

func contains(values []string, value string) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}
