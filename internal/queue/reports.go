package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

type ServiceStatistics struct {
	Total                 int `json:"total"`
	Waiting               int `json:"waiting"`
	Called                int `json:"called"`
	Completed             int `json:"completed"`
	Cancelled             int `json:"cancelled"`
	AverageServiceSeconds int `json:"average_service_seconds"`
}

type Statistics struct {
	Day       string                       `json:"day"`
	Total     int                          `json:"total"`
	ByStatus  map[string]int               `json:"by_status"`
	ByService map[string]ServiceStatistics `json:"by_service"`
}

type History struct {
	Tokens  []models.Token `json:"tokens"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
	Total   int            `json:"total"`
}

type Dashboard struct {
	Waiting               int              `json:"waiting"`
	InProgress            int              `json:"in_progress"`
	CompletedToday        int              `json:"completed_today"`
	CancelledToday        int              `json:"cancelled_today"`
	AverageServiceSeconds int              `json:"average_service_seconds"`
	WaitingByService      map[string]int   `json:"waiting_by_service"`
	Counters              []models.Counter `json:"counters"`
}

// Statistics summarises tokens generated on the branch-local day containing day.
func (s *TokenStore) Statistics(ctx context.Context, day time.Time) (Statistics, error) {
	from, to := s.dayBounds(day)
	tokens, err := s.repo.ListTokens(ctx, store.TokenFilter{From: from, To: to})
	if err != nil {
		return Statistics{}, store.Unavailable("statistics", err)
	}

	stats := Statistics{
		Day:       from.Format("2006-01-02"),
		Total:     len(tokens),
		ByStatus:  map[string]int{},
		ByService: map[string]ServiceStatistics{},
	}
	served := map[string][]time.Duration{}
	for _, token := range tokens {
		stats.ByStatus[token.Status]++
		entry := stats.ByService[token.ServiceType]
		entry.Total++
		switch token.Status {
		case models.StatusWaiting:
			entry.Waiting++
		case models.StatusCalled:
			entry.Called++
		case models.StatusCompleted:
			entry.Completed++
			if d, ok := serviceTime(token); ok {
				served[token.ServiceType] = append(served[token.ServiceType], d)
			}
		case models.StatusCancelled:
			entry.Cancelled++
		}
		stats.ByService[token.ServiceType] = entry
	}
	for serviceType, samples := range served {
		entry := stats.ByService[serviceType]
		entry.AverageServiceSeconds = meanSeconds(samples)
		stats.ByService[serviceType] = entry
	}
	return stats, nil
}

// CustomerHistory pages through a customer's tokens, newest first.
func (s *TokenStore) CustomerHistory(ctx context.Context, customerID string, page, perPage int) (History, error) {
	if customerID == "" {
		return History{}, fmt.Errorf("%w: customer_id is required", store.ErrInvalidRequest)
	}
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	filter := store.TokenFilter{CustomerID: customerID}
	total, err := s.repo.CountTokens(ctx, filter)
	if err != nil {
		return History{}, store.Unavailable("customer_history", err)
	}
	filter.Newest = true
	filter.Limit = perPage
	filter.Offset = (page - 1) * perPage
	tokens, err := s.repo.ListTokens(ctx, filter)
	if err != nil {
		return History{}, store.Unavailable("customer_history", err)
	}
	if tokens == nil {
		tokens = []models.Token{}
	}
	return History{Tokens: tokens, Page: page, PerPage: perPage, Total: total}, nil
}

func (s *TokenStore) Dashboard(ctx context.Context) (Dashboard, error) {
	active, err := s.repo.ListTokens(ctx, store.TokenFilter{Statuses: models.ActiveStatuses()})
	if err != nil {
		return Dashboard{}, store.Unavailable("dashboard", err)
	}
	from, to := s.dayBounds(s.now())
	finished, err := s.repo.ListTokens(ctx, store.TokenFilter{
		Statuses: models.TerminalStatuses(),
		From:     from,
		To:       to,
	})
	if err != nil {
		return Dashboard{}, store.Unavailable("dashboard", err)
	}
	counters, err := s.repo.ListCounters(ctx)
	if err != nil {
		return Dashboard{}, store.Unavailable("dashboard", err)
	}

	dash := Dashboard{WaitingByService: map[string]int{}, Counters: counters}
	for _, token := range active {
		switch {
		case token.Status == models.StatusWaiting:
			dash.Waiting++
			dash.WaitingByService[token.ServiceType]++
		case token.Active():
			dash.InProgress++
		}
	}
	var samples []time.Duration
	for _, token := range finished {
		if token.Status == models.StatusCancelled {
			dash.CancelledToday++
			continue
		}
		dash.CompletedToday++
		if d, ok := serviceTime(token); ok {
			samples = append(samples, d)
		}
	}
	dash.AverageServiceSeconds = meanSeconds(samples)
	return dash, nil
}

// SweepStale cancels every active token generated before the start of the
// branch-local day containing now.
func (s *TokenStore) SweepStale(ctx context.Context, now time.Time) (int, error) {
	startOfDay, _ := s.dayBounds(now)
	stale, err := s.repo.ListTokens(ctx, store.TokenFilter{
		Statuses: models.ActiveStatuses(),
		To:       startOfDay,
	})
	if err != nil {
		return 0, store.Unavailable("sweep", err)
	}

	swept := 0
	var errs error
	for _, token := range stale {
		if _, err := s.Cancel(ctx, CancelInput{TokenID: token.TokenID, Reason: models.CancelEndOfDay}); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			errs = errors.Join(errs, err)
			continue
		}
		swept++
	}
	if swept > 0 || errs != nil {
		s.logger.Info("stale tokens swept", zap.Int("count", swept), zap.Int("candidates", len(stale)), zap.Error(errs))
	}
	return swept, errs
}

// StartSweeper schedules SweepStale on a cron spec in the branch timezone.
// The caller stops the returned scheduler.
func (s *TokenStore) StartSweeper(spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(s.location))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.SweepStale(ctx, s.now()); err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

func (s *TokenStore) dayBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(s.location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location)
	return start, start.AddDate(0, 0, 1)
}

func serviceTime(token models.Token) (time.Duration, bool) {
	if token.CalledAt == nil || token.CompletedAt == nil {
		return 0, false
	}
	return token.CompletedAt.Sub(*token.CalledAt), true
}

func meanSeconds(samples []time.Duration) int {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return int((sum / time.Duration(len(samples))).Round(time.Second) / time.Second)
}
