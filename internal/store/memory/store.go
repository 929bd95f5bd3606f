package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"
)

type sequenceKey struct {
	serviceType string
	day         string
}

type Store struct {
	mu            sync.RWMutex
	tokens        map[string]models.Token
	counters      map[int]models.Counter
	sequences     map[sequenceKey]int
	subscriptions map[string]models.PushSubscription
}

func NewStore() *Store {
	return &Store{
		tokens:        make(map[string]models.Token),
		counters:      make(map[int]models.Counter),
		sequences:     make(map[sequenceKey]int),
		subscriptions: make(map[string]models.PushSubscription),
	}
}

func (s *Store) Apply(ctx context.Context, t store.Transition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Token != nil {
		current, exists := s.tokens[t.Token.TokenID]
		if err := checkVersion(exists, current.Version, t.Token.Version); err != nil {
			return err
		}
	}
	if t.Counter != nil {
		current, exists := s.counters[t.Counter.CounterNumber]
		if err := checkVersion(exists, current.Version, t.Counter.Version); err != nil {
			return err
		}
	}

	if t.Token != nil {
		s.tokens[t.Token.TokenID] = copyToken(*t.Token)
	}
	if t.Counter != nil {
		s.counters[t.Counter.CounterNumber] = copyCounter(*t.Counter)
	}
	return nil
}

func checkVersion(exists bool, stored, next int64) error {
	if next == 1 {
		if exists {
			return store.ErrVersionConflict
		}
		return nil
	}
	if !exists || stored != next-1 {
		return store.ErrVersionConflict
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	return copyToken(token), nil
}

func (s *Store) ListTokens(ctx context.Context, filter store.TokenFilter) ([]models.Token, error) {
	s.mu.RLock()
	var tokens []models.Token
	for _, token := range s.tokens {
		if filter.Matches(token) {
			tokens = append(tokens, copyToken(token))
		}
	}
	s.mu.RUnlock()

	sort.Slice(tokens, func(i, j int) bool {
		a, b := tokens[i], tokens[j]
		if !a.GeneratedAt.Equal(b.GeneratedAt) {
			if filter.Newest {
				return a.GeneratedAt.After(b.GeneratedAt)
			}
			return a.GeneratedAt.Before(b.GeneratedAt)
		}
		return a.TokenID < b.TokenID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(tokens) {
			return nil, nil
		}
		tokens = tokens[filter.Offset:]
	}
	if filter.Limit > 0 && len(tokens) > filter.Limit {
		tokens = tokens[:filter.Limit]
	}
	return tokens, nil
}

func (s *Store) CountTokens(ctx context.Context, filter store.TokenFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, token := range s.tokens {
		if filter.Matches(token) {
			count++
		}
	}
	return count, nil
}

func (s *Store) NextTokenNumber(ctx context.Context, serviceType, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sequenceKey{serviceType: serviceType, day: day}
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *Store) GetCounter(ctx context.Context, counterNumber int) (models.Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counter, ok := s.counters[counterNumber]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return copyCounter(counter), nil
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	s.mu.RLock()
	counters := make([]models.Counter, 0, len(s.counters))
	for _, counter := range s.counters {
		counters = append(counters, copyCounter(counter))
	}
	s.mu.RUnlock()
	sort.Slice(counters, func(i, j int) bool {
		return counters[i].CounterNumber < counters[j].CounterNumber
	})
	return counters, nil
}

func (s *Store) SavePushSubscription(ctx context.Context, sub models.PushSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.Endpoint] = sub
	return nil
}

func (s *Store) ListPushSubscriptions(ctx context.Context, customerID string) ([]models.PushSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var subs []models.PushSubscription
	for _, sub := range s.subscriptions {
		if sub.CustomerID == customerID {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Endpoint < subs[j].Endpoint })
	return subs, nil
}

func (s *Store) DeletePushSubscription(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, endpoint)
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}

func copyToken(token models.Token) models.Token {
	if token.CounterNumber != nil {
		n := *token.CounterNumber
		token.CounterNumber = &n
	}
	token.CalledAt = copyTime(token.CalledAt)
	token.CompletedAt = copyTime(token.CompletedAt)
	token.CancelledAt = copyTime(token.CancelledAt)
	return token
}

func copyCounter(counter models.Counter) models.Counter {
	counter.ServiceTypes = append([]string(nil), counter.ServiceTypes...)
	return counter
}

func copyTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	t := *value
	return &t
}
