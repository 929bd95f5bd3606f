package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"qms/branch-queue/internal/config"
	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/scheduler"
	"qms/branch-queue/internal/store"
	"qms/branch-queue/internal/telemetry"
)

const (
	tokenNumberPad   = 3
	callNextAttempts = 3
)

type Publisher interface {
	Publish(event models.Event) models.Event
}

type Options struct {
	Repository  store.Repository
	Catalog     config.Catalog
	Durations   *scheduler.Durations
	Publisher   Publisher
	Location    *time.Location
	LockTimeout time.Duration
	AutoAdvance bool
	Now         func() time.Time
	Logger      *zap.Logger
}

type CreateInput struct {
	CustomerID  string
	ServiceType string
	Priority    string
	Notes       string
}

type CallInput struct {
	TokenID       string
	CounterNumber int
	ServedBy      string
}

// CancelInput with a CustomerID is a customer-initiated cancel and is checked
// against the token owner.
type CancelInput struct {
	TokenID    string
	CustomerID string
	Reason     string
}

// TokenStore owns the token state machine and counter assignment.
type TokenStore struct {
	repo        store.Repository
	catalog     config.Catalog
	durations   *scheduler.Durations
	publisher   Publisher
	location    *time.Location
	autoAdvance bool
	now         func() time.Time
	logger      *zap.Logger
	tracer      trace.Tracer
	locks       *keyedLocks

	mu        sync.Mutex
	estimates map[string]int
	waiting   map[string]int
}

func New(opts Options) *TokenStore {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Durations == nil {
		opts.Durations = scheduler.NewDurations(scheduler.DurationConfig{Defaults: opts.Catalog.DefaultDurations()}, opts.Logger)
	}
	if opts.Publisher == nil {
		opts.Publisher = discard{}
	}
	return &TokenStore{
		repo:        opts.Repository,
		catalog:     opts.Catalog,
		durations:   opts.Durations,
		publisher:   opts.Publisher,
		location:    opts.Location,
		autoAdvance: opts.AutoAdvance,
		now:         opts.Now,
		logger:      opts.Logger,
		tracer:      telemetry.Tracer(),
		locks:       newKeyedLocks(opts.LockTimeout),
		estimates:   make(map[string]int),
		waiting:     make(map[string]int),
	}
}

type discard struct{}

func (discard) Publish(event models.Event) models.Event { return event }

func (s *TokenStore) Create(ctx context.Context, input CreateInput) (token models.Token, err error) {
	ctx, span := s.startSpan(ctx, "create", attribute.String("service_type", input.ServiceType))
	defer func() { endSpan(span, err) }()

	customerID := strings.TrimSpace(input.CustomerID)
	if customerID == "" {
		return models.Token{}, fmt.Errorf("%w: customer_id is required", store.ErrInvalidRequest)
	}
	service, ok := s.catalog.Service(input.ServiceType)
	if !ok {
		return models.Token{}, fmt.Errorf("%w: %q", store.ErrUnknownService, input.ServiceType)
	}
	priority, ok := models.ParsePriority(input.Priority)
	if !ok {
		return models.Token{}, fmt.Errorf("%w: %q", store.ErrUnknownPriority, input.Priority)
	}

	release, err := s.locks.acquire(ctx, customerKey(customerID, service.Type), serviceKey(service.Type))
	if err != nil {
		return models.Token{}, err
	}
	defer release()

	active, err := s.repo.CountTokens(ctx, store.TokenFilter{
		CustomerID:   customerID,
		ServiceTypes: []string{service.Type},
		Statuses:     models.ActiveStatuses(),
	})
	if err != nil {
		return models.Token{}, store.Unavailable("create", err)
	}
	if active > 0 {
		return models.Token{}, store.ErrDuplicateActive
	}

	now := s.now()
	day := now.In(s.location).Format("20060102")
	seq, err := s.repo.NextTokenNumber(ctx, service.Type, day)
	if err != nil {
		return models.Token{}, store.Unavailable("create", err)
	}

	token = models.Token{
		TokenID:     uuid.NewString(),
		TokenNumber: fmt.Sprintf("%s-%s-%0*d", s.catalog.Prefix(service.Type), day, tokenNumberPad, seq),
		CustomerID:  customerID,
		ServiceType: service.Type,
		Priority:    priority,
		Status:      models.StatusWaiting,
		Notes:       strings.TrimSpace(input.Notes),
		GeneratedAt: now.UTC(),
		Version:     1,
	}

	waiting, err := s.waitingFor(ctx, service.Type)
	if err != nil {
		return models.Token{}, store.Unavailable("create", err)
	}
	waiting = append(waiting, token)
	token.EstimatedWaitSeconds = s.estimate(waiting)[token.TokenID]

	if err := s.repo.Apply(ctx, store.Transition{Token: &token}); err != nil {
		return models.Token{}, store.Unavailable("create", err)
	}

	s.mu.Lock()
	s.estimates[token.TokenID] = token.EstimatedWaitSeconds
	s.mu.Unlock()
	s.publish(models.TokenEvent(models.EventTokenCreated, token, now))
	s.publishQueue(ctx, service.Type, now)

	s.logger.Info("token created",
		zap.String("token_id", token.TokenID),
		zap.String("token_number", token.TokenNumber),
		zap.String("service_type", token.ServiceType),
		zap.String("priority", token.Priority.String()))
	return token, nil
}

func (s *TokenStore) Call(ctx context.Context, input CallInput) (token models.Token, err error) {
	ctx, span := s.startSpan(ctx, "call", attribute.String("token_id", input.TokenID), attribute.Int("counter_number", input.CounterNumber))
	defer func() { endSpan(span, err) }()

	release, err := s.locks.acquire(ctx, tokenKey(input.TokenID), counterKey(input.CounterNumber))
	if err != nil {
		return models.Token{}, err
	}
	defer release()

	current, err := s.repo.GetToken(ctx, input.TokenID)
	if err != nil {
		return models.Token{}, store.Unavailable("call", err)
	}
	if !store.ValidTransition(store.ActionCall, current.Status) {
		return models.Token{}, stateConflict(current)
	}

	counter, err := s.repo.GetCounter(ctx, input.CounterNumber)
	if err != nil {
		return models.Token{}, store.Unavailable("call", err)
	}
	if !counter.Handles(current.ServiceType) {
		return models.Token{}, fmt.Errorf("%w: counter %d does not handle %s", store.ErrInvalidRequest, counter.CounterNumber, current.ServiceType)
	}
	if counter.State == models.CounterBusy {
		return models.Token{}, fmt.Errorf("%w: counter %d is serving token %s", store.ErrCounterBusy, counter.CounterNumber, counter.CurrentTokenID)
	}

	release2, err := s.locks.acquire(ctx, serviceKey(current.ServiceType))
	if err != nil {
		return models.Token{}, err
	}
	defer release2()

	now := s.now()
	calledAt := now.UTC()
	number := counter.CounterNumber
	token = current
	token.Status = store.TargetStatus(store.ActionCall)
	token.CounterNumber = &number
	token.CalledAt = &calledAt
	token.ServedBy = input.ServedBy
	token.EstimatedWaitSeconds = 0
	token.Version++

	counter.State = models.CounterBusy
	counter.CurrentTokenID = token.TokenID
	counter.UpdatedAt = calledAt
	counter.Version++

	if err := s.repo.Apply(ctx, store.Transition{Token: &token, Counter: &counter}); err != nil {
		return models.Token{}, store.Unavailable("call", err)
	}

	s.forgetEstimate(token.TokenID)
	s.publish(models.TokenEvent(models.EventTokenCalled, token, now))
	s.publish(models.CounterEvent(counter, now))
	s.publishQueue(ctx, token.ServiceType, now)

	s.logger.Info("token called",
		zap.String("token_id", token.TokenID),
		zap.String("token_number", token.TokenNumber),
		zap.Int("counter_number", number))
	return token, nil
}

func (s *TokenStore) Complete(ctx context.Context, tokenID string) (token models.Token, err error) {
	ctx, span := s.startSpan(ctx, "complete", attribute.String("token_id", tokenID))
	defer func() { endSpan(span, err) }()

	token, counterNumber, err := s.complete(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	if s.autoAdvance && counterNumber > 0 {
		next, ok, err := s.CallNext(ctx, counterNumber, token.ServedBy)
		switch {
		case err != nil:
			s.logger.Warn("auto advance failed", zap.Int("counter_number", counterNumber), zap.Error(err))
		case ok:
			s.logger.Debug("auto advanced", zap.Int("counter_number", counterNumber), zap.String("token_id", next.TokenID))
		}
	}
	return token, nil
}

func (s *TokenStore) complete(ctx context.Context, tokenID string) (models.Token, int, error) {
	releaseToken, err := s.locks.acquire(ctx, tokenKey(tokenID))
	if err != nil {
		return models.Token{}, 0, err
	}
	defer releaseToken()

	current, err := s.repo.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, 0, store.Unavailable("complete", err)
	}
	if !store.ValidTransition(store.ActionComplete, current.Status) {
		return models.Token{}, 0, stateConflict(current)
	}

	counterNumber := 0
	if current.CounterNumber != nil {
		counterNumber = *current.CounterNumber
	}
	releaseRest, err := s.locks.acquire(ctx, counterKey(counterNumber), serviceKey(current.ServiceType))
	if err != nil {
		return models.Token{}, 0, err
	}
	defer releaseRest()

	now := s.now()
	completedAt := now.UTC()
	token := current
	token.Status = store.TargetStatus(store.ActionComplete)
	token.CompletedAt = &completedAt
	token.Version++

	transition := store.Transition{Token: &token}
	counter, freed, err := s.freeCounter(ctx, counterNumber, token.TokenID, completedAt)
	if err != nil {
		return models.Token{}, 0, store.Unavailable("complete", err)
	}
	if freed {
		transition.Counter = &counter
	}
	if err := s.repo.Apply(ctx, transition); err != nil {
		return models.Token{}, 0, store.Unavailable("complete", err)
	}

	if token.CalledAt != nil {
		s.durations.Observe(token.ServiceType, completedAt.Sub(*token.CalledAt))
	}

	s.publish(models.TokenEvent(models.EventTokenCompleted, token, now))
	if freed {
		s.publish(models.CounterEvent(counter, now))
	}
	s.publishQueue(ctx, token.ServiceType, now)

	s.logger.Info("token completed",
		zap.String("token_id", token.TokenID),
		zap.String("token_number", token.TokenNumber),
		zap.Int("counter_number", counterNumber))
	return token, counterNumber, nil
}

func (s *TokenStore) Cancel(ctx context.Context, input CancelInput) (token models.Token, err error) {
	ctx, span := s.startSpan(ctx, "cancel", attribute.String("token_id", input.TokenID))
	defer func() { endSpan(span, err) }()

	reason, err := cancelReason(input)
	if err != nil {
		return models.Token{}, err
	}

	releaseToken, err := s.locks.acquire(ctx, tokenKey(input.TokenID))
	if err != nil {
		return models.Token{}, err
	}
	defer releaseToken()

	current, err := s.repo.GetToken(ctx, input.TokenID)
	if err != nil {
		return models.Token{}, store.Unavailable("cancel", err)
	}
	if input.CustomerID != "" && current.CustomerID != input.CustomerID {
		return models.Token{}, store.ErrNotTokenOwner
	}
	if !store.ValidTransition(store.ActionCancel, current.Status) {
		return models.Token{}, stateConflict(current)
	}
	if input.CustomerID != "" && current.Status != models.StatusWaiting {
		return models.Token{}, fmt.Errorf("%w: token %s is already being served", store.ErrConflict, current.TokenNumber)
	}

	keys := make([]string, 0, 2)
	counterNumber := 0
	if current.CounterNumber != nil {
		counterNumber = *current.CounterNumber
		keys = append(keys, counterKey(counterNumber))
	}
	keys = append(keys, serviceKey(current.ServiceType))
	releaseRest, err := s.locks.acquire(ctx, keys...)
	if err != nil {
		return models.Token{}, err
	}
	defer releaseRest()

	now := s.now()
	cancelledAt := now.UTC()
	token = current
	token.Status = store.TargetStatus(store.ActionCancel)
	token.CancelReason = reason
	// called_at and counter_number only describe called or completed tokens.
	token.CalledAt = nil
	token.CounterNumber = nil
	token.CancelledAt = &cancelledAt
	token.EstimatedWaitSeconds = 0
	token.Version++

	transition := store.Transition{Token: &token}
	var counter models.Counter
	freed := false
	if counterNumber > 0 {
		counter, freed, err = s.freeCounter(ctx, counterNumber, token.TokenID, cancelledAt)
		if err != nil {
			return models.Token{}, store.Unavailable("cancel", err)
		}
		if freed {
			transition.Counter = &counter
		}
	}
	if err := s.repo.Apply(ctx, transition); err != nil {
		return models.Token{}, store.Unavailable("cancel", err)
	}

	s.forgetEstimate(token.TokenID)
	s.publish(models.TokenEvent(models.EventTokenCancelled, token, now))
	if freed {
		s.publish(models.CounterEvent(counter, now))
	}
	s.publishQueue(ctx, token.ServiceType, now)

	s.logger.Info("token cancelled",
		zap.String("token_id", token.TokenID),
		zap.String("token_number", token.TokenNumber),
		zap.String("reason", reason))
	return token, nil
}

// CallNext calls the head of the counter's queue. Selection is retried only
// when another counter called the selected token first.
func (s *TokenStore) CallNext(ctx context.Context, counterNumber int, servedBy string) (token models.Token, found bool, err error) {
	ctx, span := s.startSpan(ctx, "call_next", attribute.Int("counter_number", counterNumber))
	defer func() { endSpan(span, err) }()

	for attempt := 1; attempt <= callNextAttempts; attempt++ {
		counter, err := s.repo.GetCounter(ctx, counterNumber)
		if err != nil {
			return models.Token{}, false, store.Unavailable("call_next", err)
		}
		if counter.State == models.CounterBusy {
			return models.Token{}, false, fmt.Errorf("%w: counter %d is serving token %s", store.ErrCounterBusy, counter.CounterNumber, counter.CurrentTokenID)
		}

		waiting, err := s.repo.ListTokens(ctx, store.TokenFilter{
			Statuses:     []string{models.StatusWaiting},
			ServiceTypes: counter.ServiceTypes,
		})
		if err != nil {
			return models.Token{}, false, store.Unavailable("call_next", err)
		}
		head, ok := scheduler.Select(waiting, counter)
		if !ok {
			return models.Token{}, false, nil
		}

		token, err = s.Call(ctx, CallInput{TokenID: head.TokenID, CounterNumber: counterNumber, ServedBy: servedBy})
		if err == nil {
			return token, true, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return models.Token{}, false, err
		}
		s.logger.Debug("call next lost race", zap.Int("counter_number", counterNumber), zap.String("token_id", head.TokenID), zap.Int("attempt", attempt))
	}
	return models.Token{}, false, fmt.Errorf("%w: counter %d lost the race for the queue head %d times", store.ErrConflict, counterNumber, callNextAttempts)
}

// Get returns the token with a freshly computed estimate when it is waiting.
func (s *TokenStore) Get(ctx context.Context, tokenID string) (models.Token, error) {
	token, err := s.repo.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, store.Unavailable("get", err)
	}
	if token.Status != models.StatusWaiting {
		token.EstimatedWaitSeconds = 0
		return token, nil
	}
	waiting, err := s.waitingFor(ctx, token.ServiceType)
	if err != nil {
		return models.Token{}, store.Unavailable("get", err)
	}
	token.EstimatedWaitSeconds = s.estimate(waiting)[token.TokenID]
	return token, nil
}

// ListWaiting returns waiting tokens in selection order with their estimates.
func (s *TokenStore) ListWaiting(ctx context.Context, serviceType string) ([]models.Token, error) {
	filter := store.TokenFilter{Statuses: []string{models.StatusWaiting}}
	if serviceType != "" {
		if _, ok := s.catalog.Service(serviceType); !ok {
			return nil, fmt.Errorf("%w: %q", store.ErrUnknownService, serviceType)
		}
		filter.ServiceTypes = []string{serviceType}
	}
	waiting, err := s.repo.ListTokens(ctx, filter)
	if err != nil {
		return nil, store.Unavailable("list_waiting", err)
	}
	estimates := s.estimate(waiting)
	ordered := scheduler.Order(waiting)
	for i := range ordered {
		ordered[i].EstimatedWaitSeconds = estimates[ordered[i].TokenID]
	}
	return ordered, nil
}

// RegisterCounter creates a counter or replaces the service types it handles.
func (s *TokenStore) RegisterCounter(ctx context.Context, counterNumber int, serviceTypes []string) (counter models.Counter, err error) {
	ctx, span := s.startSpan(ctx, "register_counter", attribute.Int("counter_number", counterNumber))
	defer func() { endSpan(span, err) }()

	if counterNumber <= 0 {
		return models.Counter{}, fmt.Errorf("%w: counter number must be positive", store.ErrInvalidRequest)
	}
	if len(serviceTypes) == 0 {
		return models.Counter{}, fmt.Errorf("%w: counter %d must handle at least one service type", store.ErrInvalidRequest, counterNumber)
	}
	handled := make([]string, 0, len(serviceTypes))
	seen := make(map[string]bool, len(serviceTypes))
	for _, st := range serviceTypes {
		if _, ok := s.catalog.Service(st); !ok {
			return models.Counter{}, fmt.Errorf("%w: %q", store.ErrUnknownService, st)
		}
		if !seen[st] {
			seen[st] = true
			handled = append(handled, st)
		}
	}

	release, err := s.locks.acquire(ctx, counterKey(counterNumber))
	if err != nil {
		return models.Counter{}, err
	}
	defer release()

	now := s.now()
	counter, err = s.repo.GetCounter(ctx, counterNumber)
	switch {
	case errors.Is(err, store.ErrCounterNotFound):
		counter = models.Counter{CounterNumber: counterNumber, State: models.CounterFree}
	case err != nil:
		return models.Counter{}, store.Unavailable("register_counter", err)
	}
	counter.ServiceTypes = handled
	counter.UpdatedAt = now.UTC()
	counter.Version++

	if err := s.repo.Apply(ctx, store.Transition{Counter: &counter}); err != nil {
		return models.Counter{}, store.Unavailable("register_counter", err)
	}
	s.publish(models.CounterEvent(counter, now))
	s.logger.Info("counter registered", zap.Int("counter_number", counterNumber), zap.Strings("service_types", handled))
	return counter, nil
}

func (s *TokenStore) ListCounters(ctx context.Context) ([]models.Counter, error) {
	counters, err := s.repo.ListCounters(ctx)
	if err != nil {
		return nil, store.Unavailable("list_counters", err)
	}
	return counters, nil
}

// SeedCounters registers every catalog counter that does not exist yet.
func (s *TokenStore) SeedCounters(ctx context.Context) error {
	for _, spec := range s.catalog.Counters {
		_, err := s.repo.GetCounter(ctx, spec.Number)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrCounterNotFound) {
			return store.Unavailable("seed_counters", err)
		}
		if _, err := s.RegisterCounter(ctx, spec.Number, spec.Services); err != nil {
			return err
		}
	}
	return nil
}

func (s *TokenStore) freeCounter(ctx context.Context, counterNumber int, tokenID string, at time.Time) (models.Counter, bool, error) {
	if counterNumber <= 0 {
		return models.Counter{}, false, nil
	}
	counter, err := s.repo.GetCounter(ctx, counterNumber)
	if errors.Is(err, store.ErrCounterNotFound) {
		return models.Counter{}, false, nil
	}
	if err != nil {
		return models.Counter{}, false, err
	}
	if counter.CurrentTokenID != tokenID {
		s.logger.Warn("counter not holding token", zap.Int("counter_number", counterNumber), zap.String("token_id", tokenID), zap.String("current_token_id", counter.CurrentTokenID))
		return counter, false, nil
	}
	counter.State = models.CounterFree
	counter.CurrentTokenID = ""
	counter.UpdatedAt = at
	counter.Version++
	return counter, true, nil
}

func (s *TokenStore) waitingFor(ctx context.Context, serviceType string) ([]models.Token, error) {
	return s.repo.ListTokens(ctx, store.TokenFilter{
		Statuses:     []string{models.StatusWaiting},
		ServiceTypes: []string{serviceType},
	})
}

func (s *TokenStore) estimate(waiting []models.Token) map[string]int {
	return scheduler.Estimates(waiting, s.durations.AverageSeconds)
}

func (s *TokenStore) publish(event models.Event) {
	s.publisher.Publish(event)
}

// publishQueue emits queue.updated when the waiting count moved and a
// token.estimate for every waiting token whose estimate changed. Callers hold
// the service lock.
func (s *TokenStore) publishQueue(ctx context.Context, serviceType string, now time.Time) {
	waiting, err := s.waitingFor(ctx, serviceType)
	if err != nil {
		s.logger.Warn("derived events skipped", zap.String("service_type", serviceType), zap.Error(err))
		return
	}
	estimates := s.estimate(waiting)

	s.mu.Lock()
	countChanged := s.waiting[serviceType] != len(waiting)
	s.waiting[serviceType] = len(waiting)
	var changed []models.Token
	for _, token := range scheduler.Order(waiting) {
		seconds := estimates[token.TokenID]
		if previous, ok := s.estimates[token.TokenID]; ok && previous == seconds {
			continue
		}
		s.estimates[token.TokenID] = seconds
		token.EstimatedWaitSeconds = seconds
		changed = append(changed, token)
	}
	s.mu.Unlock()

	if countChanged {
		s.publish(models.QueueEvent(serviceType, len(waiting), now))
	}
	for _, token := range changed {
		s.publish(models.TokenEvent(models.EventTokenEstimate, token, now))
	}
}

func (s *TokenStore) forgetEstimate(tokenID string) {
	s.mu.Lock()
	delete(s.estimates, tokenID)
	s.mu.Unlock()
}

func (s *TokenStore) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "queue."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func stateConflict(token models.Token) error {
	switch {
	case token.Status == models.StatusCalled:
		counter := 0
		if token.CounterNumber != nil {
			counter = *token.CounterNumber
		}
		return fmt.Errorf("%w: token %s already called at counter %d", store.ErrConflict, token.TokenNumber, counter)
	case token.Status == models.StatusWaiting:
		return fmt.Errorf("%w: token %s has not been called", store.ErrConflict, token.TokenNumber)
	case models.IsTerminal(token.Status):
		return fmt.Errorf("%w: token %s already %s", store.ErrConflict, token.TokenNumber, token.Status)
	default:
		return fmt.Errorf("%w: token %s has unknown status %q", store.ErrConflict, token.TokenNumber, token.Status)
	}
}

func cancelReason(input CancelInput) (string, error) {
	reason := strings.TrimSpace(input.Reason)
	if input.CustomerID != "" {
		if reason != "" && reason != models.CancelByCustomer {
			return "", fmt.Errorf("%w: customers cancel with reason %q only", store.ErrInvalidRequest, models.CancelByCustomer)
		}
		return models.CancelByCustomer, nil
	}
	switch reason {
	case "":
		return models.CancelNoShow, nil
	case models.CancelByCustomer, models.CancelNoShow, models.CancelEndOfDay:
		return reason, nil
	default:
		return "", fmt.Errorf("%w: unknown cancel reason %q", store.ErrInvalidRequest, reason)
	}
}
