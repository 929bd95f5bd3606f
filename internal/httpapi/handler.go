package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"qms/branch-queue/internal/logger"
	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/queue"
	"qms/branch-queue/internal/store"
)

type TokenService interface {
	Create(ctx context.Context, input queue.CreateInput) (models.Token, error)
	Call(ctx context.Context, input queue.CallInput) (models.Token, error)
	Complete(ctx context.Context, tokenID string) (models.Token, error)
	Cancel(ctx context.Context, input queue.CancelInput) (models.Token, error)
	CallNext(ctx context.Context, counterNumber int, servedBy string) (models.Token, bool, error)
	Get(ctx context.Context, tokenID string) (models.Token, error)
	ListWaiting(ctx context.Context, serviceType string) ([]models.Token, error)
	RegisterCounter(ctx context.Context, counterNumber int, serviceTypes []string) (models.Counter, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
	CustomerHistory(ctx context.Context, customerID string, page, perPage int) (queue.History, error)
	Statistics(ctx context.Context, day time.Time) (queue.Statistics, error)
	Dashboard(ctx context.Context) (queue.Dashboard, error)
}

type PushRegistry interface {
	SavePushSubscription(ctx context.Context, sub models.PushSubscription) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Tokens             TokenService
	Push               PushRegistry
	Health             Pinger
	Realtime           http.Handler
	VAPIDPublicKey     string
	TrustQueryIdentity bool
	RateLimit          RateLimitConfig
	Location           *time.Location
	Logger             *zap.Logger
}

type Handler struct {
	tokens             TokenService
	push               PushRegistry
	health             Pinger
	realtime           http.Handler
	vapidPublicKey     string
	trustQueryIdentity bool
	limiter            *RateLimiter
	location           *time.Location
	logger             *zap.Logger
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createTokenRequest struct {
	CustomerID  string `json:"customer_id"`
	ServiceType string `json:"service_type"`
	Priority    string `json:"priority"`
	Notes       string `json:"notes"`
}

type callRequest struct {
	CounterNumber int `json:"counter_number"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type counterRequest struct {
	ServiceTypes []string `json:"service_types"`
}

type pushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256DH string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Handler{
		tokens:             opts.Tokens,
		push:               opts.Push,
		health:             opts.Health,
		realtime:           opts.Realtime,
		vapidPublicKey:     opts.VAPIDPublicKey,
		trustQueryIdentity: opts.TrustQueryIdentity,
		limiter:            NewRateLimiter(opts.RateLimit),
		location:           opts.Location,
		logger:             opts.Logger,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(LoggingMiddleware(h.logger))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", expvar.Handler())
	if h.realtime != nil {
		r.Handle("/realtime", h.realtime)
		r.Handle("/realtime/*", h.realtime)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.limiter.Middleware)
		r.Get("/api/push/vapid", h.handleVAPID)

		r.Group(func(r chi.Router) {
			r.Use(h.identityMiddleware)
			r.Route("/api/tokens", func(r chi.Router) {
				r.Post("/", h.handleCreateToken)
				r.Get("/", h.handleListWaiting)
				r.Get("/{id}", h.handleGetToken)
				r.Post("/{id}/call", h.handleCall)
				r.Post("/{id}/complete", h.handleComplete)
				r.Post("/{id}/cancel", h.handleCancel)
			})
			r.Route("/api/counters", func(r chi.Router) {
				r.Get("/", h.handleListCounters)
				r.Put("/{number}", h.handleRegisterCounter)
				r.Post("/{number}/call-next", h.handleCallNext)
			})
			r.Get("/api/customers/{id}/tokens", h.handleCustomerHistory)
			r.Get("/api/stats", h.handleStatistics)
			r.Get("/api/dashboard", h.handleDashboard)
			r.Post("/api/push/subscriptions", h.handlePushSubscription)
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			logger.WithRequestID(r.Context(), h.logger).Warn("health check failed", zap.Error(err))
			writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "unavailable", "storage unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, models.RoleCustomer, models.RoleStaff, models.RoleAdmin)
	if !ok {
		return
	}
	var req createTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	customerID := identity.UserID
	if identity.IsStaff() {
		customerID = strings.TrimSpace(req.CustomerID)
	} else if req.CustomerID != "" && req.CustomerID != identity.UserID {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "forbidden", "customers create tokens for themselves only")
		return
	}

	token, err := h.tokens.Create(r.Context(), queue.CreateInput{
		CustomerID:  customerID,
		ServiceType: strings.TrimSpace(req.ServiceType),
		Priority:    req.Priority,
		Notes:       req.Notes,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (h *Handler) handleListWaiting(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, models.RoleStaff, models.RoleAdmin); !ok {
		return
	}
	tokens, err := h.tokens.ListWaiting(r.Context(), strings.TrimSpace(r.URL.Query().Get("service_type")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if tokens == nil {
		tokens = []models.Token{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": tokens})
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	token, err := h.tokens.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !identity.CanView(token.CustomerID) {
		h.writeDomainError(w, r, store.ErrNotTokenOwner)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, models.RoleStaff, models.RoleAdmin)
	if !ok {
		return
	}
	var req callRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CounterNumber <= 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "counter_number is required")
		return
	}
	token, err := h.tokens.Call(r.Context(), queue.CallInput{
		TokenID:       chi.URLParam(r, "id"),
		CounterNumber: req.CounterNumber,
		ServedBy:      identity.UserID,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, models.RoleStaff, models.RoleAdmin); !ok {
		return
	}
	token, err := h.tokens.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, models.RoleCustomer, models.RoleStaff, models.RoleAdmin)
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	input := queue.CancelInput{TokenID: chi.URLParam(r, "id"), Reason: req.Reason}
	if identity.Role == models.RoleCustomer {
		input.CustomerID = identity.UserID
	}
	token, err := h.tokens.Cancel(r.Context(), input)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, models.RoleStaff, models.RoleAdmin)
	if !ok {
		return
	}
	number, ok := counterNumberParam(w, r)
	if !ok {
		return
	}
	token, found, err := h.tokens.CallNext(r.Context(), number, identity.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleListCounters(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, models.RoleStaff, models.RoleAdmin); !ok {
		return
	}
	counters, err := h.tokens.ListCounters(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"counters": counters})
}

func (h *Handler) handleRegisterCounter(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, models.RoleAdmin); !ok {
		return
	}
	number, ok := counterNumberParam(w, r)
	if !ok {
		return
	}
	var req counterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	counter, err := h.tokens.RegisterCounter(r.Context(), number, req.ServiceTypes)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counter)
}

func (h *Handler) handleCustomerHistory(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	customerID := chi.URLParam(r, "id")
	if !identity.CanView(customerID) {
		h.writeDomainError(w, r, store.ErrNotTokenOwner)
		return
	}
	page := parsePositiveInt(r.URL.Query().Get("page"), 1)
	perPage := parsePositiveInt(r.URL.Query().Get("per_page"), 0)
	history, err := h.tokens.CustomerHistory(r.Context(), customerID, page, perPage)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, models.RoleAdmin); !ok {
		return
	}
	day := time.Now().In(h.location)
	if raw := strings.TrimSpace(r.URL.Query().Get("day")); raw != "" {
		parsed, err := time.ParseInLocation("2006-01-02", raw, h.location)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "day must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	stats, err := h.tokens.Statistics(r.Context(), day)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, models.RoleStaff, models.RoleAdmin); !ok {
		return
	}
	dash, err := h.tokens.Dashboard(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (h *Handler) handlePushSubscription(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, models.RoleCustomer)
	if !ok {
		return
	}
	if h.push == nil {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "not_found", "push notifications are not configured")
		return
	}
	var req pushSubscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !strings.HasPrefix(req.Endpoint, "https://") || req.Keys.P256DH == "" || req.Keys.Auth == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "endpoint, keys.p256dh and keys.auth are required")
		return
	}
	sub := models.PushSubscription{
		Endpoint:   req.Endpoint,
		CustomerID: identity.UserID,
		P256DH:     req.Keys.P256DH,
		Auth:       req.Keys.Auth,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.push.SavePushSubscription(r.Context(), sub); err != nil {
		h.writeDomainError(w, r, store.Unavailable("save_push_subscription", err))
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) handleVAPID(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "not_found", "push notifications are not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.vapidPublicKey})
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		logger.WithRequestID(r.Context(), h.logger).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case store.IsNotFound(err):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, store.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden, "forbidden", err.Error()
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", err.Error()
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", err.Error()
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable, retry shortly"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func counterNumberParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "counter number must be a positive integer")
		return 0, false
	}
	return number, true
}

func parsePositiveInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func requestIDFromRequest(r *http.Request) string {
	if id := chimiddleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
