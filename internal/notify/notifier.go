package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"qms/branch-queue/internal/dispatch"
	"qms/branch-queue/internal/models"
)

// NotificationSender sends one web push message.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

type WebPushSender struct{}

func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

type Subscriptions interface {
	ListPushSubscriptions(ctx context.Context, customerID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

type Options struct {
	Subscriptions Subscriptions
	Sender        NotificationSender
	VAPIDPublic   string
	VAPIDPrivate  string
	Subject       string
	Workers       int
	Logger        *zap.Logger
}

type job struct {
	customerID string
	event      models.Event
}

// Notifier pushes a "your token was called" message to the customer's browsers.
type Notifier struct {
	subs    Subscriptions
	sender  NotificationSender
	options *webpush.Options
	workers int
	jobs    chan job
	logger  *zap.Logger
	wg      sync.WaitGroup
}

type pushPayload struct {
	Title         string `json:"title"`
	Body          string `json:"body"`
	TokenID       string `json:"token_id"`
	TokenNumber   string `json:"token_number"`
	CounterNumber int    `json:"counter_number,omitempty"`
}

func New(opts Options) *Notifier {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Sender == nil {
		opts.Sender = &WebPushSender{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Notifier{
		subs:   opts.Subscriptions,
		sender: opts.Sender,
		options: &webpush.Options{
			Subscriber:      opts.Subject,
			VAPIDPublicKey:  opts.VAPIDPublic,
			VAPIDPrivateKey: opts.VAPIDPrivate,
			TTL:             300,
			Urgency:         webpush.UrgencyHigh,
		},
		workers: opts.Workers,
		jobs:    make(chan job, opts.Workers*16),
		logger:  opts.Logger,
	}
}

// Start launches the worker pool and follows the staff room until ctx ends.
func (n *Notifier) Start(ctx context.Context, bus *dispatch.Bus) {
	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go n.worker(ctx, i)
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		dispatch.Follow(ctx, bus, models.RoomStaff, n.Handle, n.logger)
	}()
}

// Wait blocks until the follower and every worker have stopped.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Handle queues a push for token.called events; everything else is ignored.
func (n *Notifier) Handle(ctx context.Context, event models.Event) error {
	if event.Type != models.EventTokenCalled {
		return nil
	}
	customerID := customerFromRooms(event.Rooms)
	if customerID == "" {
		return nil
	}
	select {
	case n.jobs <- job{customerID: customerID, event: event}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) worker(ctx context.Context, id int) {
	defer n.wg.Done()
	for {
		select {
		case j := <-n.jobs:
			n.deliver(ctx, j)
		case <-ctx.Done():
			n.logger.Debug("push worker stopped", zap.Int("worker", id))
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, j job) {
	subs, err := n.subs.ListPushSubscriptions(ctx, j.customerID)
	if err != nil {
		n.logger.Warn("list push subscriptions failed", zap.String("customer_id", j.customerID), zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(message(j.event))
	if err != nil {
		return
	}
	for _, sub := range subs {
		n.send(ctx, sub, payload)
	}
}

func (n *Notifier) send(ctx context.Context, sub models.PushSubscription, payload []byte) {
	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}
	resp, err := n.sender.Send(payload, target, n.options)
	if err != nil {
		n.logger.Warn("web push failed", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusGone, http.StatusNotFound:
		n.logger.Info("push subscription expired", zap.String("endpoint", sub.Endpoint))
		if err := n.subs.DeletePushSubscription(ctx, sub.Endpoint); err != nil {
			n.logger.Warn("delete expired subscription failed", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	default:
		if resp.StatusCode >= http.StatusBadRequest {
			n.logger.Warn("push service rejected message", zap.String("endpoint", sub.Endpoint), zap.Int("status", resp.StatusCode))
		}
	}
}

func message(event models.Event) pushPayload {
	p := pushPayload{
		Title:       "Your token was called",
		TokenID:     event.TokenID,
		TokenNumber: event.TokenNumber,
		Body:        fmt.Sprintf("Token %s, please proceed to the counter.", event.TokenNumber),
	}
	if event.CounterNumber != nil {
		p.CounterNumber = *event.CounterNumber
		p.Body = fmt.Sprintf("Token %s, please proceed to counter %d.", event.TokenNumber, *event.CounterNumber)
	}
	return p
}

func customerFromRooms(rooms []string) string {
	prefix := models.RoleCustomer + ":"
	for _, room := range rooms {
		if strings.HasPrefix(room, prefix) {
			return strings.TrimPrefix(room, prefix)
		}
	}
	return ""
}
