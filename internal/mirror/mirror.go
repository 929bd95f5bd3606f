package mirror

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"qms/branch-queue/internal/dispatch"
	"qms/branch-queue/internal/models"
)

var (
	mirroredTotal = expvar.NewInt("mirror_events_published_total")
	bufferedTotal = expvar.NewInt("mirror_events_buffered_total")
)

type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher parses url, connects and pings.
func NewRedisPublisher(url string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisPublisher{client: client}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

type Options struct {
	Publisher  Publisher
	Buffer     *Buffer
	Channel    string
	DrainEvery time.Duration
	BatchSize  int
	Logger     *zap.Logger
}

// Mirror republishes every staff-room event on a Redis channel for consumers
// outside the process. Events that cannot be published are parked in the
// buffer and drained in sequence order.
type Mirror struct {
	publisher Publisher
	buffer    *Buffer
	channel   string
	batchSize int
	logger    *zap.Logger
	cron      *cron.Cron

	mu sync.Mutex
	wg sync.WaitGroup
}

func New(opts Options) (*Mirror, error) {
	if opts.Channel == "" {
		opts.Channel = "branch-queue.events"
	}
	if opts.DrainEvery <= 0 {
		opts.DrainEvery = 30 * time.Second
	}
	if opts.DrainEvery < time.Second {
		opts.DrainEvery = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Mirror{
		publisher: opts.Publisher,
		buffer:    opts.Buffer,
		channel:   opts.Channel,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
		cron:      cron.New(cron.WithSeconds()),
	}
	schedule := fmt.Sprintf("@every %ds", int(opts.DrainEvery.Seconds()))
	if _, err := m.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), opts.DrainEvery)
		defer cancel()
		if _, err := m.Drain(ctx); err != nil {
			m.logger.Warn("mirror drain failed", zap.Error(err))
		}
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// Start follows the staff room and schedules buffer drains.
func (m *Mirror) Start(ctx context.Context, bus *dispatch.Bus) {
	m.cron.Start()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		dispatch.Follow(ctx, bus, models.RoomStaff, m.Handle, m.logger)
	}()
}

// Stop waits for the follower to end (ctx passed to Start must be cancelled) and the scheduler to stop.
func (m *Mirror) Stop(ctx context.Context) error {
	stopped := m.cron.Stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		<-stopped.Done()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle publishes event, or parks it when the buffer is non-empty or Redis fails.
func (m *Mirror) Handle(ctx context.Context, event models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.buffer.Size()
	if err != nil {
		return err
	}
	if pending == 0 {
		err := m.publish(ctx, event)
		if err == nil {
			return nil
		}
		m.logger.Warn("mirror publish failed, buffering", zap.Int64("sequence", event.Sequence), zap.Error(err))
	}
	if err := m.buffer.Enqueue(event); err != nil {
		return err
	}
	bufferedTotal.Add(1)
	return nil
}

// Drain republishes buffered events in order and stops at the first failure.
func (m *Mirror) Drain(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	drained := 0
	for {
		events, err := m.buffer.Batch(m.batchSize)
		if err != nil {
			return drained, err
		}
		if len(events) == 0 {
			if drained > 0 {
				m.logger.Info("mirror buffer drained", zap.Int("events", drained))
			}
			return drained, nil
		}
		for _, event := range events {
			if err := m.publish(ctx, event); err != nil {
				return drained, err
			}
			if err := m.buffer.Remove(event.Sequence); err != nil {
				return drained, err
			}
			drained++
		}
	}
}

func (m *Mirror) publish(ctx context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := m.publisher.Publish(ctx, m.channel, payload); err != nil {
		return err
	}
	mirroredTotal.Add(1)
	return nil
}
