package scheduler

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const FallbackDuration = 5 * time.Minute

type DurationConfig struct {
	Defaults   map[string]time.Duration
	SampleSize int
	MinSamples int
}

// Durations keeps a trailing window of observed service times per service type.
type Durations struct {
	defaults   map[string]time.Duration
	sampleSize int
	minSamples int
	logger     *zap.Logger

	mu      sync.Mutex
	windows map[string]*window
	warned  map[string]bool
}

type window struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	sum     time.Duration
}

func NewDurations(cfg DurationConfig, logger *zap.Logger) *Durations {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 20
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 3
	}
	if cfg.MinSamples > cfg.SampleSize {
		cfg.MinSamples = cfg.SampleSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := make(map[string]time.Duration, len(cfg.Defaults))
	for k, v := range cfg.Defaults {
		defaults[k] = v
	}
	return &Durations{
		defaults:   defaults,
		sampleSize: cfg.SampleSize,
		minSamples: cfg.MinSamples,
		logger:     logger,
		windows:    make(map[string]*window),
		warned:     make(map[string]bool),
	}
}

func (d *Durations) Observe(serviceType string, sample time.Duration) {
	if sample <= 0 {
		return
	}
	w := d.window(serviceType)
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) < d.sampleSize {
		w.samples = append(w.samples, sample)
		w.sum += sample
		return
	}
	w.sum -= w.samples[w.next]
	w.samples[w.next] = sample
	w.sum += sample
	w.next = (w.next + 1) % d.sampleSize
}

func (d *Durations) Average(serviceType string) time.Duration {
	w := d.window(serviceType)
	w.mu.Lock()
	count := len(w.samples)
	sum := w.sum
	w.mu.Unlock()

	if count >= d.minSamples {
		return sum / time.Duration(count)
	}
	return d.fallback(serviceType)
}

func (d *Durations) AverageSeconds(serviceType string) int {
	return int(math.Round(d.Average(serviceType).Seconds()))
}

func (d *Durations) Samples(serviceType string) int {
	w := d.window(serviceType)
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

func (d *Durations) fallback(serviceType string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if value, ok := d.defaults[serviceType]; ok && value > 0 {
		return value
	}
	if !d.warned[serviceType] {
		d.warned[serviceType] = true
		d.logger.Warn("no default service duration, using fallback",
			zap.String("service_type", serviceType),
			zap.Duration("fallback", FallbackDuration))
	}
	return FallbackDuration
}

func (d *Durations) window(serviceType string) *window {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[serviceType]
	if !ok {
		w = &window{}
		d.windows[serviceType] = w
	}
	return w
}
