package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"qms/branch-queue/internal/store"
)

// keyedLocks hands out one mutex per entity key. Entries are dropped once no
// goroutine holds or waits on them.
type keyedLocks struct {
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks(timeout time.Duration) *keyedLocks {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &keyedLocks{timeout: timeout, entries: make(map[string]*lockEntry)}
}

func tokenKey(tokenID string) string { return "token:" + tokenID }
func counterKey(number int) string { return fmt.Sprintf("counter:%d", number) }
func customerKey(customerID, st string) string { return "customer:" + customerID + ":" + st }
func serviceKey(serviceType string) string { return "service:" + serviceType }

// acquire takes the keys in the order given. Callers pass token, counter,
// customer and service keys in that order.
func (l *keyedLocks) acquire(ctx context.Context, keys ...string) (func(), error) {
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}
	for _, key := range keys {
		if err := l.lock(ctx, key); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}
	return release, nil
}

func (l *keyedLocks) lock(ctx context.Context, key string) error {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case entry.ch <- struct{}{}:
		return nil
	case <-timer.C:
		l.forget(key, entry)
		return fmt.Errorf("%w: %s", store.ErrLockTimeout, key)
	case <-ctx.Done():
		l.forget(key, entry)
		return fmt.Errorf("%w: %s: %w", store.ErrUnavailable, key, ctx.Err())
	}
}

func (l *keyedLocks) unlock(key string) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	<-entry.ch
	l.forget(key, entry)
}

func (l *keyedLocks) forget(key string, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}
