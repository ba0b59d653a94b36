// Package broadcast pushes the pool's total remaining quota to subscribers and
// keeps every upstream client warm with periodic health checks.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/naka-gawa/profile-summary/internal/gateway"
)

const (
	// HealthInterval is the cadence of the per-client health check.
	HealthInterval = 2 * time.Minute
	// BroadcastInterval is the cadence of quota pushes to subscribers.
	BroadcastInterval = 500 * time.Millisecond
)

// QuotaSource is the client pool as seen by the broadcaster.
type QuotaSource interface {
	RemainingQuota() int
	PingAll(ctx context.Context) []gateway.PingResult
}

// Subscriber receives quota updates. Implementations are compared by identity.
type Subscriber interface {
	Send(msg string) error
}

// Broadcaster runs the health and broadcast loops and owns the subscriber
// registry.
type Broadcaster struct {
	source QuotaSource
	logger *slog.Logger

	healthInterval    time.Duration
	broadcastInterval time.Duration

	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}
}

// New creates a Broadcaster reading quota from source.
func New(source QuotaSource, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		source:            source,
		logger:            logger,
		healthInterval:    HealthInterval,
		broadcastInterval: BroadcastInterval,
		subscribers:       make(map[Subscriber]struct{}),
	}
}

// Register adds s to the registry. Registering twice is a no-op.
func (b *Broadcaster) Register(s Subscriber) {
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
}

// Unregister removes s from the registry. It reports whether s was
// registered, so a second call returns false.
func (b *Broadcaster) Unregister(s Subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[s]; !ok {
		return false
	}
	delete(b.subscribers, s)
	return true
}

// Count returns the number of registered subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Run starts both loops and blocks until ctx is cancelled. The health check
// runs once immediately so quota is observed before the first tick.
func (b *Broadcaster) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.HealthCheckOnce(ctx)
		every(ctx, b.healthInterval, func() { b.HealthCheckOnce(ctx) })
	}()
	go func() {
		defer wg.Done()
		every(ctx, b.broadcastInterval, b.BroadcastOnce)
	}()
	wg.Wait()
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// HealthCheckOnce pings every client against the target repository. Failures
// are logged; clients are never removed.
func (b *Broadcaster) HealthCheckOnce(ctx context.Context) {
	for _, r := range b.source.PingAll(ctx) {
		if r.Err != nil {
			b.logger.Info("health check failed", "client", r.Client, "err", r.Err)
			continue
		}
		b.logger.Info("health check", "client", r.Client, "remaining", r.Remaining)
	}
}

// BroadcastOnce sends the current total quota to every subscriber. A failed
// send is logged and does not stop delivery to the others.
func (b *Broadcaster) BroadcastOnce() {
	msg := strconv.Itoa(b.source.RemainingQuota())

	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := b.safeSend(s, msg); err != nil {
			b.logger.Info("failed to push quota", "err", err)
		}
	}
}

func (b *Broadcaster) safeSend(s Subscriber, msg string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	return s.Send(msg)
}
