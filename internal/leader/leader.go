// Package leader implements a distributed leader lease: a shared-KV
// SET-NX-EX lock, renewed at a third of its lease duration, retried with
// jitter by non-leaders, and monitored independently so the service's
// work task is cancelled the instant leadership is lost.
package leader

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/portfolio-management/portfolio-core/internal/cache"
)

// Config tunes the election timings. Zero values fall back to the
// package's built-in defaults.
type Config struct {
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	RetryInterval     time.Duration
	MonitorInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.LeaseDuration / 3
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 10 * time.Second
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = 5 * time.Second
	}
	return c
}

// Elector holds leadership over a single named service key.
type Elector struct {
	serviceName string
	instanceID  string
	cache       cache.Cache
	cfg         Config
	logger      *zap.Logger

	mu        sync.RWMutex
	isLeader  bool
}

// New creates an Elector for serviceName. instanceID should be unique per
// fleet replica (a uuid generated once at process startup).
func New(serviceName, instanceID string, c cache.Cache, cfg Config, logger *zap.Logger) *Elector {
	return &Elector{
		serviceName: serviceName,
		instanceID:  instanceID,
		cache:       c,
		cfg:         cfg.withDefaults(),
		logger:      logger,
	}
}

// IsLeader reports whether this replica currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

func (e *Elector) setLeader(v bool) {
	e.mu.Lock()
	e.isLeader = v
	e.mu.Unlock()
}

func (e *Elector) key() string {
	return cache.LeaderKey(e.serviceName)
}

func jittered(d time.Duration) time.Duration {
	factor := 0.8 + rand.Float64()*0.4 // [0.8, 1.2]
	return time.Duration(float64(d) * factor)
}

// Run drives the election loop forever (until ctx is cancelled): it tries
// to acquire the lease, and whenever it becomes leader it invokes onAcquire
// with a child context that is cancelled the instant leadership is lost.
// onAcquire must return promptly once its context is cancelled; Run does
// not wait for outstanding work beyond that context's cancellation.
func (e *Elector) Run(ctx context.Context, onAcquire func(context.Context)) {
	for {
		if ctx.Err() != nil {
			return
		}

		acquired, err := e.cache.SetNX(ctx, e.key(), e.instanceID, e.cfg.LeaseDuration)
		if err != nil {
			e.logger.Warn("leader: acquisition attempt failed",
				zap.String("service", e.serviceName), zap.Error(err))
			if !sleepOrDone(ctx, jittered(e.cfg.RetryInterval)) {
				return
			}
			continue
		}
		if !acquired {
			if !sleepOrDone(ctx, jittered(e.cfg.RetryInterval)) {
				return
			}
			continue
		}

		e.logger.Info("leader: acquired lease", zap.String("service", e.serviceName), zap.String("instance", e.instanceID))
		e.setLeader(true)
		e.holdLease(ctx, onAcquire)
		e.setLeader(false)
	}
}

// holdLease runs onAcquire under a context that is cancelled the moment the
// heartbeat or the independent monitor observes the lease is no longer
// ours, and releases the lease on a clean exit.
func (e *Elector) holdLease(parent context.Context, onAcquire func(context.Context)) {
	workCtx, cancelWork := context.WithCancel(parent)
	defer cancelWork()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		onAcquire(workCtx)
	}()

	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval)
	monitor := time.NewTicker(e.cfg.MonitorInterval)
	defer heartbeat.Stop()
	defer monitor.Stop()

	lost := false
	for !lost {
		select {
		case <-parent.Done():
			e.release(context.Background())
			cancelWork()
			wg.Wait()
			return
		case <-heartbeat.C:
			ok, err := e.cache.CompareAndExpire(parent, e.key(), e.instanceID, e.cfg.LeaseDuration)
			if err != nil || !ok {
				e.logger.Warn("leader: lost lease on heartbeat",
					zap.String("service", e.serviceName), zap.Error(err))
				lost = true
			}
		case <-monitor.C:
			v, err := e.cache.Get(parent, e.key())
			if err != nil || v != e.instanceID {
				e.logger.Warn("leader: lost lease on monitor check", zap.String("service", e.serviceName))
				lost = true
			}
		}
	}

	cancelWork()
	wg.Wait()
}

func (e *Elector) release(ctx context.Context) {
	if err := e.cache.CompareAndDelete(ctx, e.key(), e.instanceID); err != nil {
		e.logger.Warn("leader: failed to release lease", zap.String("service", e.serviceName), zap.Error(err))
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
