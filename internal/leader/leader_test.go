package leader

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/portfolio-management/portfolio-core/internal/cache"
)

func testConfig() Config {
	return Config{
		LeaseDuration:     200 * time.Millisecond,
		HeartbeatInterval: 40 * time.Millisecond,
		RetryInterval:     30 * time.Millisecond,
		MonitorInterval:   40 * time.Millisecond,
	}
}

func TestElector_SingleReplicaBecomesLeaderAndRunsWork(t *testing.T) {
	fc := cache.NewFake()
	logger := zap.NewNop()
	e := New("symbol-collector", "replica-1", fc, testConfig(), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var runs int32
	done := make(chan struct{})
	go func() {
		e.Run(ctx, func(workCtx context.Context) {
			atomic.AddInt32(&runs, 1)
			<-workCtx.Done()
		})
		close(done)
	}()

	require.Eventually(t, func() bool { return e.IsLeader() }, time.Second, 5*time.Millisecond)
	<-done
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))
}

func TestElector_SecondReplicaWaitsThenTakesOverOnCrash(t *testing.T) {
	fc := cache.NewFake()
	logger := zap.NewNop()
	cfg := testConfig()

	e1 := New("websocket-broadcaster", "replica-1", fc, cfg, logger)
	e2 := New("websocket-broadcaster", "replica-2", fc, cfg, logger)

	ctx1, cancel1 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel1()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()

	go e1.Run(ctx1, func(workCtx context.Context) { <-workCtx.Done() })
	go e2.Run(ctx2, func(workCtx context.Context) { <-workCtx.Done() })

	require.Eventually(t, func() bool { return e1.IsLeader() }, time.Second, 5*time.Millisecond)
	assert.False(t, e2.IsLeader(), "only one replica may hold the lease at a time")

	// Simulate replica 1 crashing without a graceful release: force the
	// lease key to appear expired so replica 1's own heartbeat discovers
	// it lost the lease (it never calls CompareAndDelete in this path).
	fc.SetExpired(cache.LeaderKey("websocket-broadcaster"))

	require.Eventually(t, func() bool { return e2.IsLeader() }, time.Second, 5*time.Millisecond,
		"replica 2 must become leader within lease_duration + retry_interval + jitter")
}

func TestElector_ReleaseOnGracefulShutdownOnlyIfStillOwner(t *testing.T) {
	fc := cache.NewFake()
	logger := zap.NewNop()
	cfg := testConfig()
	e := New("portfolio-calculator", "replica-1", fc, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx, func(workCtx context.Context) { <-workCtx.Done() })

	require.Eventually(t, func() bool { return e.IsLeader() }, time.Second, 5*time.Millisecond)
	cancel()

	require.Eventually(t, func() bool {
		_, err := fc.Get(context.Background(), cache.LeaderKey("portfolio-calculator"))
		return err == cache.ErrNotFound
	}, time.Second, 5*time.Millisecond, "graceful shutdown must release the lease it owns")
}
