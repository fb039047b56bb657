// Package supervisor wires one leader.Elector per named subsystem and
// starts that subsystem's work loop only while this replica holds the
// corresponding lease.
package supervisor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/portfolio-management/portfolio-core/internal/cache"
	"github.com/portfolio-management/portfolio-core/internal/calculator"
	"github.com/portfolio-management/portfolio-core/internal/leader"
	"github.com/portfolio-management/portfolio-core/internal/marketdata"
	"github.com/portfolio-management/portfolio-core/internal/marketstream"
	"github.com/portfolio-management/portfolio-core/internal/snapshot"
	"github.com/portfolio-management/portfolio-core/internal/symbols"
	"github.com/portfolio-management/portfolio-core/internal/wsapi"
)

const (
	ServiceSymbolCollector     = "symbol-collector"
	ServiceMarketDataConsumer  = "market-data-consumer"
	ServicePortfolioCalculator = "portfolio-calculator"
	ServiceWebSocketBroadcast  = "websocket-broadcaster"
	ServiceSnapshotWriter      = "snapshot-writer"
)

// Subsystems bundles the already-constructed workers a Supervisor elects
// leaders for. Any nil field disables that subsystem entirely, letting a
// single binary run a subset of services if needed.
type Subsystems struct {
	Collector   *symbols.Collector
	Consumer    *marketdata.Consumer
	Stream      *marketstream.Stream
	Calculator  *calculator.Calculator
	Broadcaster *wsapi.Hub
	Scheduler   *snapshot.Scheduler
}

// Supervisor owns one leader.Elector per subsystem and the goroutines that
// run Elector.Run for the lifetime of the process.
type Supervisor struct {
	cache      cache.Cache
	logger     *zap.Logger
	instanceID string
	leaderCfg  leader.Config
	subsystems Subsystems
}

func New(c cache.Cache, logger *zap.Logger, instanceID string, leaderCfg leader.Config, subsystems Subsystems) *Supervisor {
	return &Supervisor{cache: c, logger: logger, instanceID: instanceID, leaderCfg: leaderCfg, subsystems: subsystems}
}

// Run blocks until ctx is cancelled, running every configured subsystem's
// elector concurrently.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup

	elect := func(serviceName string, onAcquire func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := leader.New(serviceName, s.instanceID, s.cache, s.leaderCfg, s.logger)
			e.Run(ctx, onAcquire)
		}()
	}

	if s.subsystems.Collector != nil {
		elect(ServiceSymbolCollector, func(workCtx context.Context) {
			s.subsystems.Collector.Run(workCtx)
		})
	}

	if s.subsystems.Consumer != nil && s.subsystems.Stream != nil {
		elect(ServiceMarketDataConsumer, func(workCtx context.Context) {
			var wg2 sync.WaitGroup
			wg2.Add(2)
			go func() { defer wg2.Done(); s.subsystems.Stream.Run(workCtx) }()
			go func() { defer wg2.Done(); s.subsystems.Consumer.Run(workCtx) }()
			wg2.Wait()
		})
	}

	if s.subsystems.Calculator != nil {
		elect(ServicePortfolioCalculator, func(workCtx context.Context) {
			s.subsystems.Calculator.RunForceRecompute(workCtx)
		})
	}

	if s.subsystems.Broadcaster != nil {
		elect(ServiceWebSocketBroadcast, func(workCtx context.Context) {
			s.subsystems.Broadcaster.Run(workCtx)
		})
	}

	if s.subsystems.Scheduler != nil {
		elect(ServiceSnapshotWriter, func(workCtx context.Context) {
			if err := s.subsystems.Scheduler.Start(workCtx); err != nil {
				s.logger.Error("supervisor: snapshot scheduler failed to start", zap.Error(err))
				return
			}
			<-workCtx.Done()
			s.subsystems.Scheduler.Stop()
		})
	}

	wg.Wait()
}
