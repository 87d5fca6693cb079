/*
scheduler.go - Automated commission scheduler

PURPOSE:
  Periodically books commission for payments that were never calculated
  and assembles draft payroll runs for every pay period that has ended.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Each tick: CalculateUncalculated, then AssembleDue(today)
  - Batch reports are logged; failures never stop the loop

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewScheduler(svc, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: CalculateUncalculated, AssembleDue endpoints (manual trigger)
  - commission/service.go: batch operations
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/commission-engine/commission"
)

// Scheduler drives the engine's batch operations on a ticker.
type Scheduler struct {
	Service       *commission.Service
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool
	Clock         func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewScheduler creates a new scheduler.
func NewScheduler(svc *commission.Service, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		Service:       svc,
		Logger:        log.Named("scheduler"),
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Clock:         time.Now,
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.Logger.Info("started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("stopped")
}

// RunNow runs one pass synchronously.
func (s *Scheduler) RunNow(ctx context.Context) (calculated, assembled commission.BatchReport) {
	calculated = s.Service.CalculateUncalculated(ctx)
	assembled = s.Service.AssembleDue(ctx, commission.DateOf(s.Clock()))

	s.Logger.Info("pass completed",
		zap.Int("calculated", calculated.Processed),
		zap.Int("calculation_failures", calculated.Failed),
		zap.Int("runs_assembled", assembled.Processed),
		zap.Int("assembly_failures", assembled.Failed),
	)
	return calculated, assembled
}

func (s *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}
