/*
scheduler.go - Automated year-end carry-over

PURPOSE:
  Periodically checks whether the current year has started without the
  prior year being carried over, and if so runs RunCarryOver with the leave
  type defaults. Manual runs through the API remain possible; whichever runs
  first closes the prior year and the other one becomes a no-op.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Skips years that are already closed or have no quota records
  - A run held by another instance (lock conflict) is skipped, not retried

USAGE:
  sched := leave.NewCarryOverScheduler(svc, time.Hour)
  sched.Start(ctx)
  // ... later
  sched.Stop()

SEE ALSO:
  - carryover.go: The batch itself
*/
package leave

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-ledger/generic"
)

// CarryOverScheduler runs the year-end carry-over once a new year starts.
type CarryOverScheduler struct {
	svc           *Service
	CheckInterval time.Duration

	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewCarryOverScheduler(svc *Service, interval time.Duration) *CarryOverScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &CarryOverScheduler{svc: svc, CheckInterval: interval}
}

// Start begins the scheduler. It checks once immediately.
func (cs *CarryOverScheduler) Start(ctx context.Context) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.running {
		return
	}
	cs.running = true
	cs.stop = make(chan struct{})
	cs.wg.Add(1)

	go cs.run(ctx)

	cs.svc.logger.Info("carry-over scheduler started", zap.Duration("interval", cs.CheckInterval))
}

// Stop stops the scheduler and waits for a run in progress.
func (cs *CarryOverScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.running {
		return
	}
	close(cs.stop)
	cs.wg.Wait()
	cs.running = false
	cs.svc.logger.Info("carry-over scheduler stopped")
}

func (cs *CarryOverScheduler) run(ctx context.Context) {
	defer cs.wg.Done()

	ticker := time.NewTicker(cs.CheckInterval)
	defer ticker.Stop()

	cs.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			cs.RunNow(ctx)
		case <-cs.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one check. It returns the carry-over result when a run
// happened, nil otherwise.
func (cs *CarryOverScheduler) RunNow(ctx context.Context) *CarryOverResult {
	logger := cs.svc.logger
	target := cs.svc.today().Year()
	prior := target - 1

	yc, err := cs.svc.store.GetYearConfig(ctx, prior)
	if err != nil {
		logger.Warn("scheduler: read year config", zap.Int("year", prior), zap.Error(err))
		return nil
	}
	if yc != nil && yc.IsClosed {
		return nil
	}
	records, err := cs.svc.store.ListQuotasByYear(ctx, prior)
	if err != nil {
		logger.Warn("scheduler: list quota records", zap.Int("year", prior), zap.Error(err))
		return nil
	}
	if len(records) == 0 {
		return nil
	}

	res, err := cs.svc.RunCarryOver(ctx, System, target, nil)
	switch {
	case err == nil:
		return res
	case generic.IsRetryable(err):
		logger.Debug("scheduler: carry-over running elsewhere", zap.Int("target_year", target))
	default:
		logger.Error("scheduler: carry-over failed", zap.Int("target_year", target), zap.Error(err))
	}
	return nil
}
