/*
scheduler.go - Periodic ledger maintenance

PURPOSE:
  Runs the period-boundary chores administrators would otherwise trigger
  by hand through /api/admin/deductions/*.

EACH RUN:
  1. Make sure a period covers today (creates the calendar month if not)
  2. Carry live pending deductions forward into that period
  3. Cancel duplicate pending deductions under the configured rule

  Both ledger steps are idempotent, so a run after a crash or a manual
  trigger writes nothing twice.

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether scheduler is active
  - Rule: Duplicate rule for cleanup

USAGE:
  scheduler := NewMaintenanceScheduler(handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - commission/deduction.go: CarryForward, CleanupDuplicates
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/commission-engine/commission"
)

// MaintenanceRun summarizes one scheduler pass.
type MaintenanceRun struct {
	StartedAt   time.Time
	PeriodID    string
	CarriedOver int
	Cleaned     int
	Err         error
}

// MaintenanceScheduler handles automated carry-forward and cleanup.
type MaintenanceScheduler struct {
	Settings      *commission.Settings
	Deductions    *commission.DeductionWorkflow
	Rule          commission.DuplicateRule
	CheckInterval time.Duration
	Enabled       bool
	Now           func() time.Time
	Logger        *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   *MaintenanceRun
}

func NewMaintenanceScheduler(h *Handler) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		Settings:      h.Settings,
		Deductions:    h.Deductions,
		Rule:          h.DuplicateRule,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Logger:        h.Logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (ms *MaintenanceScheduler) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.Enabled {
		ms.Logger.Info("scheduler disabled, not starting")
		return
	}
	if ms.ticker != nil {
		return
	}

	ms.ticker = time.NewTicker(ms.CheckInterval)
	ms.stop = make(chan struct{})
	ms.wg.Add(1)
	go ms.run(ms.ticker, ms.stop)

	ms.Logger.Info("scheduler started", "interval", ms.CheckInterval.String())
}

// Stop stops the scheduler and waits for a running pass to finish.
func (ms *MaintenanceScheduler) Stop() {
	ms.mu.Lock()
	ticker, stop := ms.ticker, ms.stop
	ms.ticker, ms.stop = nil, nil
	ms.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	ms.wg.Wait()
	ms.Logger.Info("scheduler stopped")
}

func (ms *MaintenanceScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ms.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	ms.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			ms.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one maintenance pass synchronously.
func (ms *MaintenanceScheduler) RunNow(ctx context.Context) MaintenanceRun {
	now := time.Now().UTC()
	if ms.Now != nil {
		now = ms.Now()
	}
	run := MaintenanceRun{StartedAt: now}
	defer func() {
		ms.mu.Lock()
		ms.last = &run
		ms.mu.Unlock()
	}()

	period, err := ms.Settings.EnsureMonthlyPeriod(ctx, now, commission.System)
	if err != nil {
		run.Err = err
		ms.Logger.ErrorContext(ctx, "could not resolve current period", "error", err)
		return run
	}
	run.PeriodID = string(period.ID)

	if !period.Archived() {
		carried, err := ms.Deductions.CarryForward(ctx, period.ID, commission.System)
		if err != nil {
			run.Err = err
			ms.Logger.ErrorContext(ctx, "carry-forward failed", "period_id", period.ID, "error", err)
			return run
		}
		run.CarriedOver = len(carried.Written)
	}

	cleaned, err := ms.Deductions.CleanupDuplicates(ctx, commission.System, ms.Rule)
	if err != nil {
		run.Err = err
		ms.Logger.ErrorContext(ctx, "duplicate cleanup failed", "rule", ms.Rule, "error", err)
		return run
	}
	run.Cleaned = cleaned.Count

	if run.CarriedOver > 0 || run.Cleaned > 0 {
		ms.Logger.InfoContext(ctx, "maintenance completed",
			"period_id", run.PeriodID,
			"carried_forward", run.CarriedOver,
			"duplicates_cancelled", run.Cleaned,
			"amount_reclaimed", cleaned.TotalAmount.String())
	}
	return run
}

// LastRun returns the most recent pass, if any.
func (ms *MaintenanceScheduler) LastRun() (MaintenanceRun, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.last == nil {
		return MaintenanceRun{}, false
	}
	return *ms.last, true
}
