// Package bot owns the scheduling loops: the position monitoring cycle, the
// staged liquidation pass, the unfilled-order cancel scan and the daily
// counter reset. It is the only component that drives the others on a clock.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kis-trading-bot/config"
	"kis-trading-bot/internal/events"
	"kis-trading-bot/internal/logging"
	"kis-trading-bot/internal/models"
	"kis-trading-bot/internal/order"
	"kis-trading-bot/internal/position"
	"kis-trading-bot/internal/quota"
	"kis-trading-bot/internal/safety"
)

// TradingBot wires the execution core to its schedules.
type TradingBot struct {
	cfg        *config.Config
	manager    *order.Manager
	monitor    *position.Monitor
	liquidator *position.ForcedLiquidator
	checker    *safety.SafetyChecker
	hard       *safety.HardSafety
	eventBus   *events.EventBus
	log        *logging.Logger

	mu             sync.RWMutex
	degraded       bool
	degradedReason string

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates the trading bot.
func New(
	cfg *config.Config,
	manager *order.Manager,
	monitor *position.Monitor,
	liquidator *position.ForcedLiquidator,
	checker *safety.SafetyChecker,
	hard *safety.HardSafety,
	eventBus *events.EventBus,
) *TradingBot {
	return &TradingBot{
		cfg:        cfg,
		manager:    manager,
		monitor:    monitor,
		liquidator: liquidator,
		checker:    checker,
		hard:       hard,
		eventBus:   eventBus,
		log:        logging.WithComponent("bot"),
		stopChan:   make(chan struct{}),
	}
}

// Start runs the session preflight and launches the scheduling loops. A
// failed preflight aborts the start: trading against an account in an
// unexpected state is worse than not trading.
func (b *TradingBot) Start(ctx context.Context) error {
	report := b.checker.PreSessionCheck(ctx)
	for _, check := range report.Checks {
		if check.Passed {
			b.log.Info("Preflight check passed", "check", check.Name)
		} else {
			b.log.Error("Preflight check failed", "check", check.Name, "detail", check.Detail)
		}
	}
	if !report.SafeToTrade {
		return fmt.Errorf("session preflight failed")
	}

	if err := b.monitor.SyncPositions(ctx); err != nil {
		b.log.WithError(err).Warn("Initial position sync failed, will retry on next cycle")
	}

	b.log.Info("Trading bot started",
		"mode", b.cfg.KISConfig.Mode,
		"dry_run", b.cfg.TradingConfig.DryRun,
		"monitor_interval_min", b.cfg.TradingConfig.MonitorIntervalMin,
	)

	b.wg.Add(3)
	go b.monitorLoop()
	go b.cancelScanLoop()
	go b.dailyResetLoop()
	return nil
}

// Stop halts the scheduling loops and waits for the running cycle to finish.
func (b *TradingBot) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
	})
	b.wg.Wait()
	b.log.Info("Trading bot stopped")
}

// SubmitEntries feeds a batch of entry signals through the order manager.
// Used by the strategy layer or operator tooling; every entry still passes
// the full safety stack.
func (b *TradingBot) SubmitEntries(ctx context.Context, signals []models.EntrySignal) []error {
	errs := b.manager.ExecuteBatch(ctx, signals)
	for _, err := range errs {
		b.noteError(err)
	}
	return errs
}

// Degraded reports whether the bot has fallen back to protective-only
// operation and why.
func (b *TradingBot) Degraded() (bool, string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.degraded, b.degradedReason
}

// monitorLoop runs the position monitoring and staged liquidation cycle.
func (b *TradingBot) monitorLoop() {
	defer b.wg.Done()

	interval := time.Duration(b.cfg.TradingConfig.MonitorIntervalMin) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.runMonitorCycle()
		case <-b.stopChan:
			return
		}
	}
}

func (b *TradingBot) runMonitorCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := b.monitor.MonitorAll(ctx); err != nil {
		b.log.WithError(err).Error("Position monitoring cycle failed")
		b.noteError(err)
		return
	}

	placed, err := b.liquidator.CheckAndLiquidate(ctx)
	if err != nil {
		b.log.WithError(err).Error("Forced liquidation pass failed")
		b.noteError(err)
		return
	}
	if placed > 0 {
		b.log.Warn("Forced liquidation pass placed orders", "orders", placed)
	}
	b.clearDegraded()
}

// cancelScanLoop periodically sweeps the pending tracker for stale orders.
func (b *TradingBot) cancelScanLoop() {
	defer b.wg.Done()

	interval := time.Duration(b.cfg.TradingConfig.CancelScanIntervalMin) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			cancelled, err := b.manager.CancelUnfilledOrders(ctx)
			cancel()
			if err != nil {
				b.log.WithError(err).Error("Cancel scan failed")
				b.noteError(err)
			} else if cancelled > 0 {
				b.log.Info("Cancelled stale orders", "count", cancelled)
			}
		case <-b.stopChan:
			return
		}
	}
}

// dailyResetLoop clears the daily safety counters shortly after midnight in
// the exchange-account timezone.
func (b *TradingBot) dailyResetLoop() {
	defer b.wg.Done()

	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		b.log.WithError(err).Warn("Failed to load KST timezone, using UTC for daily reset")
		loc = time.UTC
	}

	for {
		now := time.Now().In(loc)
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 1, 0, 0, loc).AddDate(0, 0, 1)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-timer.C:
			b.hard.ResetDaily()
		case <-b.stopChan:
			timer.Stop()
			return
		}
	}
}

// noteError flips the degraded flag on quota exhaustion. Other errors are
// already logged where they happen; quota exhaustion changes the bot's
// operating mode and is surfaced on /health.
func (b *TradingBot) noteError(err error) {
	if err == nil || !errors.Is(err, quota.ErrExhausted) {
		return
	}
	b.mu.Lock()
	wasDegraded := b.degraded
	b.degraded = true
	b.degradedReason = "api quota exhausted, protective operations only"
	b.mu.Unlock()

	if !wasDegraded {
		b.log.Error("API quota exhausted, degrading to protective operations")
		b.eventBus.PublishDegraded("quota", "api quota exhausted")
	}
}

func (b *TradingBot) clearDegraded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.degraded {
		b.degraded = false
		b.degradedReason = ""
		b.log.Info("Degraded mode cleared, full operation restored")
	}
}
