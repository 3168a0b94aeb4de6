package position

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"kis-trading-bot/internal/events"
	"kis-trading-bot/internal/models"
	"kis-trading-bot/internal/safety"
)

// ForcedLiquidator enforces the holding-age schedule: half the original
// position gone by day 3, three quarters by day 4, everything at the
// holding limit. Targets are cumulative, so a run that already liquidated
// enough does nothing.
type ForcedLiquidator struct {
	monitor  *Monitor
	executor ExitExecutor
	bus      *events.EventBus
	maxDays  int
	logger   zerolog.Logger
}

// NewForcedLiquidator creates a forced liquidator driven by the monitor's
// position book.
func NewForcedLiquidator(monitor *Monitor, executor ExitExecutor, bus *events.EventBus, maxDays int, logger zerolog.Logger) *ForcedLiquidator {
	return &ForcedLiquidator{
		monitor:  monitor,
		executor: executor,
		bus:      bus,
		maxDays:  maxDays,
		logger:   logger.With().Str("component", "ForcedLiquidator").Logger(),
	}
}

// CheckAndLiquidate runs one pass over the book and sells whatever the
// schedule says is overdue. Returns how many liquidation orders were placed.
// The pass is idempotent: re-running it in the same stage sells nothing
// extra because the targets are cumulative against recorded progress.
func (f *ForcedLiquidator) CheckAndLiquidate(ctx context.Context) (int, error) {
	if err := f.monitor.SyncPositions(ctx); err != nil {
		return 0, err
	}

	now := time.Now()
	placed := 0
	for _, pos := range f.monitor.Positions() {
		days := pos.HoldingDays(now)
		targetPct := safety.StagedTargetPct(days, f.maxDays)
		if targetPct == 0 {
			continue
		}

		quantity := safety.AdditionalLiquidation(pos.OriginalQuantity, pos.LiquidatedQty, pos.Quantity, targetPct)
		if quantity <= 0 {
			continue
		}

		reason := models.ExitReasonStaged
		if targetPct >= 1.0 {
			reason = models.ExitReasonForced
		}
		signal := models.ExitSignal{
			Ticker:   pos.Ticker,
			Quantity: quantity,
			Reason:   reason,
			Detail:   f.stageDetail(days, targetPct),
		}

		if err := f.executor.ExecuteExit(ctx, signal, pos); err != nil {
			f.logger.Error().Err(err).
				Str("ticker", pos.Ticker).
				Int("holding_days", days).
				Int("quantity", quantity).
				Msg("forced liquidation order failed")
			continue
		}

		f.monitor.RecordLiquidation(pos.Ticker, quantity)
		f.bus.PublishForcedLiquidation(pos.Ticker, days, quantity, targetPct*100)
		f.logger.Warn().
			Str("ticker", pos.Ticker).
			Int("holding_days", days).
			Int("quantity", quantity).
			Float64("target_pct", targetPct*100).
			Msg("forced liquidation executed")
		placed++
	}
	return placed, nil
}

func (f *ForcedLiquidator) stageDetail(days int, targetPct float64) string {
	if targetPct >= 1.0 {
		return "holding limit reached, closing remainder"
	}
	switch days {
	case 3:
		return "day 3: liquidating to 50% of original size"
	default:
		return "day 4: liquidating to 75% of original size"
	}
}
