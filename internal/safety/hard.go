// Package safety implements the layered pre-trade and position safety
// authorities: immutable hard limits, absolute capital invariants, session
// preconditions and the composed pre-trade verdict. Denials are structured
// results with reasons, not errors; a denial is an expected, frequent
// outcome.
package safety

import (
	"fmt"
	"sync"
	"time"

	"kis-trading-bot/internal/logging"
	"kis-trading-bot/internal/models"
)

// Verdict is the outcome of a single safety check. The reason string is
// suitable for direct display to the operator channel.
type Verdict struct {
	Allowed bool
	Check   string
	Reason  string
}

// Allow returns a passing verdict for the named check.
func Allow(check string) Verdict {
	return Verdict{Allowed: true, Check: check}
}

// Deny returns a failing verdict with a display-ready reason.
func Deny(check, reason string) Verdict {
	return Verdict{Allowed: false, Check: check, Reason: reason}
}

// Limits are the immutable hard trading limits. No strategy or AI decision
// is permitted to override them.
type Limits struct {
	MaxPositionPct   float64 // per-ticker exposure cap, % of portfolio value
	MaxTotalExposure float64 // total exposure cap, % of portfolio value
	MaxDailyTrades   int
	MaxDailyLossPct  float64 // negative; daily shutdown floor
	StopLossPct      float64 // negative; per-position forced exit
	MaxHoldingDays   int
	VixThreshold     float64
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionPct:   15.0,
		MaxTotalExposure: 80.0,
		MaxDailyTrades:   10,
		MaxDailyLossPct:  -5.0,
		StopLossPct:      -2.0,
		MaxHoldingDays:   5,
		VixThreshold:     35.0,
	}
}

// HardSafety evaluates orders and positions against the immutable limits
// plus the mutable daily counters. Counter mutations are atomic with respect
// to concurrent readers.
type HardSafety struct {
	limits Limits
	log    *logging.Logger

	mu          sync.Mutex
	dailyTrades int
	dailyPnLPct float64
	shutdown    bool
	lastReset   time.Time
}

// NewHardSafety creates a HardSafety with the given limits.
func NewHardSafety(limits Limits) *HardSafety {
	return &HardSafety{
		limits:    limits,
		log:       logging.WithComponent("safety"),
		lastReset: time.Now(),
	}
}

// Limits returns the configured hard limits.
func (h *HardSafety) Limits() Limits {
	return h.limits
}

// CheckNewOrder gates a new order against the daily counters and the
// post-trade exposure caps. Sell orders are always allowed: exits are never
// blocked by risk limits.
func (h *HardSafety) CheckNewOrder(order models.Order, portfolio *models.Portfolio) Verdict {
	if order.IsSell() {
		return Allow("hard_limits")
	}

	h.mu.Lock()
	shutdown := h.shutdown
	dailyPnL := h.dailyPnLPct
	trades := h.dailyTrades
	h.mu.Unlock()

	if shutdown {
		return Deny("daily_loss_shutdown",
			fmt.Sprintf("trading halted: daily loss %.2f%% breached floor %.2f%%", dailyPnL, h.limits.MaxDailyLossPct))
	}
	if trades >= h.limits.MaxDailyTrades {
		return Deny("daily_trade_count",
			fmt.Sprintf("daily trade cap reached (%d/%d)", trades, h.limits.MaxDailyTrades))
	}

	if portfolio == nil || portfolio.TotalValue <= 0 {
		return Deny("exposure", "portfolio value unavailable, refusing new exposure")
	}

	notional := order.Notional()
	tickerPct := (portfolio.PositionValue(order.Ticker) + notional) / portfolio.TotalValue * 100
	if tickerPct > h.limits.MaxPositionPct {
		return Deny("ticker_exposure",
			fmt.Sprintf("%s post-trade exposure %.1f%% exceeds cap %.1f%%", order.Ticker, tickerPct, h.limits.MaxPositionPct))
	}

	totalPct := (portfolio.InvestedValue() + notional) / portfolio.TotalValue * 100
	if totalPct > h.limits.MaxTotalExposure {
		return Deny("total_exposure",
			fmt.Sprintf("post-trade total exposure %.1f%% exceeds cap %.1f%%", totalPct, h.limits.MaxTotalExposure))
	}

	return Allow("hard_limits")
}

// CheckPosition re-evaluates an open position against the stop-loss and the
// staged holding-age schedule. It is the second-opinion safety net behind
// the exit strategy: a nil return means no forced action is required.
func (h *HardSafety) CheckPosition(pos models.Position) *models.ExitSignal {
	if pos.Quantity <= 0 {
		return nil
	}

	if pnl := pos.UnrealizedPnLPct(); pnl <= h.limits.StopLossPct {
		return &models.ExitSignal{
			Ticker:   pos.Ticker,
			Quantity: pos.Quantity,
			Reason:   models.ExitReasonStopLoss,
			Detail:   fmt.Sprintf("unrealized P&L %.2f%% breached stop %.2f%%", pnl, h.limits.StopLossPct),
		}
	}

	days := pos.HoldingDays(time.Now())
	pct := StagedTargetPct(days, h.limits.MaxHoldingDays)
	if pct == 0 {
		return nil
	}

	qty := AdditionalLiquidation(pos.OriginalQuantity, pos.LiquidatedQty, pos.Quantity, pct)
	if qty <= 0 {
		return nil
	}

	reason := models.ExitReasonStaged
	if pct >= 1.0 {
		reason = models.ExitReasonMaxHolding
	}
	return &models.ExitSignal{
		Ticker:   pos.Ticker,
		Quantity: qty,
		Reason:   reason,
		Detail:   fmt.Sprintf("holding day %d: cumulative liquidation target %.0f%%", days, pct*100),
	}
}

// CheckVix denies new entries above the volatility threshold. Exits are
// unaffected: CheckPosition never consults VIX.
func (h *HardSafety) CheckVix(value float64) Verdict {
	if value > h.limits.VixThreshold {
		return Deny("vix_halt",
			fmt.Sprintf("VIX %.1f above threshold %.1f, new entries halted", value, h.limits.VixThreshold))
	}
	return Allow("vix")
}

// RecordTrade counts one executed entry against the daily cap.
func (h *HardSafety) RecordTrade() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dailyTrades++
}

// UpdateDailyPnL adds a realized P&L percentage to the daily cumulative
// figure. Once the cumulative loss breaches the configured floor the
// shutdown flag is set and stays set until the daily reset.
func (h *HardSafety) UpdateDailyPnL(pct float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dailyPnLPct += pct
	if h.dailyPnLPct <= h.limits.MaxDailyLossPct && !h.shutdown {
		h.shutdown = true
		h.log.Error("Daily loss floor breached, halting new entries",
			"daily_pnl_pct", h.dailyPnLPct, "floor", h.limits.MaxDailyLossPct)
	}
}

// ResetDaily clears the counters and the shutdown flag at the daily
// boundary.
func (h *HardSafety) ResetDaily() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dailyTrades = 0
	h.dailyPnLPct = 0
	h.shutdown = false
	h.lastReset = time.Now()
	h.log.Info("Daily safety counters reset")
}

// Status is a snapshot of the mutable counters for reporting.
type Status struct {
	DailyTrades    int       `json:"daily_trades"`
	MaxDailyTrades int       `json:"max_daily_trades"`
	DailyPnLPct    float64   `json:"daily_pnl_pct"`
	Shutdown       bool      `json:"shutdown"`
	LastReset      time.Time `json:"last_reset"`
}

// GetStatus returns the current counter snapshot.
func (h *HardSafety) GetStatus() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		DailyTrades:    h.dailyTrades,
		MaxDailyTrades: h.limits.MaxDailyTrades,
		DailyPnLPct:    h.dailyPnLPct,
		Shutdown:       h.shutdown,
		LastReset:      h.lastReset,
	}
}

// StagedTargetPct returns the cumulative liquidation target for a holding
// age: 50% at day 3, 75% at day 4, 100% at maxDays and beyond. Below day 3
// it returns 0.
func StagedTargetPct(holdingDays, maxDays int) float64 {
	switch {
	case holdingDays >= maxDays:
		return 1.0
	case holdingDays == 4:
		return 0.75
	case holdingDays == 3:
		return 0.5
	default:
		return 0
	}
}

// AdditionalLiquidation computes the quantity to sell now so the cumulative
// liquidation reaches targetPct of the original entry quantity. The result
// is clamped to be non-negative and never exceeds the currently held
// quantity, so a missed earlier stage converges instead of double-selling.
func AdditionalLiquidation(originalQty, alreadyLiquidated, currentQty int, targetPct float64) int {
	if originalQty <= 0 || currentQty <= 0 || targetPct <= 0 {
		return 0
	}
	target := int(float64(originalQty) * targetPct)
	additional := target - alreadyLiquidated
	if additional < 0 {
		additional = 0
	}
	if additional > currentQty {
		additional = currentQty
	}
	return additional
}
