// Package position keeps the local position book reconciled with broker
// truth and drives exit decisions: the exit strategy first, the hard-limit
// position check as a second opinion, and the staged forced liquidator for
// positions that have overstayed the holding window.
package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kis-trading-bot/internal/models"
	"kis-trading-bot/internal/safety"
)

// Broker is the slice of the brokerage client the monitor needs.
type Broker interface {
	GetBalance(ctx context.Context) (*models.Portfolio, error)
}

// ExitExecutor places exit orders. Implemented by the order manager.
type ExitExecutor interface {
	ExecuteExit(ctx context.Context, signal models.ExitSignal, pos models.Position) error
}

// ExitStrategy evaluates an open position and returns an exit signal, or nil
// to keep holding. The hard-limit check runs regardless of what the
// strategy says.
type ExitStrategy interface {
	Evaluate(pos models.Position) *models.ExitSignal
}

// Monitor owns the local position book. Broker quantities and prices
// overwrite local state on every sync; entry metadata (entry time, trade id,
// high-water mark, liquidation progress) is locally authoritative.
type Monitor struct {
	mu        sync.RWMutex
	positions map[string]*models.Position

	broker   Broker
	executor ExitExecutor
	strategy ExitStrategy
	hard     *safety.HardSafety
	logger   zerolog.Logger
}

// NewMonitor creates a position monitor. strategy may be nil, in which case
// only the hard-limit checks drive exits.
func NewMonitor(broker Broker, executor ExitExecutor, strategy ExitStrategy, hard *safety.HardSafety, logger zerolog.Logger) *Monitor {
	return &Monitor{
		positions: make(map[string]*models.Position),
		broker:    broker,
		executor:  executor,
		strategy:  strategy,
		hard:      hard,
		logger:    logger.With().Str("component", "PositionMonitor").Logger(),
	}
}

// SyncPositions reconciles the local book against the broker snapshot.
// Broker-reported quantity and prices always win; positions the broker no
// longer reports are dropped; positions the broker reports but the book has
// never seen are adopted with entry metadata initialized from now.
func (m *Monitor) SyncPositions(ctx context.Context) error {
	portfolio, err := m.broker.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("sync positions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(portfolio.Positions))
	for _, remote := range portfolio.Positions {
		seen[remote.Ticker] = true

		local, ok := m.positions[remote.Ticker]
		if !ok {
			// Untracked holding, likely placed outside the bot or carried
			// over a restart. Adopt it conservatively: the holding clock
			// starts now.
			adopted := remote
			adopted.EntryTime = time.Now()
			adopted.OriginalQuantity = remote.Quantity
			adopted.HighestPrice = remote.CurrentPrice
			adopted.Direction = models.OrderSideBuy
			m.positions[remote.Ticker] = &adopted
			m.logger.Info().
				Str("ticker", remote.Ticker).
				Int("quantity", remote.Quantity).
				Msg("adopted untracked position")
			continue
		}

		local.Quantity = remote.Quantity
		local.AvgPrice = remote.AvgPrice
		local.CurrentPrice = remote.CurrentPrice
		local.Exchange = remote.Exchange
		if remote.CurrentPrice > local.HighestPrice {
			local.HighestPrice = remote.CurrentPrice
		}
		if local.OriginalQuantity < remote.Quantity {
			local.OriginalQuantity = remote.Quantity
		}
	}

	for ticker := range m.positions {
		if !seen[ticker] {
			m.logger.Info().Str("ticker", ticker).Msg("position no longer held at broker, dropping")
			delete(m.positions, ticker)
		}
	}
	return nil
}

// MonitorAll runs one monitoring cycle: sync, then evaluate every position
// through the exit strategy, with the hard-limit check consulted only when
// the strategy stays silent.
func (m *Monitor) MonitorAll(ctx context.Context) error {
	if err := m.SyncPositions(ctx); err != nil {
		return err
	}

	for _, pos := range m.Positions() {
		signal := m.evaluate(pos)
		if signal == nil {
			continue
		}
		if err := m.executor.ExecuteExit(ctx, *signal, pos); err != nil {
			m.logger.Error().Err(err).
				Str("ticker", pos.Ticker).
				Str("reason", string(signal.Reason)).
				Msg("exit order failed")
			continue
		}
		m.RecordLiquidation(signal.Ticker, signal.Quantity)
	}
	return nil
}

// evaluate returns the exit to take for one position. A strategy signal is
// executed as given; the hard-limit check is a second opinion that only
// speaks when the strategy has nothing to say. Sells are never blocked, so
// letting the strategy's full exit stand always removes at least as much
// risk as the staged hard-limit schedule would.
func (m *Monitor) evaluate(pos models.Position) *models.ExitSignal {
	if m.strategy != nil {
		if signal := m.strategy.Evaluate(pos); signal != nil {
			return signal
		}
	}
	return m.hard.CheckPosition(pos)
}

// Positions returns a snapshot of the tracked book, sorted by ticker.
func (m *Monitor) Positions() []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// Get returns one tracked position by ticker.
func (m *Monitor) Get(ticker string) (models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[ticker]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// RecordLiquidation advances a position's liquidation progress after an exit
// order was accepted. Keeping the counter current is what makes the staged
// schedule idempotent across repeated runs.
func (m *Monitor) RecordLiquidation(ticker string, quantity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[ticker]
	if !ok {
		return
	}
	pos.LiquidatedQty += quantity
	pos.Quantity -= quantity
	if pos.Quantity < 0 {
		pos.Quantity = 0
	}
}

// Adopt seeds the book with a position just opened by the order manager so
// the holding clock starts at the true entry time rather than the next sync.
func (m *Monitor) Adopt(pos models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos.EntryTime.IsZero() {
		pos.EntryTime = time.Now()
	}
	if pos.OriginalQuantity == 0 {
		pos.OriginalQuantity = pos.Quantity
	}
	if pos.HighestPrice == 0 {
		pos.HighestPrice = pos.CurrentPrice
	}
	m.positions[pos.Ticker] = &pos
}

// Summary aggregates the book for reporting. Source names where the totals
// came from: "broker" when the balance endpoint answered, "local" when the
// book's own marks had to be summed instead.
type Summary struct {
	PositionCount int     `json:"position_count"`
	TotalValue    float64 `json:"total_value"`
	Cash          float64 `json:"cash"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Source        string  `json:"source"`
}

// GetPortfolioSummary returns broker-reported totals for the account. Broker
// totals are authoritative; the locally tracked marks are summed only when
// the balance call fails or reports nothing, and that fallback is logged.
func (m *Monitor) GetPortfolioSummary(ctx context.Context) Summary {
	s := Summary{Source: "broker"}
	portfolio, err := m.broker.GetBalance(ctx)
	if err == nil && portfolio != nil && portfolio.TotalValue > 0 {
		s.TotalValue = portfolio.TotalValue
		s.Cash = portfolio.Cash
		s.UnrealizedPnL = portfolio.TotalPnL
	} else {
		if err != nil {
			m.logger.Warn().Err(err).Msg("balance unavailable, summing local marks for summary")
		} else {
			m.logger.Warn().Msg("broker reported no total value, summing local marks for summary")
		}
		s.Source = "local"
		m.mu.RLock()
		for _, pos := range m.positions {
			s.TotalValue += pos.MarketValue()
			s.UnrealizedPnL += (pos.CurrentPrice - pos.AvgPrice) * float64(pos.Quantity)
		}
		m.mu.RUnlock()
	}

	m.mu.RLock()
	s.PositionCount = len(m.positions)
	m.mu.RUnlock()
	return s
}
