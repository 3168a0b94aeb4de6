package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kis-trading-bot/internal/events"
	"kis-trading-bot/internal/models"
	"kis-trading-bot/internal/safety"
)

// fakeBroker serves a fixed portfolio snapshot.
type fakeBroker struct {
	mu  sync.Mutex
	pf  *models.Portfolio
	err error
}

func (f *fakeBroker) GetBalance(ctx context.Context) (*models.Portfolio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.pf, nil
}

func (f *fakeBroker) set(pf *models.Portfolio) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pf = pf
}

// recordingExecutor captures exit orders instead of placing them.
type recordingExecutor struct {
	mu      sync.Mutex
	signals []models.ExitSignal
	fail    bool
}

func (r *recordingExecutor) ExecuteExit(ctx context.Context, signal models.ExitSignal, pos models.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broker rejected")
	}
	r.signals = append(r.signals, signal)
	return nil
}

func (r *recordingExecutor) recorded() []models.ExitSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ExitSignal, len(r.signals))
	copy(out, r.signals)
	return out
}

func newTestMonitor(broker Broker, executor ExitExecutor) *Monitor {
	hard := safety.NewHardSafety(safety.DefaultLimits())
	return NewMonitor(broker, executor, nil, hard, zerolog.Nop())
}

func holding(ticker string, qty int, avg, current float64) models.Position {
	return models.Position{
		Ticker:       ticker,
		Exchange:     "NASD",
		Quantity:     qty,
		AvgPrice:     avg,
		CurrentPrice: current,
	}
}

// TestSyncAdoptsUntrackedPosition verifies a holding the broker reports but
// the book has never seen is adopted with entry metadata starting now.
func TestSyncAdoptsUntrackedPosition(t *testing.T) {
	broker := &fakeBroker{pf: &models.Portfolio{
		Positions: []models.Position{holding("TQQQ", 10, 24.00, 25.00)},
	}}
	m := newTestMonitor(broker, &recordingExecutor{})

	if err := m.SyncPositions(context.Background()); err != nil {
		t.Fatalf("SyncPositions: %v", err)
	}

	pos, ok := m.Get("TQQQ")
	if !ok {
		t.Fatal("adopted position not tracked")
	}
	if pos.EntryTime.IsZero() {
		t.Error("adopted position has no entry time")
	}
	if pos.OriginalQuantity != 10 {
		t.Errorf("original quantity = %d, want 10", pos.OriginalQuantity)
	}
	if pos.HighestPrice != 25.00 {
		t.Errorf("highest price = %v, want current price 25.00", pos.HighestPrice)
	}
	if pos.Direction != models.OrderSideBuy {
		t.Errorf("direction = %q, want BUY", pos.Direction)
	}
}

// TestSyncBrokerOverwritesButKeepsMetadata verifies broker quantity and
// prices win on sync while local entry metadata and the high-water mark
// survive.
func TestSyncBrokerOverwritesButKeepsMetadata(t *testing.T) {
	entry := time.Now().Add(-48 * time.Hour)
	broker := &fakeBroker{pf: &models.Portfolio{
		Positions: []models.Position{holding("TQQQ", 8, 24.50, 26.00)},
	}}
	m := newTestMonitor(broker, &recordingExecutor{})

	seeded := holding("TQQQ", 10, 24.00, 30.00)
	seeded.EntryTime = entry
	seeded.TradeID = "trade-1"
	seeded.HighestPrice = 30.00
	seeded.OriginalQuantity = 10
	m.Adopt(seeded)

	if err := m.SyncPositions(context.Background()); err != nil {
		t.Fatalf("SyncPositions: %v", err)
	}

	pos, _ := m.Get("TQQQ")
	if pos.Quantity != 8 || pos.AvgPrice != 24.50 || pos.CurrentPrice != 26.00 {
		t.Errorf("broker figures not authoritative: %+v", pos)
	}
	if !pos.EntryTime.Equal(entry) {
		t.Errorf("entry time = %v, want preserved %v", pos.EntryTime, entry)
	}
	if pos.TradeID != "trade-1" {
		t.Errorf("trade id = %q, want preserved trade-1", pos.TradeID)
	}
	if pos.HighestPrice != 30.00 {
		t.Errorf("high-water mark = %v, want 30.00 kept above current", pos.HighestPrice)
	}

	// A new high raises the mark.
	broker.set(&models.Portfolio{Positions: []models.Position{holding("TQQQ", 8, 24.50, 31.00)}})
	if err := m.SyncPositions(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	pos, _ = m.Get("TQQQ")
	if pos.HighestPrice != 31.00 {
		t.Errorf("high-water mark = %v, want raised to 31.00", pos.HighestPrice)
	}
}

// TestSyncDropsClosedPositions verifies positions the broker no longer
// reports leave the book.
func TestSyncDropsClosedPositions(t *testing.T) {
	broker := &fakeBroker{pf: &models.Portfolio{
		Positions: []models.Position{holding("TQQQ", 10, 24.00, 25.00)},
	}}
	m := newTestMonitor(broker, &recordingExecutor{})
	m.Adopt(holding("SOXL", 5, 30.00, 29.00))

	if err := m.SyncPositions(context.Background()); err != nil {
		t.Fatalf("SyncPositions: %v", err)
	}
	if _, ok := m.Get("SOXL"); ok {
		t.Error("position absent at broker still tracked")
	}
	if _, ok := m.Get("TQQQ"); !ok {
		t.Error("broker-reported position not tracked")
	}
}

// TestSyncBrokerUnavailable verifies a failed balance call leaves the book
// untouched.
func TestSyncBrokerUnavailable(t *testing.T) {
	broker := &fakeBroker{err: errors.New("gateway timeout")}
	m := newTestMonitor(broker, &recordingExecutor{})
	m.Adopt(holding("TQQQ", 10, 24.00, 25.00))

	if err := m.SyncPositions(context.Background()); err == nil {
		t.Fatal("SyncPositions succeeded with broker down")
	}
	if _, ok := m.Get("TQQQ"); !ok {
		t.Error("tracked position dropped on a failed sync")
	}
}

// TestRecordLiquidationFloorsAtZero verifies liquidation progress never
// drives the held quantity negative.
func TestRecordLiquidationFloorsAtZero(t *testing.T) {
	m := newTestMonitor(&fakeBroker{}, &recordingExecutor{})
	seeded := holding("TQQQ", 10, 24.00, 25.00)
	seeded.OriginalQuantity = 10
	m.Adopt(seeded)

	m.RecordLiquidation("TQQQ", 6)
	m.RecordLiquidation("TQQQ", 6)

	pos, _ := m.Get("TQQQ")
	if pos.Quantity != 0 {
		t.Errorf("quantity = %d, want floored at 0", pos.Quantity)
	}
	if pos.LiquidatedQty != 12 {
		t.Errorf("liquidated = %d, want 12", pos.LiquidatedQty)
	}

	// Unknown tickers are a no-op.
	m.RecordLiquidation("SOXL", 5)
}

// TestMonitorAllStopLossExit verifies a position through the stop floor is
// fully closed during the monitoring cycle.
func TestMonitorAllStopLossExit(t *testing.T) {
	// -2.5% against the -2% stop.
	broker := &fakeBroker{pf: &models.Portfolio{
		Positions: []models.Position{holding("TQQQ", 10, 24.00, 23.40)},
	}}
	executor := &recordingExecutor{}
	m := newTestMonitor(broker, executor)

	if err := m.MonitorAll(context.Background()); err != nil {
		t.Fatalf("MonitorAll: %v", err)
	}

	signals := executor.recorded()
	if len(signals) != 1 {
		t.Fatalf("exits = %d, want 1", len(signals))
	}
	if signals[0].Reason != models.ExitReasonStopLoss {
		t.Errorf("reason = %q, want stop loss", signals[0].Reason)
	}
	if signals[0].Quantity != 10 {
		t.Errorf("exit quantity = %d, want full position", signals[0].Quantity)
	}

	pos, _ := m.Get("TQQQ")
	if pos.LiquidatedQty != 10 {
		t.Errorf("liquidation not recorded after accepted exit: %+v", pos)
	}
}

// TestMonitorAllExitFailureKeepsPosition verifies a rejected exit order does
// not advance the liquidation counter, so the next cycle retries.
func TestMonitorAllExitFailureKeepsPosition(t *testing.T) {
	broker := &fakeBroker{pf: &models.Portfolio{
		Positions: []models.Position{holding("TQQQ", 10, 24.00, 23.40)},
	}}
	executor := &recordingExecutor{fail: true}
	m := newTestMonitor(broker, executor)

	if err := m.MonitorAll(context.Background()); err != nil {
		t.Fatalf("MonitorAll: %v", err)
	}
	pos, _ := m.Get("TQQQ")
	if pos.LiquidatedQty != 0 || pos.Quantity != 10 {
		t.Errorf("failed exit mutated the book: %+v", pos)
	}
}

// fakeStrategy always returns the same signal.
type fakeStrategy struct{ signal *models.ExitSignal }

func (f fakeStrategy) Evaluate(pos models.Position) *models.ExitSignal { return f.signal }

// TestStrategySignalTakesPrecedence verifies a strategy exit is executed as
// given even when the staged hard-limit schedule would only sell part of the
// position: a full exit on a day-3 holding stays a full exit.
func TestStrategySignalTakesPrecedence(t *testing.T) {
	pos := holding("TQQQ", 100, 24.00, 25.00)
	pos.EntryTime = time.Now().Add(-(3*24 + 2) * time.Hour) // day 3, staged 50%
	pos.OriginalQuantity = 100

	broker := &fakeBroker{pf: &models.Portfolio{Positions: []models.Position{pos}}}
	executor := &recordingExecutor{}
	hard := safety.NewHardSafety(safety.DefaultLimits())
	m := NewMonitor(broker, executor, fakeStrategy{signal: &models.ExitSignal{
		Ticker: "TQQQ", Quantity: 100, Reason: models.ExitReasonSignal,
	}}, hard, zerolog.Nop())
	m.Adopt(pos)

	if err := m.MonitorAll(context.Background()); err != nil {
		t.Fatalf("MonitorAll: %v", err)
	}
	signals := executor.recorded()
	if len(signals) != 1 {
		t.Fatalf("signals = %+v, want exactly one exit", signals)
	}
	if signals[0].Quantity != 100 || signals[0].Reason != models.ExitReasonSignal {
		t.Errorf("signal = %+v, want the strategy's full exit of 100", signals[0])
	}
}

// TestHardLimitBacksUpSilentStrategy verifies the hard-limit check still
// fires when the strategy returns no signal.
func TestHardLimitBacksUpSilentStrategy(t *testing.T) {
	broker := &fakeBroker{pf: &models.Portfolio{
		Positions: []models.Position{holding("TQQQ", 10, 24.00, 23.40)}, // -2.5%
	}}
	executor := &recordingExecutor{}
	hard := safety.NewHardSafety(safety.DefaultLimits())
	m := NewMonitor(broker, executor, fakeStrategy{signal: nil}, hard, zerolog.Nop())

	if err := m.MonitorAll(context.Background()); err != nil {
		t.Fatalf("MonitorAll: %v", err)
	}
	signals := executor.recorded()
	if len(signals) != 1 || signals[0].Reason != models.ExitReasonStopLoss {
		t.Fatalf("signals = %+v, want the hard stop-loss as the fallback", signals)
	}
}

// TestForcedLiquidationSchedule verifies the staged schedule: half the
// original size by day 3, and the position is idempotent across repeated
// passes within the same stage.
func TestForcedLiquidationSchedule(t *testing.T) {
	entry := time.Now().Add(-(3*24 + 2) * time.Hour) // day 3
	pos := holding("TQQQ", 100, 24.00, 25.00)
	pos.EntryTime = entry
	pos.OriginalQuantity = 100

	broker := &fakeBroker{pf: &models.Portfolio{Positions: []models.Position{pos}}}
	executor := &recordingExecutor{}
	m := newTestMonitor(broker, executor)
	seeded := pos
	m.Adopt(seeded)

	f := NewForcedLiquidator(m, executor, events.NewEventBus(), 5, zerolog.Nop())

	placed, err := f.CheckAndLiquidate(context.Background())
	if err != nil {
		t.Fatalf("CheckAndLiquidate: %v", err)
	}
	if placed != 1 {
		t.Fatalf("placed = %d, want 1", placed)
	}
	signals := executor.recorded()
	if signals[0].Quantity != 50 || signals[0].Reason != models.ExitReasonStaged {
		t.Errorf("signal = %+v, want staged sale of 50", signals[0])
	}

	// The fill shows up at the broker; a second pass in the same stage sells
	// nothing more.
	filled := pos
	filled.Quantity = 50
	broker.set(&models.Portfolio{Positions: []models.Position{filled}})

	placed, err = f.CheckAndLiquidate(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if placed != 0 {
		t.Errorf("second pass placed %d orders, want 0", placed)
	}
}

// TestForcedLiquidationClosesAtLimit verifies the remainder is closed
// entirely once the holding limit is reached.
func TestForcedLiquidationClosesAtLimit(t *testing.T) {
	entry := time.Now().Add(-(5*24 + 2) * time.Hour) // at the 5-day limit
	pos := holding("TQQQ", 25, 24.00, 25.00)
	pos.EntryTime = entry
	pos.OriginalQuantity = 100
	pos.LiquidatedQty = 75

	broker := &fakeBroker{pf: &models.Portfolio{Positions: []models.Position{pos}}}
	executor := &recordingExecutor{}
	m := newTestMonitor(broker, executor)
	m.Adopt(pos)

	f := NewForcedLiquidator(m, executor, events.NewEventBus(), 5, zerolog.Nop())
	placed, err := f.CheckAndLiquidate(context.Background())
	if err != nil {
		t.Fatalf("CheckAndLiquidate: %v", err)
	}
	if placed != 1 {
		t.Fatalf("placed = %d, want 1", placed)
	}
	signals := executor.recorded()
	if signals[0].Quantity != 25 || signals[0].Reason != models.ExitReasonForced {
		t.Errorf("signal = %+v, want forced close of the remaining 25", signals[0])
	}
}

// TestPortfolioSummaryPrefersBrokerTotals verifies the summary reports the
// broker's account totals when the balance call succeeds.
func TestPortfolioSummaryPrefersBrokerTotals(t *testing.T) {
	pos := holding("TQQQ", 10, 20.00, 21.00)
	broker := &fakeBroker{pf: &models.Portfolio{
		Cash:       5000,
		TotalValue: 5210,
		TotalPnL:   10,
		Positions:  []models.Position{pos},
	}}
	m := newTestMonitor(broker, &recordingExecutor{})
	m.Adopt(pos)

	s := m.GetPortfolioSummary(context.Background())
	if s.Source != "broker" {
		t.Fatalf("Source = %q, want broker", s.Source)
	}
	if s.TotalValue != 5210 || s.Cash != 5000 || s.UnrealizedPnL != 10 {
		t.Errorf("summary = %+v, want broker totals 5210/5000/10", s)
	}
	if s.PositionCount != 1 {
		t.Errorf("PositionCount = %d, want 1", s.PositionCount)
	}
}

// TestPortfolioSummaryFallsBackToLocalMarks verifies the summary sums the
// tracked book when the balance call fails.
func TestPortfolioSummaryFallsBackToLocalMarks(t *testing.T) {
	broker := &fakeBroker{err: errors.New("balance unavailable")}
	m := newTestMonitor(broker, &recordingExecutor{})
	m.Adopt(holding("TQQQ", 10, 20.00, 21.00))
	m.Adopt(holding("SOXL", 5, 30.00, 29.00))

	s := m.GetPortfolioSummary(context.Background())
	if s.Source != "local" {
		t.Fatalf("Source = %q, want local", s.Source)
	}
	if s.TotalValue != 10*21.00+5*29.00 {
		t.Errorf("TotalValue = %v, want 355", s.TotalValue)
	}
	if s.UnrealizedPnL != 10*1.00+5*(-1.00) {
		t.Errorf("UnrealizedPnL = %v, want 5", s.UnrealizedPnL)
	}
	if s.PositionCount != 2 {
		t.Errorf("PositionCount = %d, want 2", s.PositionCount)
	}
}
