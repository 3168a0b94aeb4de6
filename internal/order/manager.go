package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kis-trading-bot/internal/database"
	"kis-trading-bot/internal/events"
	"kis-trading-bot/internal/kis"
	"kis-trading-bot/internal/models"
	"kis-trading-bot/internal/safety"
)

// ErrOrderBlocked is returned when the safety stack denies an entry. The
// wrapped message carries the first failing check's reason.
var ErrOrderBlocked = errors.New("order blocked by safety check")

// Broker is the slice of the brokerage client the manager needs.
type Broker interface {
	GetQuote(ctx context.Context, ticker, exchange string) (*models.Quote, error)
	PlaceOrder(ctx context.Context, order models.Order) (*kis.OrderResult, error)
	CancelOrder(ctx context.Context, ticker, exchange, orderID string, quantity int) error
	FindOrder(ctx context.Context, orderID string) (*kis.OrderHistoryItem, error)
	GetBalance(ctx context.Context) (*models.Portfolio, error)
	InvalidateBalanceCache()
}

// Book receives positions the manager just opened, so the holding clock and
// the trade-id linkage start at the true entry instead of the next broker
// sync. Implemented by the position monitor.
type Book interface {
	Adopt(pos models.Position)
}

// TradeLedger is the slice of the trades repository the manager needs.
type TradeLedger interface {
	CreateTrade(ctx context.Context, trade *models.TradeRecord) error
	CloseTrade(ctx context.Context, trade *models.TradeRecord) error
	GetOpenTradeByTicker(ctx context.Context, ticker string) (*models.TradeRecord, error)
}

// SlippageLog records fill price against reference price per order.
type SlippageLog interface {
	RecordSlippage(ctx context.Context, entry database.SlippageEntry) error
}

// VixSource returns the current VIX level for the entry-side circuit
// breaker. It may be nil, in which case the VIX check is skipped.
type VixSource func(ctx context.Context) (float64, error)

// QuoteVix builds a VixSource that reads the configured volatility symbol
// through the broker's quote endpoint, which is always served by the
// market-data credential.
func QuoteVix(broker Broker, ticker, exchange string) VixSource {
	return func(ctx context.Context) (float64, error) {
		quote, err := broker.GetQuote(ctx, ticker, exchange)
		if err != nil {
			return 0, err
		}
		return quote.Last, nil
	}
}

// Manager executes entries and exits. Entries pass through the full safety
// stack; exits are placed unconditionally, since refusing to reduce risk is
// never the safe failure mode.
type Manager struct {
	broker     Broker
	checker    *safety.SafetyChecker
	capital    *safety.CapitalGuard
	hard       *safety.HardSafety
	ledger     TradeLedger
	slippage   SlippageLog
	pending    *PendingTracker
	bus        *events.EventBus
	book       Book
	vix        VixSource
	interDelay time.Duration
	dryRun     bool
	logger     zerolog.Logger
}

// Config carries the manager's collaborators and cadence settings.
type Config struct {
	Broker          Broker
	Checker         *safety.SafetyChecker
	Capital         *safety.CapitalGuard
	Hard            *safety.HardSafety
	Ledger          TradeLedger
	Slippage        SlippageLog
	Pending         *PendingTracker
	Bus             *events.EventBus
	Vix             VixSource
	InterOrderDelay time.Duration
	DryRun          bool
	Logger          zerolog.Logger
}

// NewManager creates an order manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		broker:     cfg.Broker,
		checker:    cfg.Checker,
		capital:    cfg.Capital,
		hard:       cfg.Hard,
		ledger:     cfg.Ledger,
		slippage:   cfg.Slippage,
		pending:    cfg.Pending,
		bus:        cfg.Bus,
		vix:        cfg.Vix,
		interDelay: cfg.InterOrderDelay,
		dryRun:     cfg.DryRun,
		logger:     cfg.Logger.With().Str("component", "OrderManager").Logger(),
	}
}

// AttachBook connects the position book after construction. The monitor
// needs the manager as its exit executor, so the two are wired in two steps.
func (m *Manager) AttachBook(book Book) {
	m.book = book
}

// ExecuteEntry opens a new position from an entry signal. The reference
// price is fetched first; without it the entry is abandoned. Safety checks
// run against a fresh portfolio snapshot, and only an accepted broker order
// produces a ledger row.
func (m *Manager) ExecuteEntry(ctx context.Context, signal models.EntrySignal) (*models.TradeRecord, error) {
	quote, err := m.broker.GetQuote(ctx, signal.Ticker, signal.Exchange)
	if err != nil {
		return nil, &kis.OrderError{Ticker: signal.Ticker, Side: string(models.OrderSideBuy),
			Err: fmt.Errorf("reference price unavailable: %w", err)}
	}
	if quote.Last <= 0 {
		return nil, &kis.OrderError{Ticker: signal.Ticker, Side: string(models.OrderSideBuy),
			Err: fmt.Errorf("reference price unavailable: last=%.4f", quote.Last)}
	}

	order := models.Order{
		Ticker:   signal.Ticker,
		Exchange: signal.Exchange,
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeLimit,
		Quantity: signal.Quantity,
		Price:    quote.Last,
		Currency: models.CurrencyUSD,
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}

	portfolio, err := m.broker.GetBalance(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Str("ticker", order.Ticker).Msg("balance fetch failed before entry")
		portfolio = nil
	}

	vixValue := m.currentVix(ctx)
	verdict := m.checker.PreTradeCheck(order, portfolio, vixValue)
	if !verdict.Allowed {
		m.bus.PublishSafetyTripped("pre_trade", order.Ticker, verdict.Reason)
		return nil, fmt.Errorf("%w: %s", ErrOrderBlocked, verdict.Reason)
	}

	if capVerdict := m.capital.ValidateOrder(ctx, order, portfolio); !capVerdict.Allowed {
		m.bus.PublishSafetyTripped(capVerdict.Check, order.Ticker, capVerdict.Reason)
		return nil, fmt.Errorf("%w: %s", ErrOrderBlocked, capVerdict.Reason)
	}

	if m.dryRun {
		m.logger.Info().
			Str("ticker", order.Ticker).
			Int("quantity", order.Quantity).
			Float64("price", order.Price).
			Msg("dry run: entry passed all checks, order not sent")
		return nil, nil
	}

	result, err := m.broker.PlaceOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	m.hard.RecordTrade()
	m.broker.InvalidateBalanceCache()

	trade := &models.TradeRecord{
		ID:         uuid.New().String(),
		Ticker:     order.Ticker,
		Side:       order.Side,
		Quantity:   order.Quantity,
		EntryPrice: order.Price,
		EntryTime:  time.Now(),
		OrderNo:    result.OrderID,
		Status:     models.TradeStatusOpen,
	}
	if err := m.ledger.CreateTrade(ctx, trade); err != nil {
		// The broker accepted the order; a ledger failure must not hide that.
		m.logger.Error().Err(err).
			Str("order_no", result.OrderID).
			Str("ticker", order.Ticker).
			Msg("order accepted but ledger insert failed")
		m.bus.PublishError("order_manager", err)
	}

	if m.book != nil {
		m.book.Adopt(models.Position{
			Ticker:           order.Ticker,
			Exchange:         order.Exchange,
			Quantity:         order.Quantity,
			OriginalQuantity: order.Quantity,
			AvgPrice:         order.Price,
			CurrentPrice:     order.Price,
			HighestPrice:     order.Price,
			Direction:        models.OrderSideBuy,
			EntryTime:        trade.EntryTime,
			TradeID:          trade.ID,
		})
	}

	if err := m.pending.Track(ctx, PendingOrder{
		OrderNo:        result.OrderID,
		TradeID:        trade.ID,
		Ticker:         order.Ticker,
		Exchange:       order.Exchange,
		Side:           order.Side,
		Price:          order.Price,
		ReferencePrice: quote.Last,
		Quantity:       order.Quantity,
		PlacedAt:       time.Now(),
	}); err != nil {
		m.logger.Warn().Err(err).Str("order_no", result.OrderID).Msg("failed to track pending order")
	}

	m.bus.PublishTradeOpened(order.Ticker, trade.ID, order.Price, order.Quantity)
	m.logger.Info().
		Str("order_no", result.OrderID).
		Str("trade_id", trade.ID).
		Str("ticker", order.Ticker).
		Int("quantity", order.Quantity).
		Float64("price", order.Price).
		Str("source", signal.Source).
		Msg("entry order placed")
	return trade, nil
}

// ExecuteExit reduces or closes a position. Exits are never blocked by risk
// or capital limits; only a malformed order or a broker rejection stops one.
func (m *Manager) ExecuteExit(ctx context.Context, signal models.ExitSignal, pos models.Position) error {
	quantity := signal.Quantity
	if quantity <= 0 || quantity > pos.Quantity {
		quantity = pos.Quantity
	}
	if quantity <= 0 {
		return &kis.OrderError{Ticker: signal.Ticker, Side: string(models.OrderSideSell),
			Err: fmt.Errorf("nothing to sell")}
	}

	order := models.Order{
		Ticker:   signal.Ticker,
		Exchange: pos.Exchange,
		Side:     models.OrderSideSell,
		Type:     models.OrderTypeMarket,
		Quantity: quantity,
		Currency: models.CurrencyUSD,
	}

	// Sells bypass risk and balance limits, but the settlement-currency
	// check still applies.
	if capVerdict := m.capital.ValidateOrder(ctx, order, nil); !capVerdict.Allowed {
		m.bus.PublishSafetyTripped(capVerdict.Check, order.Ticker, capVerdict.Reason)
		return fmt.Errorf("%w: %s", ErrOrderBlocked, capVerdict.Reason)
	}

	if m.dryRun {
		m.logger.Info().
			Str("ticker", order.Ticker).
			Int("quantity", quantity).
			Str("reason", string(signal.Reason)).
			Msg("dry run: exit order not sent")
		return nil
	}

	result, err := m.broker.PlaceOrder(ctx, order)
	if err != nil {
		return err
	}
	m.broker.InvalidateBalanceCache()

	exitPrice := pos.CurrentPrice
	m.logger.Info().
		Str("order_no", result.OrderID).
		Str("ticker", signal.Ticker).
		Int("quantity", quantity).
		Str("reason", string(signal.Reason)).
		Str("detail", signal.Detail).
		Msg("exit order placed")

	if quantity >= pos.Quantity {
		m.closeLedgerTrade(ctx, signal, pos, exitPrice)
	}
	return nil
}

// closeLedgerTrade writes the exit fields for a fully closed position and
// feeds the realized result into the daily loss accumulator.
func (m *Manager) closeLedgerTrade(ctx context.Context, signal models.ExitSignal, pos models.Position, exitPrice float64) {
	trade, err := m.ledger.GetOpenTradeByTicker(ctx, signal.Ticker)
	if err != nil {
		if !errors.Is(err, database.ErrTradeNotFound) {
			m.logger.Warn().Err(err).Str("ticker", signal.Ticker).Msg("open trade lookup failed on exit")
		}
		return
	}

	now := time.Now()
	trade.ExitPrice = exitPrice
	trade.ExitTime = &now
	trade.RealizedPnL = (exitPrice - trade.EntryPrice) * float64(trade.Quantity)
	if trade.EntryPrice > 0 {
		trade.RealizedPnLPct = (exitPrice - trade.EntryPrice) / trade.EntryPrice * 100
	}
	trade.HoldingMinutes = int(now.Sub(trade.EntryTime).Minutes())
	trade.ExitReason = string(signal.Reason)

	if err := m.ledger.CloseTrade(ctx, trade); err != nil {
		if errors.Is(err, database.ErrTradeClosed) {
			return
		}
		m.logger.Warn().Err(err).Str("trade_id", trade.ID).Msg("failed to close ledger trade")
		return
	}

	m.hard.UpdateDailyPnL(trade.RealizedPnLPct)
	m.bus.PublishTradeClosed(trade.Ticker, trade.ID, exitPrice,
		trade.RealizedPnL, trade.RealizedPnLPct, string(signal.Reason))
}

// ExecuteBatch places a series of entries with a fixed delay between orders
// so the broker-side flood limits are never approached. A blocked or failed
// entry does not stop the rest of the batch.
func (m *Manager) ExecuteBatch(ctx context.Context, signals []models.EntrySignal) []error {
	errs := make([]error, 0, len(signals))
	for i, signal := range signals {
		if i > 0 && m.interDelay > 0 {
			select {
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
				return errs
			case <-time.After(m.interDelay):
			}
		}
		if _, err := m.ExecuteEntry(ctx, signal); err != nil {
			m.logger.Warn().Err(err).Str("ticker", signal.Ticker).Msg("batch entry failed")
			errs = append(errs, fmt.Errorf("%s: %w", signal.Ticker, err))
		}
	}
	return errs
}

// CancelUnfilledOrders scans the pending tracker: filled orders get their
// slippage recorded and leave tracking; orders past the fill deadline are
// cancelled at the broker. Returns how many orders were cancelled.
func (m *Manager) CancelUnfilledOrders(ctx context.Context) (int, error) {
	orders, err := m.pending.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending orders: %w", err)
	}

	now := time.Now()
	cancelled := 0
	for _, pending := range orders {
		status, err := m.broker.FindOrder(ctx, pending.OrderNo)
		if err != nil {
			m.logger.Warn().Err(err).Str("order_no", pending.OrderNo).Msg("fill-status lookup failed")
			continue
		}

		if status != nil && status.Filled() {
			m.recordFillSlippage(ctx, pending, status.FillPrice)
			m.pending.Remove(ctx, pending.Ticker, pending.OrderNo)
			continue
		}

		if pending.Age(now) < m.pending.MaxWait() {
			continue
		}

		if err := m.broker.CancelOrder(ctx, pending.Ticker, pending.Exchange, pending.OrderNo, pending.Quantity); err != nil {
			m.logger.Warn().Err(err).
				Str("order_no", pending.OrderNo).
				Str("ticker", pending.Ticker).
				Msg("failed to cancel stale order")
			continue
		}
		m.pending.Remove(ctx, pending.Ticker, pending.OrderNo)
		m.broker.InvalidateBalanceCache()
		cancelled++
		m.logger.Info().
			Str("order_no", pending.OrderNo).
			Str("ticker", pending.Ticker).
			Dur("age", pending.Age(now)).
			Msg("cancelled unfilled order")
	}
	return cancelled, nil
}

func (m *Manager) recordFillSlippage(ctx context.Context, pending PendingOrder, fillPrice float64) {
	if m.slippage == nil || fillPrice <= 0 || pending.ReferencePrice <= 0 {
		return
	}
	entry := database.SlippageEntry{
		TradeID:        pending.TradeID,
		Ticker:         pending.Ticker,
		Side:           pending.Side,
		ReferencePrice: pending.ReferencePrice,
		OrderPrice:     fillPrice,
		SlippagePct:    (fillPrice - pending.ReferencePrice) / pending.ReferencePrice * 100,
		RecordedAt:     time.Now(),
	}
	if err := m.slippage.RecordSlippage(ctx, entry); err != nil {
		m.logger.Warn().Err(err).Str("ticker", pending.Ticker).Msg("failed to record slippage")
	}
}

// currentVix reads the configured VIX source. When the source is absent or
// failing the check is skipped rather than blocking all entries on missing
// market data.
func (m *Manager) currentVix(ctx context.Context) float64 {
	if m.vix == nil {
		return 0
	}
	value, err := m.vix(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("vix source unavailable, skipping volatility check")
		return 0
	}
	return value
}
