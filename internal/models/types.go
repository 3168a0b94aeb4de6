// Package models holds the typed trading domain objects shared by the
// execution core. Payloads coming from the broker or the decision layer are
// converted into these structs at the boundary; nothing downstream works on
// raw maps.
package models

import (
	"fmt"
	"time"
)

type OrderSide string
type OrderType string
type TradingMode string
type Currency string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"

	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"

	CurrencyUSD Currency = "USD"
)

// Order is an order intent before it reaches the broker. Price is zero for
// market orders; the paper venue rewrite fills it in.
type Order struct {
	Ticker   string
	Exchange string
	Side     OrderSide
	Type     OrderType
	Quantity int
	Price    float64
	Currency Currency
}

// Validate rejects malformed orders at construction time rather than deep
// inside the safety stack.
func (o Order) Validate() error {
	if o.Ticker == "" {
		return fmt.Errorf("order missing ticker")
	}
	if o.Side != OrderSideBuy && o.Side != OrderSideSell {
		return fmt.Errorf("order %s: invalid side %q", o.Ticker, o.Side)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("order %s: invalid quantity %d", o.Ticker, o.Quantity)
	}
	if o.Type == OrderTypeLimit && o.Price <= 0 {
		return fmt.Errorf("order %s: limit order without price", o.Ticker)
	}
	return nil
}

// Notional returns quantity*price, the cash the order would consume.
func (o Order) Notional() float64 {
	return float64(o.Quantity) * o.Price
}

// IsSell reports whether the order reduces exposure. Exit orders are treated
// preferentially throughout the safety stack: they are never blocked.
func (o Order) IsSell() bool {
	return o.Side == OrderSideSell
}

// Position is a locally tracked holding. Quantity, AvgPrice and CurrentPrice
// are overwritten from broker truth on every sync; the metadata fields
// (EntryTime, Direction, TradeID, HighestPrice, LiquidatedQty,
// OriginalQuantity) are locally authoritative and survive sync.
type Position struct {
	Ticker           string
	Exchange         string
	Quantity         int
	OriginalQuantity int
	LiquidatedQty    int
	AvgPrice         float64
	CurrentPrice     float64
	HighestPrice     float64
	Direction        OrderSide
	EntryTime        time.Time
	TradeID          string
}

// HoldingDays returns whole days elapsed since entry, floored at zero.
func (p Position) HoldingDays(now time.Time) int {
	if p.EntryTime.IsZero() || now.Before(p.EntryTime) {
		return 0
	}
	return int(now.Sub(p.EntryTime).Hours() / 24)
}

// UnrealizedPnLPct returns the open P&L as a percentage of average cost.
func (p Position) UnrealizedPnLPct() float64 {
	if p.AvgPrice <= 0 {
		return 0
	}
	return (p.CurrentPrice - p.AvgPrice) / p.AvgPrice * 100
}

// MarketValue returns the current market value of the holding.
func (p Position) MarketValue() float64 {
	return float64(p.Quantity) * p.CurrentPrice
}

// Portfolio is the snapshot the safety stack evaluates orders against.
type Portfolio struct {
	Cash           float64
	TotalValue     float64
	TotalPnL       float64
	Currency       Currency
	MarginRatioPct float64
	Positions      []Position
	FetchedAt      time.Time
}

// PositionValue returns the market value currently held in ticker.
func (pf Portfolio) PositionValue(ticker string) float64 {
	for _, p := range pf.Positions {
		if p.Ticker == ticker {
			return p.MarketValue()
		}
	}
	return 0
}

// InvestedValue sums the market value of all holdings.
func (pf Portfolio) InvestedValue() float64 {
	var total float64
	for _, p := range pf.Positions {
		total += p.MarketValue()
	}
	return total
}

// ExitReason labels why a position was (partially) closed.
type ExitReason string

const (
	ExitReasonSignal     ExitReason = "STRATEGY_SIGNAL"
	ExitReasonStopLoss   ExitReason = "STOP_LOSS"
	ExitReasonMaxHolding ExitReason = "MAX_HOLDING_PERIOD"
	ExitReasonStaged     ExitReason = "STAGED_LIQUIDATION"
	ExitReasonForced     ExitReason = "FORCED_LIQUIDATION"
	ExitReasonManual     ExitReason = "MANUAL"
)

// ExitSignal instructs the order manager to reduce or close a position.
type ExitSignal struct {
	Ticker   string
	Quantity int
	Reason   ExitReason
	Detail   string
}

// EntrySignal is what the decision layer submits for a new position.
type EntrySignal struct {
	Ticker     string
	Exchange   string
	Quantity   int
	Confidence float64
	Source     string
}

// TradeRecord is the persisted ledger row for one round trip. Exit fields are
// written exactly once, at exit.
type TradeRecord struct {
	ID             string
	Ticker         string
	Side           OrderSide
	Quantity       int
	EntryPrice     float64
	ExitPrice      float64
	EntryTime      time.Time
	ExitTime       *time.Time
	RealizedPnL    float64
	RealizedPnLPct float64
	HoldingMinutes int
	ExitReason     string
	OrderNo        string
	Status         string
}

// Trade record status values.
const (
	TradeStatusOpen   = "OPEN"
	TradeStatusClosed = "CLOSED"
)

// Quote is a normalized price snapshot from the market-data endpoint.
type Quote struct {
	Ticker    string
	Last      float64
	Open      float64
	High      float64
	Low       float64
	PrevClose float64
	Volume    int64
	ChangePct float64
}

// Candle is one row of the daily OHLCV history endpoint.
type Candle struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}
