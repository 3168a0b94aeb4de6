package database

import (
	"context"
	"fmt"
	"time"

	"kis-trading-bot/internal/models"
)

// SlippageEntry records the gap between the reference quote at decision time
// and the price actually sent to the broker.
type SlippageEntry struct {
	TradeID        string
	Ticker         string
	Side           models.OrderSide
	ReferencePrice float64
	OrderPrice     float64
	SlippagePct    float64
	RecordedAt     time.Time
}

// SlippageRepository persists per-order slippage measurements
type SlippageRepository struct {
	db *DB
}

// NewSlippageRepository creates a new slippage repository
func NewSlippageRepository(db *DB) *SlippageRepository {
	return &SlippageRepository{db: db}
}

// RecordSlippage writes one slippage measurement
func (r *SlippageRepository) RecordSlippage(ctx context.Context, entry SlippageEntry) error {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}
	var tradeID *string
	if entry.TradeID != "" {
		tradeID = &entry.TradeID
	}
	query := `
		INSERT INTO slippage_log (trade_id, ticker, side, reference_price, order_price, slippage_pct, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		tradeID, entry.Ticker, entry.Side,
		entry.ReferencePrice, entry.OrderPrice, entry.SlippagePct, entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("record slippage %s: %w", entry.Ticker, err)
	}
	return nil
}

// AverageSlippagePct returns the mean absolute slippage over a window,
// or zero when no orders were placed in it.
func (r *SlippageRepository) AverageSlippagePct(ctx context.Context, since time.Time) (float64, error) {
	var avg *float64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT AVG(ABS(slippage_pct)) FROM slippage_log WHERE recorded_at >= $1`,
		since).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("average slippage: %w", err)
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}
