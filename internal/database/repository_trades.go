package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"kis-trading-bot/internal/models"
)

// ErrTradeNotFound is returned when a ledger row does not exist.
var ErrTradeNotFound = errors.New("trade not found")

// ErrTradeClosed is returned on an attempt to close an already closed trade.
// Exit fields are written exactly once.
var ErrTradeClosed = errors.New("trade already closed")

// TradeRepository provides access to the trades ledger
type TradeRepository struct {
	db *DB
}

// NewTradeRepository creates a new trade repository
func NewTradeRepository(db *DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// CreateTrade inserts a new open trade at entry time
func (r *TradeRepository) CreateTrade(ctx context.Context, trade *models.TradeRecord) error {
	if trade.Status == "" {
		trade.Status = models.TradeStatusOpen
	}
	query := `
		INSERT INTO trades (id, ticker, side, quantity, entry_price, entry_time, order_no, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		trade.ID, trade.Ticker, trade.Side, trade.Quantity,
		trade.EntryPrice, trade.EntryTime, trade.OrderNo, trade.Status,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", trade.Ticker, err)
	}
	return nil
}

// CloseTrade writes the exit fields for an open trade. The WHERE clause
// guards status so a second close attempt cannot overwrite the first.
func (r *TradeRepository) CloseTrade(ctx context.Context, trade *models.TradeRecord) error {
	query := `
		UPDATE trades
		SET exit_price = $2, exit_time = $3, realized_pnl = $4, realized_pnl_pct = $5,
		    holding_minutes = $6, exit_reason = $7, status = $8, updated_at = NOW()
		WHERE id = $1 AND status = $9
	`
	tag, err := r.db.Pool.Exec(
		ctx, query,
		trade.ID, trade.ExitPrice, trade.ExitTime, trade.RealizedPnL, trade.RealizedPnLPct,
		trade.HoldingMinutes, trade.ExitReason, models.TradeStatusClosed, models.TradeStatusOpen,
	)
	if err != nil {
		return fmt.Errorf("close trade %s: %w", trade.ID, err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := r.tradeExists(ctx, trade.ID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrTradeNotFound
		}
		return ErrTradeClosed
	}
	return nil
}

// GetTradeByID retrieves a single ledger row
func (r *TradeRepository) GetTradeByID(ctx context.Context, id string) (*models.TradeRecord, error) {
	query := selectTradeColumns + ` WHERE id = $1`
	trade, err := scanTrade(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	return trade, nil
}

// GetOpenTradeByTicker returns the most recent open trade for a ticker
func (r *TradeRepository) GetOpenTradeByTicker(ctx context.Context, ticker string) (*models.TradeRecord, error) {
	query := selectTradeColumns + `
		WHERE ticker = $1 AND status = $2
		ORDER BY entry_time DESC
		LIMIT 1`
	trade, err := scanTrade(r.db.Pool.QueryRow(ctx, query, ticker, models.TradeStatusOpen))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, fmt.Errorf("get open trade %s: %w", ticker, err)
	}
	return trade, nil
}

// GetRecentTrades returns the latest trades ordered by entry time descending
func (r *TradeRepository) GetRecentTrades(ctx context.Context, limit int) ([]*models.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectTradeColumns + `
		ORDER BY entry_time DESC
		LIMIT $1`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent trades: %w", err)
	}
	defer rows.Close()

	var trades []*models.TradeRecord
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func (r *TradeRepository) tradeExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM trades WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check trade %s: %w", id, err)
	}
	return exists, nil
}

const selectTradeColumns = `
	SELECT id, ticker, side, quantity, entry_price, exit_price, entry_time, exit_time,
	       realized_pnl, realized_pnl_pct, holding_minutes, exit_reason, order_no, status
	FROM trades`

func scanTrade(row pgx.Row) (*models.TradeRecord, error) {
	trade := &models.TradeRecord{}
	var (
		exitPrice      *float64
		realizedPnL    *float64
		realizedPnLPct *float64
		holdingMinutes *int
		exitReason     *string
		orderNo        *string
	)
	err := row.Scan(
		&trade.ID, &trade.Ticker, &trade.Side, &trade.Quantity, &trade.EntryPrice,
		&exitPrice, &trade.EntryTime, &trade.ExitTime,
		&realizedPnL, &realizedPnLPct, &holdingMinutes, &exitReason, &orderNo, &trade.Status,
	)
	if err != nil {
		return nil, err
	}
	if exitPrice != nil {
		trade.ExitPrice = *exitPrice
	}
	if realizedPnL != nil {
		trade.RealizedPnL = *realizedPnL
	}
	if realizedPnLPct != nil {
		trade.RealizedPnLPct = *realizedPnLPct
	}
	if holdingMinutes != nil {
		trade.HoldingMinutes = *holdingMinutes
	}
	if exitReason != nil {
		trade.ExitReason = *exitReason
	}
	if orderNo != nil {
		trade.OrderNo = *orderNo
	}
	return trade, nil
}
