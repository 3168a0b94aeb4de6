// Package order executes entries and exits through the brokerage client,
// routing every entry through the safety stack first and keeping the trades
// ledger and the pending-order tracker consistent with what the broker
// actually accepted.
package order

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"kis-trading-bot/internal/models"
)

// Redis key prefixes for pending-order tracking
const (
	// pendingOrderKeyPrefix is the prefix for individual pending orders.
	// Format: kisbot:pending_order:{ticker}:{orderNo}
	pendingOrderKeyPrefix = "kisbot:pending_order"

	// pendingOrderListKey is the set of all pending order keys
	pendingOrderListKey = "kisbot:pending_orders:list"

	// pendingOrderTTLBuffer keeps expired entries around long enough for the
	// cancel scan to observe them before Redis reaps the key
	pendingOrderTTLBuffer = time.Hour
)

// PendingOrder is the tracked state of an order awaiting fill confirmation.
type PendingOrder struct {
	OrderNo        string           `json:"order_no"`
	TradeID        string           `json:"trade_id"`
	Ticker         string           `json:"ticker"`
	Exchange       string           `json:"exchange"`
	Side           models.OrderSide `json:"side"`
	Price          float64          `json:"price"`
	ReferencePrice float64          `json:"reference_price"`
	Quantity       int              `json:"quantity"`
	PlacedAt       time.Time        `json:"placed_at"`
}

// Age returns how long the order has been outstanding.
func (p PendingOrder) Age(now time.Time) time.Duration {
	return now.Sub(p.PlacedAt)
}

// PendingTracker tracks unfilled orders in Redis so they survive restarts.
// The cancel scan owned by the manager decides when a tracked order has
// waited too long.
type PendingTracker struct {
	client  *redis.Client
	maxWait time.Duration
	logger  zerolog.Logger
}

// NewPendingTracker creates a PendingTracker. maxWait bounds how long an
// order may stay open before the cancel scan gives up on it.
func NewPendingTracker(client *redis.Client, maxWait time.Duration, logger zerolog.Logger) *PendingTracker {
	return &PendingTracker{
		client:  client,
		maxWait: maxWait,
		logger:  logger.With().Str("component", "PendingTracker").Logger(),
	}
}

// MaxWait returns the configured fill deadline.
func (t *PendingTracker) MaxWait() time.Duration {
	return t.maxWait
}

// Track registers an accepted order for fill monitoring.
func (t *PendingTracker) Track(ctx context.Context, order PendingOrder) error {
	if t.client == nil {
		return fmt.Errorf("redis client not available")
	}
	if order.PlacedAt.IsZero() {
		order.PlacedAt = time.Now()
	}

	key := t.key(order.Ticker, order.OrderNo)
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal pending order: %w", err)
	}

	ttl := t.maxWait + pendingOrderTTLBuffer
	if err := t.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store pending order: %w", err)
	}
	if err := t.client.SAdd(ctx, pendingOrderListKey, key).Err(); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("failed to add pending order to list")
	}

	t.logger.Info().
		Str("order_no", order.OrderNo).
		Str("ticker", order.Ticker).
		Str("side", string(order.Side)).
		Int("quantity", order.Quantity).
		Msg("tracking pending order")
	return nil
}

// Remove drops an order from tracking once it is filled or cancelled.
func (t *PendingTracker) Remove(ctx context.Context, ticker, orderNo string) error {
	if t.client == nil {
		return nil
	}
	key := t.key(ticker, orderNo)
	if err := t.client.Del(ctx, key).Err(); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("failed to delete pending order")
	}
	if err := t.client.SRem(ctx, pendingOrderListKey, key).Err(); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("failed to remove pending order from list")
	}
	return nil
}

// List returns all currently tracked orders, pruning expired keys from the
// index as it goes.
func (t *PendingTracker) List(ctx context.Context) ([]PendingOrder, error) {
	if t.client == nil {
		return nil, fmt.Errorf("redis client not available")
	}

	keys, err := t.client.SMembers(ctx, pendingOrderListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending order keys: %w", err)
	}

	var orders []PendingOrder
	for _, key := range keys {
		data, err := t.client.Get(ctx, key).Result()
		if err == redis.Nil {
			t.client.SRem(ctx, pendingOrderListKey, key)
			continue
		} else if err != nil {
			t.logger.Warn().Err(err).Str("key", key).Msg("failed to read pending order")
			continue
		}

		var order PendingOrder
		if err := json.Unmarshal([]byte(data), &order); err != nil {
			t.logger.Warn().Err(err).Str("key", key).Msg("failed to decode pending order")
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// Get returns one tracked order, or nil when it is no longer tracked.
func (t *PendingTracker) Get(ctx context.Context, ticker, orderNo string) (*PendingOrder, error) {
	if t.client == nil {
		return nil, fmt.Errorf("redis client not available")
	}

	data, err := t.client.Get(ctx, t.key(ticker, orderNo)).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get pending order: %w", err)
	}

	var order PendingOrder
	if err := json.Unmarshal([]byte(data), &order); err != nil {
		return nil, fmt.Errorf("decode pending order: %w", err)
	}
	return &order, nil
}

func (t *PendingTracker) key(ticker, orderNo string) string {
	return fmt.Sprintf("%s:%s:%s", pendingOrderKeyPrefix, ticker, orderNo)
}
