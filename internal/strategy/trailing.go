// Package strategy holds the discretionary exit rules layered on top of the
// hard safety limits. Strategies only propose exits; the hard limits always
// get the final word in the position monitor.
package strategy

import (
	"fmt"

	"github.com/rs/zerolog"

	"kis-trading-bot/internal/models"
)

// TrailingStop exits a position once the price gives back a fixed percentage
// from its high-water mark, after the position has first moved far enough
// into profit to arm the trail. Below the activation profit the ordinary
// stop-loss limit is the only downside protection.
type TrailingStop struct {
	activationPct float64
	givebackPct   float64
	logger        zerolog.Logger
}

// NewTrailingStop creates a trailing-stop exit strategy. activationPct is the
// unrealized profit (percent of entry) that arms the trail; givebackPct is
// the retracement from the high-water mark that triggers the exit.
func NewTrailingStop(activationPct, givebackPct float64, logger zerolog.Logger) *TrailingStop {
	return &TrailingStop{
		activationPct: activationPct,
		givebackPct:   givebackPct,
		logger:        logger.With().Str("component", "TrailingStop").Logger(),
	}
}

// Evaluate returns a full-position exit signal when the trail is armed and
// the current price has retraced past the giveback threshold. The high-water
// mark comes from the position book, so the trail survives restarts as long
// as the book does.
func (s *TrailingStop) Evaluate(pos models.Position) *models.ExitSignal {
	if pos.Quantity <= 0 || pos.AvgPrice <= 0 || pos.HighestPrice <= 0 {
		return nil
	}

	peakGainPct := (pos.HighestPrice - pos.AvgPrice) / pos.AvgPrice * 100
	if peakGainPct < s.activationPct {
		return nil
	}

	stopPrice := pos.HighestPrice * (1 - s.givebackPct/100)
	if pos.CurrentPrice > stopPrice {
		return nil
	}

	s.logger.Info().
		Str("ticker", pos.Ticker).
		Float64("high", pos.HighestPrice).
		Float64("stop", stopPrice).
		Float64("current", pos.CurrentPrice).
		Msg("trailing stop triggered")

	return &models.ExitSignal{
		Ticker:   pos.Ticker,
		Quantity: pos.Quantity,
		Reason:   models.ExitReasonSignal,
		Detail: fmt.Sprintf("trailing stop: %.2f%% giveback from high %.2f (stop %.2f)",
			s.givebackPct, pos.HighestPrice, stopPrice),
	}
}
