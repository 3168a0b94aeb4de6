package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth returns server health status. Degraded mode (quota fallback,
// broker trouble) is reported but still answers 200: the process is alive
// and still protecting positions.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbHealthy := true
	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			dbHealthy = false
		}
	}

	degraded := false
	degradedReason := ""
	if s.degraded != nil {
		degraded, degradedReason = s.degraded()
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !dbHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else if degraded {
		status = "degraded"
	}

	c.JSON(httpStatus, gin.H{
		"status":          status,
		"database":        dbHealthy,
		"degraded":        degraded,
		"degraded_reason": degradedReason,
		"time":            time.Now().Format(time.RFC3339),
	})
}

// handlePortfolio returns the tracked position book and its aggregates.
func (s *Server) handlePortfolio(c *gin.Context) {
	summary := s.monitor.GetPortfolioSummary(c.Request.Context())
	positions := s.monitor.Positions()

	rows := make([]gin.H, 0, len(positions))
	for _, pos := range positions {
		rows = append(rows, gin.H{
			"ticker":            pos.Ticker,
			"exchange":          pos.Exchange,
			"quantity":          pos.Quantity,
			"original_quantity": pos.OriginalQuantity,
			"liquidated_qty":    pos.LiquidatedQty,
			"avg_price":         pos.AvgPrice,
			"current_price":     pos.CurrentPrice,
			"highest_price":     pos.HighestPrice,
			"unrealized_pnl":    pos.UnrealizedPnLPct(),
			"holding_days":      pos.HoldingDays(time.Now()),
			"entry_time":        pos.EntryTime,
		})
	}

	successResponse(c, gin.H{
		"summary":   summary,
		"positions": rows,
	})
}

// handleSafety returns the hard-limit counters and quota usage.
func (s *Server) handleSafety(c *gin.Context) {
	used, max := s.guard.Usage()
	successResponse(c, gin.H{
		"hard_limits": s.hard.GetStatus(),
		"quota": gin.H{
			"used": used,
			"max":  max,
		},
	})
}

// handleRecentTrades returns the latest ledger rows.
func (s *Server) handleRecentTrades(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			errorResponse(c, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	trades, err := s.trades.GetRecentTrades(c.Request.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to query recent trades")
		errorResponse(c, http.StatusInternalServerError, "failed to query trades")
		return
	}
	successResponse(c, trades)
}

// handlePendingOrders returns orders still awaiting fill confirmation.
func (s *Server) handlePendingOrders(c *gin.Context) {
	orders, err := s.pending.List(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list pending orders")
		errorResponse(c, http.StatusInternalServerError, "failed to list pending orders")
		return
	}
	successResponse(c, orders)
}
