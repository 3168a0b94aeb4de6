package safety

import (
	"context"
	"fmt"
	"time"

	"kis-trading-bot/internal/logging"
	"kis-trading-bot/internal/models"
)

// AuditEntry is one append-only capital-guard audit row. The audit record is
// evidence, never the channel used to allow or deny.
type AuditEntry struct {
	Check     string
	Ticker    string
	Passed    bool
	Detail    string
	CheckedAt time.Time
}

// AuditLog persists capital-guard audit entries. A write failure is logged
// and absorbed: auditing must never block an order decision.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// CapitalGuard enforces the absolute capital invariants: single settlement
// currency, no margin, no overdraft. It runs independently of the
// performance-based hard limits.
type CapitalGuard struct {
	allowedCurrency models.Currency
	audit           AuditLog
	log             *logging.Logger
}

// NewCapitalGuard creates a CapitalGuard. audit may be nil in tests.
func NewCapitalGuard(allowedCurrency models.Currency, audit AuditLog) *CapitalGuard {
	return &CapitalGuard{
		allowedCurrency: allowedCurrency,
		audit:           audit,
		log:             logging.WithComponent("capital-guard"),
	}
}

// ValidateOrder checks the capital invariants in order: currency, margin,
// balance. Sell orders bypass the margin and balance checks — exits must
// never be blocked by capital checks — but still pass currency validation.
// Every check outcome, pass or fail, is appended to the audit log.
func (g *CapitalGuard) ValidateOrder(ctx context.Context, order models.Order, portfolio *models.Portfolio) Verdict {
	if v := g.checkCurrency(ctx, order); !v.Allowed {
		return v
	}

	if order.IsSell() {
		return Allow("capital")
	}

	if v := g.checkMargin(ctx, order, portfolio); !v.Allowed {
		return v
	}
	if v := g.checkBalance(ctx, order, portfolio); !v.Allowed {
		return v
	}
	return Allow("capital")
}

func (g *CapitalGuard) checkCurrency(ctx context.Context, order models.Order) Verdict {
	currency := order.Currency
	if currency == "" {
		currency = models.CurrencyUSD
	}
	if currency != g.allowedCurrency {
		detail := fmt.Sprintf("order currency %s does not match account currency %s", currency, g.allowedCurrency)
		g.record(ctx, "currency", order.Ticker, false, detail)
		return Deny("currency", detail)
	}
	g.record(ctx, "currency", order.Ticker, true, string(currency))
	return Allow("currency")
}

func (g *CapitalGuard) checkMargin(ctx context.Context, order models.Order, portfolio *models.Portfolio) Verdict {
	ratio := 100.0
	if portfolio != nil {
		ratio = portfolio.MarginRatioPct
	}
	if ratio < 100 {
		detail := fmt.Sprintf("margin ratio %.1f%% below 100%%, credit trading is disallowed", ratio)
		g.record(ctx, "margin", order.Ticker, false, detail)
		return Deny("margin", detail)
	}
	g.record(ctx, "margin", order.Ticker, true, fmt.Sprintf("margin ratio %.1f%%", ratio))
	return Allow("margin")
}

func (g *CapitalGuard) checkBalance(ctx context.Context, order models.Order, portfolio *models.Portfolio) Verdict {
	cash := 0.0
	if portfolio != nil {
		cash = portfolio.Cash
	}
	notional := order.Notional()
	if notional > cash {
		detail := fmt.Sprintf("order notional %.2f exceeds available cash %.2f, no overdraft permitted", notional, cash)
		g.record(ctx, "balance", order.Ticker, false, detail)
		return Deny("balance", detail)
	}
	g.record(ctx, "balance", order.Ticker, true, fmt.Sprintf("notional %.2f within cash %.2f", notional, cash))
	return Allow("balance")
}

func (g *CapitalGuard) record(ctx context.Context, check, ticker string, passed bool, detail string) {
	if g.audit == nil {
		return
	}
	entry := AuditEntry{
		Check:     check,
		Ticker:    ticker,
		Passed:    passed,
		Detail:    detail,
		CheckedAt: time.Now(),
	}
	if err := g.audit.AppendAudit(ctx, entry); err != nil {
		g.log.WithError(err).Warn("Failed to append capital audit entry", "check", check)
	}
}
