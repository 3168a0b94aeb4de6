package safety

import (
	"context"
	"fmt"

	"kis-trading-bot/internal/logging"
	"kis-trading-bot/internal/models"
)

// AccountClient is the minimal broker capability the session precondition
// checks need.
type AccountClient interface {
	GetBalance(ctx context.Context) (*models.Portfolio, error)
	TokenValid() bool
}

// CheckResult is the outcome of one session precondition check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// AccountCheckReport aggregates the session precondition checks.
type AccountCheckReport struct {
	SafeToTrade bool          `json:"safe_to_trade"`
	Checks      []CheckResult `json:"checks"`
}

// AccountSafetyChecker runs the session-level precondition gate once before
// a trading session starts: margin mode disabled, margin ratio at 100%, and
// a valid broker token. When the broker is unreachable each check degrades
// to the configuration-declared expectation instead of failing the session
// with an error.
type AccountSafetyChecker struct {
	client          AccountClient
	expectNoMargin  bool
	allowedCurrency models.Currency
	log             *logging.Logger
}

// NewAccountSafetyChecker creates the checker. expectNoMargin is the
// configuration-declared account expectation used when the broker cannot be
// queried.
func NewAccountSafetyChecker(client AccountClient, expectNoMargin bool, currency models.Currency) *AccountSafetyChecker {
	return &AccountSafetyChecker{
		client:          client,
		expectNoMargin:  expectNoMargin,
		allowedCurrency: currency,
		log:             logging.WithComponent("account-check"),
	}
}

// CheckAll runs the three independent checks. All must pass for
// SafeToTrade.
func (a *AccountSafetyChecker) CheckAll(ctx context.Context) AccountCheckReport {
	var portfolio *models.Portfolio
	if a.client != nil {
		pf, err := a.client.GetBalance(ctx)
		if err != nil {
			a.log.WithError(err).Warn("Broker unavailable for account checks, falling back to configuration")
		} else {
			portfolio = pf
		}
	}

	checks := []CheckResult{
		a.checkMarginMode(portfolio),
		a.checkMarginRatio(portfolio),
		a.checkToken(),
	}

	report := AccountCheckReport{SafeToTrade: true, Checks: checks}
	for _, c := range checks {
		if !c.Passed {
			report.SafeToTrade = false
			a.log.Warn("Account precondition failed", "check", c.Name, "detail", c.Detail)
		}
	}
	return report
}

// Unified/cross-margin must be disabled at the account level. The overseas
// cash account reports no loan when margin is off; absent broker data the
// configured expectation decides.
func (a *AccountSafetyChecker) checkMarginMode(portfolio *models.Portfolio) CheckResult {
	if portfolio == nil {
		return CheckResult{
			Name:   "margin_mode",
			Passed: a.expectNoMargin,
			Detail: "broker unavailable, using configured expectation",
		}
	}
	if portfolio.MarginRatioPct < 100 {
		return CheckResult{
			Name:   "margin_mode",
			Passed: false,
			Detail: fmt.Sprintf("account reports margin usage (ratio %.1f%%), unified margin must be disabled", portfolio.MarginRatioPct),
		}
	}
	return CheckResult{Name: "margin_mode", Passed: true, Detail: "no margin usage detected"}
}

// Margin ratio must read 100%: no position, or cash fully covering
// positions, counts as a pass.
func (a *AccountSafetyChecker) checkMarginRatio(portfolio *models.Portfolio) CheckResult {
	if portfolio == nil {
		return CheckResult{
			Name:   "margin_ratio",
			Passed: a.expectNoMargin,
			Detail: "broker unavailable, using configured expectation",
		}
	}
	if portfolio.MarginRatioPct >= 100 {
		return CheckResult{
			Name:   "margin_ratio",
			Passed: true,
			Detail: fmt.Sprintf("margin ratio %.1f%%", portfolio.MarginRatioPct),
		}
	}
	return CheckResult{
		Name:   "margin_ratio",
		Passed: false,
		Detail: fmt.Sprintf("margin ratio %.1f%% below required 100%%", portfolio.MarginRatioPct),
	}
}

func (a *AccountSafetyChecker) checkToken() CheckResult {
	if a.client == nil {
		return CheckResult{Name: "broker_token", Passed: false, Detail: "broker client not configured"}
	}
	if !a.client.TokenValid() {
		return CheckResult{Name: "broker_token", Passed: false, Detail: "broker token absent or expired"}
	}
	return CheckResult{Name: "broker_token", Passed: true, Detail: "token present and unexpired"}
}
