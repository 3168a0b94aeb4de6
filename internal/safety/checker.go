package safety

import (
	"context"
	"fmt"

	"kis-trading-bot/internal/logging"
	"kis-trading-bot/internal/models"
)

// QuotaChecker is the narrow view of the AI quota guard the pre-trade gate
// needs.
type QuotaChecker interface {
	CanCall() bool
	Usage() (used, max int)
}

// Pinger reports reachability of an external dependency (database, Redis).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PreTradeVerdict aggregates the individual check verdicts for one order.
// For non-sell orders every check must pass; the first failing reason wins.
type PreTradeVerdict struct {
	Allowed bool
	Reason  string
	Checks  []Verdict
}

// SafetyChecker composes the hard limits and the quota guard into one
// pre-trade gate, and runs the session preflight.
type SafetyChecker struct {
	hard    *HardSafety
	quota   QuotaChecker
	account *AccountSafetyChecker
	log     *logging.Logger

	// session preflight dependencies
	db          Pinger
	redis       Pinger
	brokerReady func() bool
}

// NewSafetyChecker creates the composed checker. db and redis may be nil
// when the corresponding preflight is not wanted (tests, check-account
// tool).
func NewSafetyChecker(hard *HardSafety, quota QuotaChecker, account *AccountSafetyChecker, db, redis Pinger, brokerReady func() bool) *SafetyChecker {
	return &SafetyChecker{
		hard:        hard,
		quota:       quota,
		account:     account,
		db:          db,
		redis:       redis,
		brokerReady: brokerReady,
		log:         logging.WithComponent("safety-checker"),
	}
}

// PreTradeCheck runs the quota, VIX, exposure, daily-count and daily-loss
// checks for one order. Sell orders always pass regardless of the other
// checks' state.
func (s *SafetyChecker) PreTradeCheck(order models.Order, portfolio *models.Portfolio, vix float64) PreTradeVerdict {
	if order.IsSell() {
		return PreTradeVerdict{Allowed: true, Checks: []Verdict{Allow("sell_exempt")}}
	}

	var checks []Verdict

	quotaVerdict := Allow("quota")
	if s.quota != nil && !s.quota.CanCall() {
		used, max := s.quota.Usage()
		quotaVerdict = Deny("quota", fmt.Sprintf("AI quota window at %d/%d calls", used, max))
	}
	checks = append(checks, quotaVerdict)
	checks = append(checks, s.hard.CheckVix(vix))
	checks = append(checks, s.hard.CheckNewOrder(order, portfolio))

	verdict := PreTradeVerdict{Allowed: true, Checks: checks}
	for _, c := range checks {
		if !c.Allowed {
			verdict.Allowed = false
			verdict.Reason = c.Reason
			s.log.Warn("Pre-trade check denied order", "ticker", order.Ticker,
				"check", c.Check, "reason", c.Reason)
			break
		}
	}
	return verdict
}

// PreSessionCheck verifies external dependency reachability, broker
// credential configuration and persistence reachability before a session is
// allowed to begin. The account precondition report rides along.
func (s *SafetyChecker) PreSessionCheck(ctx context.Context) AccountCheckReport {
	var checks []CheckResult

	if s.brokerReady != nil {
		if s.brokerReady() {
			checks = append(checks, CheckResult{Name: "broker_credentials", Passed: true, Detail: "credentials configured"})
		} else {
			checks = append(checks, CheckResult{Name: "broker_credentials", Passed: false, Detail: "broker credentials missing or token issuance failed"})
		}
	}

	checks = append(checks, s.pingCheck(ctx, "database", s.db))
	checks = append(checks, s.pingCheck(ctx, "redis", s.redis))

	if s.account != nil {
		accountReport := s.account.CheckAll(ctx)
		checks = append(checks, accountReport.Checks...)
	}

	report := AccountCheckReport{SafeToTrade: true, Checks: checks}
	for _, c := range checks {
		if !c.Passed {
			report.SafeToTrade = false
		}
	}
	return report
}

func (s *SafetyChecker) pingCheck(ctx context.Context, name string, p Pinger) CheckResult {
	if p == nil {
		return CheckResult{Name: name, Passed: true, Detail: "not configured, skipped"}
	}
	if err := p.Ping(ctx); err != nil {
		return CheckResult{Name: name, Passed: false, Detail: fmt.Sprintf("unreachable: %v", err)}
	}
	return CheckResult{Name: name, Passed: true, Detail: "reachable"}
}
