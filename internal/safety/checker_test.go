package safety

import (
	"context"
	"errors"
	"testing"

	"kis-trading-bot/internal/models"
)

// fakeQuota is a canned QuotaChecker.
type fakeQuota struct {
	allow bool
}

func (f fakeQuota) CanCall() bool     { return f.allow }
func (f fakeQuota) Usage() (int, int) { return 90, 100 }

// fakePinger is a canned dependency pinger.
type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

// TestPreTradeCheckSellExempt verifies sells pass even with every other
// check in a failing state.
func TestPreTradeCheckSellExempt(t *testing.T) {
	hard := NewHardSafety(DefaultLimits())
	hard.UpdateDailyPnL(-10) // shutdown
	checker := NewSafetyChecker(hard, fakeQuota{allow: false}, nil, nil, nil, nil)

	sell := models.Order{
		Ticker: "TQQQ", Side: models.OrderSideSell, Type: models.OrderTypeMarket,
		Quantity: 10, Currency: models.CurrencyUSD,
	}
	verdict := checker.PreTradeCheck(sell, nil, 50.0)
	if !verdict.Allowed {
		t.Fatalf("sell denied: %s", verdict.Reason)
	}
}

// TestPreTradeCheckQuotaDenied verifies an exhausted quota blocks entries
// and its reason is the one reported.
func TestPreTradeCheckQuotaDenied(t *testing.T) {
	hard := NewHardSafety(DefaultLimits())
	checker := NewSafetyChecker(hard, fakeQuota{allow: false}, nil, nil, nil, nil)

	buy := models.Order{
		Ticker: "TQQQ", Side: models.OrderSideBuy, Type: models.OrderTypeLimit,
		Quantity: 1, Price: 100, Currency: models.CurrencyUSD,
	}
	verdict := checker.PreTradeCheck(buy, testPortfolio(10000, 10000), 12.0)
	if verdict.Allowed {
		t.Fatal("entry allowed with exhausted quota")
	}
	if len(verdict.Checks) == 0 || verdict.Checks[0].Check != "quota" {
		t.Errorf("first check = %+v, want quota", verdict.Checks)
	}
}

// TestPreTradeCheckVixBlocksEntry verifies high VIX blocks buys through the
// composed checker.
func TestPreTradeCheckVixBlocksEntry(t *testing.T) {
	hard := NewHardSafety(DefaultLimits())
	checker := NewSafetyChecker(hard, fakeQuota{allow: true}, nil, nil, nil, nil)

	buy := models.Order{
		Ticker: "TQQQ", Side: models.OrderSideBuy, Type: models.OrderTypeLimit,
		Quantity: 1, Price: 100, Currency: models.CurrencyUSD,
	}
	verdict := checker.PreTradeCheck(buy, testPortfolio(10000, 10000), 36.0)
	if verdict.Allowed {
		t.Fatal("entry allowed at VIX 36")
	}

	verdict = checker.PreTradeCheck(buy, testPortfolio(10000, 10000), 20.0)
	if !verdict.Allowed {
		t.Fatalf("entry denied at VIX 20: %s", verdict.Reason)
	}
}

// TestPreSessionCheckDependencyFailure verifies an unreachable dependency
// fails the session preflight.
func TestPreSessionCheckDependencyFailure(t *testing.T) {
	hard := NewHardSafety(DefaultLimits())
	checker := NewSafetyChecker(hard, nil, nil,
		fakePinger{}, fakePinger{err: errors.New("connection refused")},
		func() bool { return true })

	report := checker.PreSessionCheck(context.Background())
	if report.SafeToTrade {
		t.Fatal("preflight passed with redis unreachable")
	}

	var redisCheck *CheckResult
	for i := range report.Checks {
		if report.Checks[i].Name == "redis" {
			redisCheck = &report.Checks[i]
		}
	}
	if redisCheck == nil || redisCheck.Passed {
		t.Errorf("redis check = %+v, want failed", redisCheck)
	}
}

// TestPreSessionCheckAllHealthy verifies the happy path.
func TestPreSessionCheckAllHealthy(t *testing.T) {
	hard := NewHardSafety(DefaultLimits())
	checker := NewSafetyChecker(hard, nil, nil,
		fakePinger{}, fakePinger{}, func() bool { return true })

	report := checker.PreSessionCheck(context.Background())
	if !report.SafeToTrade {
		t.Fatalf("healthy preflight failed: %+v", report.Checks)
	}
}
