// check-account runs the account safety checks standalone and prints the
// result. Useful before enabling live trading on a new account, and as a
// cron job that alerts when the account drifts out of the expected state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"kis-trading-bot/config"
	"kis-trading-bot/internal/kis"
	"kis-trading-bot/internal/logging"
	"kis-trading-bot/internal/models"
	"kis-trading-bot/internal/safety"
)

func main() {
	jsonOut := flag.Bool("json", false, "print the report as JSON")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.SetDefault(logging.New(&logging.Config{
		Level:     "WARN",
		Output:    "stderr",
		Component: "check-account",
	}))

	tradingAuth := kis.NewAuth(kis.Credentials{
		AppKey:    cfg.KISConfig.AppKey,
		AppSecret: cfg.KISConfig.AppSecret,
		AccountNo: cfg.KISConfig.AccountNo,
		ProdCode:  cfg.KISConfig.AccountProdCode,
		Paper:     cfg.KISConfig.IsPaper(),
	}, cfg.KISConfig.BaseURL, cfg.KISConfig.TokenCachePath, cfg.KISConfig.EncryptionKey)

	marketAuth := kis.NewAuth(kis.Credentials{
		AppKey:    cfg.KISConfig.MarketAppKey,
		AppSecret: cfg.KISConfig.MarketAppSecret,
		AccountNo: cfg.KISConfig.MarketAccountNo,
		ProdCode:  cfg.KISConfig.AccountProdCode,
	}, cfg.KISConfig.MarketBaseURL, "", "")

	broker := kis.NewClient(tradingAuth, marketAuth,
		cfg.KISConfig.BaseURL, cfg.KISConfig.MarketBaseURL, cfg.KISConfig.IsPaper())

	checker := safety.NewAccountSafetyChecker(broker, true,
		models.Currency(cfg.SafetyConfig.AllowedCurrency))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	report := checker.CheckAll(ctx)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			log.Fatalf("Failed to encode report: %v", err)
		}
	} else {
		fmt.Printf("Account safety check (%s mode)\n\n", cfg.KISConfig.Mode)
		for _, check := range report.Checks {
			mark := "PASS"
			if !check.Passed {
				mark = "FAIL"
			}
			fmt.Printf("  [%s] %-14s %s\n", mark, check.Name, check.Detail)
		}
		fmt.Printf("\nSafe to trade: %v\n", report.SafeToTrade)
	}

	if !report.SafeToTrade {
		os.Exit(1)
	}
}
