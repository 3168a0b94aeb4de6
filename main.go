package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"kis-trading-bot/config"
	"kis-trading-bot/internal/api"
	"kis-trading-bot/internal/bot"
	"kis-trading-bot/internal/database"
	"kis-trading-bot/internal/events"
	"kis-trading-bot/internal/kis"
	"kis-trading-bot/internal/logging"
	"kis-trading-bot/internal/models"
	"kis-trading-bot/internal/order"
	"kis-trading-bot/internal/position"
	"kis-trading-bot/internal/quota"
	"kis-trading-bot/internal/safety"
	"kis-trading-bot/internal/strategy"
	"kis-trading-bot/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	zlog := zerolog.New(os.Stdout).With().Timestamp().Logger()

	eventBus := events.NewEventBus()
	logger.Info("Event bus initialized")

	// Credentials come from Vault when enabled, otherwise straight from
	// config. The market credential is always the real-account pair.
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize vault client")
	}
	tradingCred, marketCred := resolveCredentials(cfg, vaultClient, logger)

	tradingAuth := kis.NewAuth(kis.Credentials{
		AppKey:    tradingCred.AppKey,
		AppSecret: tradingCred.AppSecret,
		AccountNo: tradingCred.AccountNo,
		ProdCode:  cfg.KISConfig.AccountProdCode,
		Paper:     cfg.KISConfig.IsPaper(),
	}, cfg.KISConfig.BaseURL, cfg.KISConfig.TokenCachePath, cfg.KISConfig.EncryptionKey)

	marketAuth := kis.NewAuth(kis.Credentials{
		AppKey:    marketCred.AppKey,
		AppSecret: marketCred.AppSecret,
		AccountNo: marketCred.AccountNo,
		ProdCode:  cfg.KISConfig.AccountProdCode,
	}, cfg.KISConfig.MarketBaseURL, "", "")

	broker := kis.NewClient(tradingAuth, marketAuth,
		cfg.KISConfig.BaseURL, cfg.KISConfig.MarketBaseURL, cfg.KISConfig.IsPaper())
	logger.Info("Broker client initialized", "mode", cfg.KISConfig.Mode)

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.RunMigrations(migrateCtx); err != nil {
		migrateCancel()
		logger.WithError(err).Fatal("Failed to run database migrations")
	}
	migrateCancel()

	tradeRepo := database.NewTradeRepository(db)
	auditRepo := database.NewAuditRepository(db)
	slippageRepo := database.NewSlippageRepository(db)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisConfig.Addr,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
	})
	defer redisClient.Close()

	guard := quota.NewGuard(quota.Config{
		Window:    time.Duration(cfg.QuotaConfig.WindowMinutes) * time.Minute,
		MaxCalls:  cfg.QuotaConfig.MaxCalls,
		Unlimited: cfg.QuotaConfig.Unlimited,
	})

	currency := models.Currency(cfg.SafetyConfig.AllowedCurrency)
	hard := safety.NewHardSafety(safety.Limits{
		MaxPositionPct:   cfg.SafetyConfig.MaxPositionPct,
		MaxTotalExposure: cfg.SafetyConfig.MaxTotalExposure,
		MaxDailyTrades:   cfg.SafetyConfig.MaxDailyTrades,
		MaxDailyLossPct:  cfg.SafetyConfig.MaxDailyLossPct,
		StopLossPct:      cfg.SafetyConfig.StopLossPct,
		MaxHoldingDays:   cfg.SafetyConfig.MaxHoldingDays,
		VixThreshold:     cfg.SafetyConfig.VixThreshold,
	})
	capital := safety.NewCapitalGuard(currency, auditRepo)
	account := safety.NewAccountSafetyChecker(broker, true, currency)
	brokerReady := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, err := tradingAuth.GetToken(ctx)
		return err == nil
	}
	checker := safety.NewSafetyChecker(hard, guard, account,
		db, redisPinger{redisClient}, brokerReady)

	pending := order.NewPendingTracker(redisClient,
		time.Duration(cfg.TradingConfig.MaxOrderWaitMin)*time.Minute, zlog)

	manager := order.NewManager(order.Config{
		Broker:   broker,
		Checker:  checker,
		Capital:  capital,
		Hard:     hard,
		Ledger:   tradeRepo,
		Slippage: slippageRepo,
		Pending:  pending,
		Bus:      eventBus,
		Vix: order.QuoteVix(broker,
			cfg.TradingConfig.VixProxyTicker, cfg.TradingConfig.VixProxyExchange),
		InterOrderDelay: time.Duration(cfg.TradingConfig.InterOrderDelayMs) * time.Millisecond,
		DryRun:          cfg.TradingConfig.DryRun,
		Logger:          zlog,
	})

	var exitStrategy position.ExitStrategy
	if cfg.TradingConfig.TrailingStopEnabled {
		exitStrategy = strategy.NewTrailingStop(
			cfg.TradingConfig.TrailingActivationPct,
			cfg.TradingConfig.TrailingGivebackPct, zlog)
	}
	monitor := position.NewMonitor(broker, manager, exitStrategy, hard, zlog)
	manager.AttachBook(monitor)
	liquidator := position.NewForcedLiquidator(monitor, manager, eventBus,
		cfg.SafetyConfig.MaxHoldingDays, zlog)

	tradingBot := bot.New(cfg, manager, monitor, liquidator, checker, hard, eventBus)

	startCtx, startCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := tradingBot.Start(startCtx); err != nil {
		startCancel()
		logger.WithError(err).Fatal("Failed to start trading bot")
	}
	startCancel()

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(cfg.ServerConfig, cfg.AuthConfig, api.Deps{
			DB:       db,
			Trades:   tradeRepo,
			Hard:     hard,
			Monitor:  monitor,
			Pending:  pending,
			Guard:    guard,
			EventBus: eventBus,
			Degraded: tradingBot.Degraded,
		})
		go func() {
			if err := server.Start(); err != nil {
				logger.WithError(err).Error("Status API server stopped")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutdown signal received", "signal", sig.String())

	tradingBot.Stop()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Status API shutdown error")
		}
		shutdownCancel()
	}
	logger.Info("Shutdown complete")
}

// resolveCredentials loads the trading and market credential pairs, falling
// back to config values when Vault is disabled or a secret is missing.
func resolveCredentials(cfg *config.Config, vaultClient *vault.Client, logger *logging.Logger) (vault.BrokerCredential, vault.BrokerCredential) {
	fromConfig := func(name string) vault.BrokerCredential {
		if name == vault.CredentialMarket {
			return vault.BrokerCredential{
				AppKey:    cfg.KISConfig.MarketAppKey,
				AppSecret: cfg.KISConfig.MarketAppSecret,
				AccountNo: cfg.KISConfig.MarketAccountNo,
			}
		}
		return vault.BrokerCredential{
			AppKey:    cfg.KISConfig.AppKey,
			AppSecret: cfg.KISConfig.AppSecret,
			AccountNo: cfg.KISConfig.AccountNo,
		}
	}

	load := func(name string) vault.BrokerCredential {
		if !vaultClient.IsEnabled() {
			return fromConfig(name)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cred, err := vaultClient.GetCredential(ctx, name)
		if err != nil {
			logger.WithError(err).Warn("Vault credential unavailable, using config", "credential", name)
			return fromConfig(name)
		}
		return *cred
	}

	return load(vault.CredentialTrading), load(vault.CredentialMarket)
}

// redisPinger adapts the go-redis client to the safety preflight.
type redisPinger struct {
	client *redis.Client
}

func (r redisPinger) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
