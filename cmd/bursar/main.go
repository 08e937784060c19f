package main

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/accounts"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/api"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/ledger"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/meter"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/receipt"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/reconcile"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/webhooks"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/cache"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/config"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/database"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/logging"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/monitoring"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/redis"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/server"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Credits & Payments API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	stripeSecretKey := config.RequireEnv("STRIPE_SECRET_KEY")
	stripeWebhookSecret := config.RequireEnv("STRIPE_WEBHOOK_SECRET")
	chainRPCURL := config.RequireEnv("CHAIN_RPC_URL")
	contractAddress := config.RequireEnv("PAYMENT_CONTRACT_ADDRESS")
	validatorKey := config.RequireEnv("VALIDATOR_PRIVATE_KEY")
	chainID := int64(config.GetEnvInt("CHAIN_ID", 8453))

	weiPerCredit, ok := new(big.Int).SetString(config.GetEnv("TOKEN_WEI_PER_CREDIT", "1000000000000000"), 10)
	if !ok {
		logger.Fatal("TOKEN_WEI_PER_CREDIT is not a valid integer")
	}

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.EnsureSchema(db, logger); err != nil {
		logger.WithError(err).Fatal("Schema setup failed")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	webhookMetrics := &webhooks.Metrics{
		SignatureFailures: metricsCollector.NewCounter("webhook_signature_failures_total", "Webhook deliveries that failed signature verification", []string{"provider"}),
		EventsProcessed:   metricsCollector.NewCounter("webhook_events_processed_total", "Provider events processed", []string{"event_type", "outcome"}),
		Alerts:            metricsCollector.NewCounter("provider_alerts_total", "Operator alerts raised by payment processing", []string{"kind"}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credit ledger with optional balance-change fanout over Redis
	creditLedger := ledger.New(db, logger)
	dbQueries, dbDuration, dbConnections := metricsCollector.CreateDatabaseMetrics()
	creditLedger.SetMetrics(&ledger.Metrics{Queries: dbQueries, Duration: dbDuration})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dbConnections.WithLabelValues("postgres").Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		redisClient, err := redis.NewClientFromURL(ctx, redisURL)
		if err != nil {
			logger.WithError(err).Fatal("Redis connection failed")
		}
		defer redisClient.Close()
		creditLedger.SetPublisher(redis.NewTypedPubSub[ledger.BalanceChange](redisClient, logger), "credits:balance")
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	}

	// Balance-change fanout: count applied entries and flag users whose
	// debits leave them close to empty.
	balanceChanges := metricsCollector.NewCounter("balance_changes_total", "Applied ledger entries, by type", []string{"type"})
	lowBalanceThreshold := int64(config.GetEnvInt("LOW_BALANCE_THRESHOLD", 100))
	creditLedger.Subscribe(func(change ledger.BalanceChange) {
		balanceChanges.WithLabelValues(string(change.Type)).Inc()
		if change.Delta < 0 && change.NewBalance < lowBalanceThreshold {
			logger.WithFields(logging.Fields{
				"user_id":     change.UserID,
				"new_balance": change.NewBalance,
				"session_id":  change.SessionID,
			}).Warn("User balance below low-balance threshold")
		}
	})

	userCacheLookups := metricsCollector.NewCounter("user_cache_lookups_total", "User cache lookups, by result", []string{"result"})
	users := accounts.NewCachedStore(accounts.NewStore(db), cache.MetricsHooks{
		OnHit:   func() { userCacheLookups.WithLabelValues("hit").Inc() },
		OnMiss:  func() { userCacheLookups.WithLabelValues("miss").Inc() },
		OnStale: func() { userCacheLookups.WithLabelValues("stale").Inc() },
	})

	// Fiat rail: webhook ingestion plus hosted checkout
	ingestor := webhooks.NewIngestor(db, creditLedger, users, stripeWebhookSecret, logger, webhookMetrics)
	checkoutService, err := webhooks.NewCheckoutService(webhooks.CheckoutConfig{
		SecretKey:      stripeSecretKey,
		Currency:       config.GetEnv("CHECKOUT_CURRENCY", "usd"),
		CentsPerCredit: int64(config.GetEnvInt("CHECKOUT_CENTS_PER_CREDIT", 2)),
		SuccessURL:     config.RequireEnv("CHECKOUT_SUCCESS_URL"),
		CancelURL:      config.RequireEnv("CHECKOUT_CANCEL_URL"),
		ProductName:    config.GetEnv("CHECKOUT_PRODUCT_NAME", "Credit pack"),
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Checkout setup failed")
	}

	// On-chain rail: receipt issuance and payment confirmation
	chainClient := receipt.NewClient(chainRPCURL, common.HexToAddress(contractAddress))
	issuer, err := receipt.NewIssuer(receipt.IssuerConfig{
		PrivateKeyHex:     validatorKey,
		ContractAddress:   contractAddress,
		ChainID:           chainID,
		TokenWeiPerCredit: weiPerCredit,
		TTL:               config.GetEnvDuration("RECEIPT_TTL", 10*time.Minute),
	}, chainClient)
	if err != nil {
		logger.WithError(err).Fatal("Receipt issuer setup failed")
	}

	watcher := receipt.NewWatcher(db, creditLedger, chainClient, common.HexToAddress(contractAddress), receipt.WatcherConfig{
		PollInterval:  config.GetEnvDuration("CHAIN_POLL_INTERVAL", 30*time.Second),
		Confirmations: int64(config.GetEnvInt("CHAIN_CONFIRMATIONS", 3)),
	}, logger)
	go watcher.Start(ctx)
	defer watcher.Stop()

	// Session metering
	pricing, err := meter.LoadPricing(config.GetEnv("PRICING_CONFIG_PATH", "pricing.json"))
	if err != nil {
		logger.WithError(err).Fatal("Pricing config failed to load")
	}
	sessionMeter := meter.New(db, creditLedger, pricing, meter.Config{
		TickInterval:       config.GetEnvDuration("METER_TICK_INTERVAL", time.Minute),
		MaxSessionDuration: config.GetEnvDuration("METER_MAX_SESSION", 2*time.Hour),
		Terminations:       metricsCollector.NewCounter("session_terminations_total", "Call sessions ended, by reason", []string{"reason"}),
	}, logger)
	defer sessionMeter.Stop(context.Background())

	// Scheduled reconciliation against the provider event log
	if interval := config.GetEnvDuration("RECONCILE_INTERVAL", time.Hour); interval > 0 {
		source, err := reconcile.NewStripeEventSource(stripeSecretKey)
		if err != nil {
			logger.WithError(err).Fatal("Reconciliation setup failed")
		}
		sweeper := reconcile.NewSweeper(db, source, ingestor, logger)
		window := config.GetEnvDuration("RECONCILE_WINDOW", 24*time.Hour)
		dryRun := config.GetEnvBool("RECONCILE_DRY_RUN", false)
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := sweeper.Run(ctx, reconcile.Options{Window: window, DryRun: dryRun}); err != nil {
						logger.WithError(err).Error("Scheduled reconciliation sweep failed")
					}
					findings, err := reconcile.CheckLedger(ctx, db)
					if err != nil {
						logger.WithError(err).Error("Ledger integrity check failed")
						continue
					}
					for _, f := range findings {
						webhookMetrics.Alerts.WithLabelValues(f.Kind).Inc()
						entry := logger.WithFields(logging.Fields{"kind": f.Kind, "detail": f.Detail})
						if f.Severity == reconcile.SeverityCritical {
							entry.Error("Ledger integrity finding")
						} else {
							entry.Warn("Ledger integrity finding")
						}
					}
				}
			}
		}()
	}

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	handlers := api.NewHandlers(creditLedger, issuer, watcher, sessionMeter, checkoutService, users, creditLedger, logger)
	handlers.RegisterRoutes(router, []byte(jwtSecret), ingestor.HandleStripeWebhook)
	handlers.RegisterServiceRoutes(router, config.RequireEnv("SERVICE_TOKEN"))

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
