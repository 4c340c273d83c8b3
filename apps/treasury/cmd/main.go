package main

import (
	"context"
	"database/sql"
	"errors"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"treasury/apps/treasury/internal/alert"
	"treasury/apps/treasury/internal/api"
	"treasury/apps/treasury/internal/assets"
	"treasury/apps/treasury/internal/audit"
	"treasury/apps/treasury/internal/chain"
	"treasury/apps/treasury/internal/config"
	"treasury/apps/treasury/internal/emergency"
	"treasury/apps/treasury/internal/intake"
	"treasury/apps/treasury/internal/multisig"
	"treasury/apps/treasury/internal/payout"
	"treasury/apps/treasury/internal/repository"
	"treasury/apps/treasury/internal/risk"
	"treasury/apps/treasury/internal/wallet"
)

func main() {
	// Initialize zap logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting application with configuration",
		zap.Int("api_port", cfg.APIPort),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.String("audit_topic", cfg.AuditTopic),
		zap.String("payout_topic", cfg.PayoutTopic),
		zap.Bool("dry_run", cfg.RpcURL == ""),
		zap.Int64("chain_id", cfg.ChainID),
		zap.Duration("engine_interval", cfg.EngineInterval),
		zap.Int("engine_batch_size", cfg.EngineBatchSize),
		zap.Duration("multisig_expiry", cfg.MultisigExpiry),
	)

	// Connect to database
	db, err := sql.Open("postgres", cfg.DbURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := repository.InitMigration(db); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	store := repository.NewPostgresStore(db, logger)

	policy := risk.DefaultPolicy()
	if cfg.RiskPolicyFile != "" {
		if policy, err = risk.LoadPolicy(cfg.RiskPolicyFile); err != nil {
			logger.Fatal("Failed to load risk policy", zap.Error(err))
		}
	}

	alerters := []alert.Alerter{alert.NewLogAlerter(logger)}
	if cfg.AlertWebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.AlertWebhookURL))
	}
	recorder := audit.NewRecorder(store, alert.NewMultiAlerter(cfg.AlertCooldown, logger, alerters...), logger)

	wallets := wallet.NewRegistry(store, recorder, cfg.WalletTierLimits(), logger)

	var verifier multisig.SignatureVerifier
	if cfg.VerifySignatures {
		verifier = chain.EthereumVerifier{}
	}
	coordinator := multisig.NewCoordinator(store, store, recorder, verifier, cfg.MultisigExpiry, logger)

	var (
		submitter chain.Submitter = chain.NewDryRunSubmitter(logger)
		balances  api.BalanceService
	)
	if cfg.RpcURL != "" {
		client, err := chain.Dial(cfg.RpcURL)
		if err != nil {
			logger.Fatal("Failed to connect to blockchain", zap.Error(err))
		}
		defer client.Close()

		keys, err := chain.ParseSignerKeys(cfg.SignerKeys)
		if err != nil {
			logger.Fatal("Failed to parse signer keys", zap.Error(err))
		}
		ethSubmitter, err := chain.NewEthereumSubmitter(client, cfg.ChainID, keys, assets.GlobalRegistry, logger)
		if err != nil {
			logger.Fatal("Failed to create submitter", zap.Error(err))
		}
		submitter = ethSubmitter.WithReceiptPolling(cfg.ReceiptPollInterval, cfg.ReceiptTimeout)

		reader, err := chain.NewBalanceReader(client, assets.GlobalRegistry, logger)
		if err != nil {
			logger.Fatal("Failed to create balance reader", zap.Error(err))
		}
		balances = reader
	} else {
		logger.Warn("RPC_URL not set, transfers will be dry-run")
	}

	engine := payout.NewEngine(store, wallets, coordinator, submitter, recorder, policy, payout.Config{
		ClaimLease:  cfg.ClaimLease,
		MaxDeferral: cfg.MaxDeferral,
		Retry: payout.RetryPolicy{
			InitialInterval: cfg.RetryInitialBackoff,
			MaxInterval:     cfg.RetryMaxBackoff,
		},
		Assets: assets.GlobalRegistry,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	control, err := engine.Init(ctx, payout.DefaultControl(policy, cfg.EngineBatchSize, cfg.EngineInterval, cfg.EngineMaxAttempts))
	if err != nil {
		logger.Fatal("Failed to initialize engine control", zap.Error(err))
	}
	if control.Halted {
		logger.Warn("Payout engine is halted", zap.String("reason", control.HaltReason), zap.String("halted_by", control.HaltedBy))
	}

	controller := emergency.NewController(engine, wallets, coordinator, recorder, logger)

	apiServer := api.NewServer(cfg.APIPort, api.Services{
		Wallets:      wallets,
		Transactions: coordinator,
		Payouts:      engine,
		Control:      controller,
		Audit:        store,
		Balances:     balances,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(apiServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return apiServer.Stop(shutdownCtx)
	})

	g.Go(func() error {
		return payout.NewScheduler(engine, logger).Start(gctx)
	})

	if cfg.KafkaBroker != "" {
		producer, err := audit.NewKafkaProducer(cfg.KafkaBroker)
		if err != nil {
			logger.Fatal("Failed to create audit producer", zap.Error(err))
		}
		publisher := audit.NewPublisher(producer, cfg.AuditTopic, store, cfg.AuditPublishInterval, logger)
		defer publisher.Close()

		g.Go(func() error {
			return publisher.Start(gctx)
		})
	} else {
		logger.Warn("KAFKA_BROKER not set, audit log stays in the outbox")
	}

	if cfg.PayoutTopic != "" {
		consumer, err := intake.NewConsumer(cfg.KafkaBroker, cfg.PayoutTopic, engine, logger)
		if err != nil {
			logger.Fatal("Failed to create payout intake", zap.Error(err))
		}
		defer consumer.Close()

		g.Go(func() error {
			return consumer.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Application stopped with error", zap.Error(err))
	}
	logger.Info("Application shutdown complete")
}
