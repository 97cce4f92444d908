package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"game-reward-ledger/config"
	"game-reward-ledger/handlers"
	"game-reward-ledger/ledger"
	"game-reward-ledger/logger"
	"game-reward-ledger/metrics"
	"game-reward-ledger/middleware"
	"game-reward-ledger/repository"
	"game-reward-ledger/services"
	"game-reward-ledger/utils"
	"game-reward-ledger/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config: %v", err)
	}

	log, err := logger.New(logger.Options{Level: cfg.Log.Level, Output: cfg.Log.Output, File: cfg.Log.File})
	if err != nil {
		logger.Fatal("failed to initialize logger: %v", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal("failed to connect to database: %v", err)
	}
	if err := repository.Migrate(db); err != nil {
		log.Fatal("failed to migrate database: %v", err)
	}

	rewards := repository.NewRewardStore(db)
	balances := repository.NewBalanceStore(db)
	events := repository.NewEventLogStore(db)
	failed := repository.NewFailedAttemptStore(db)
	if cfg.Retry.Lease > 0 {
		failed.Lease = cfg.Retry.Lease
	}
	wallets := repository.NewWalletStore(db)

	gateway, err := ledger.NewEthereumGateway(ctx, cfg.Chain, log)
	if err != nil {
		log.Fatal("failed to connect to ledger: %v", err)
	}

	// Balance changes go to local SSE listeners directly and, when Redis is
	// configured, through pub/sub so other replicas' listeners see them too.
	broadcaster := services.NewBroadcaster()
	var notifier services.Notifier = broadcaster
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("failed to connect to redis: %v", err)
		}
		pub := services.NewRedisNotifier(rdb, cfg.Redis.Channel, log)
		notifier = pub
		go pub.Relay(ctx, broadcaster)
	}

	recorder := metrics.New(prometheus.DefaultRegisterer)

	schedule, err := services.NewRewardSchedule(cfg.Rewards)
	if err != nil {
		log.Fatal("invalid reward schedule: %v", err)
	}
	submitter := services.NewSubmitter(gateway, rewards, balances, cfg.Chain.RewardMethod, recorder, log)
	settlement, err := services.NewSettlementService(services.SettlementDeps{
		Rewards:   rewards,
		Balances:  balances,
		Failed:    failed,
		Wallets:   wallets,
		Schedule:  schedule,
		Submitter: submitter,
		Notifier:  notifier,
		Metrics:   recorder,
		Log:       log,
		Workers:   cfg.Settlement.Workers,
	})
	if err != nil {
		log.Fatal("failed to start settlement: %v", err)
	}

	reconciler := services.NewReconciler(services.ReconcilerDeps{
		Gateway:    gateway,
		Events:     events,
		Balances:   balances,
		Rewards:    rewards,
		Failed:     failed,
		Players:    wallets,
		Notifier:   notifier,
		Metrics:    recorder,
		Log:        log,
		Contract:   gateway.ContractAddress(),
		EventName:  cfg.Chain.EventName,
		StartBlock: int64(cfg.Chain.StartBlock),
	})

	var sink services.ReportSink
	if cfg.R2.Enabled() {
		r2, err := utils.NewR2Client(ctx, cfg.R2)
		if err != nil {
			log.Fatal("failed to initialize R2 client: %v", err)
		}
		sink = r2
	}

	drainOpts := services.DrainOptions{
		MaxBatch:    cfg.Retry.MaxBatch,
		MaxAge:      cfg.Retry.MaxAge,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Delay:       cfg.Retry.Delay,
	}
	supervisor, err := services.NewRetrySupervisor(services.RetryDeps{
		Failed:     failed,
		Rewards:    rewards,
		Balances:   balances,
		Submitter:  submitter,
		Reconciler: reconciler,
		Sink:       sink,
		Metrics:    recorder,
		Log:        log,
		Workers:    cfg.Retry.Workers,
		Defaults:   drainOpts,
	})
	if err != nil {
		log.Fatal("failed to start retry supervisor: %v", err)
	}
	repair := services.NewRepairService(rewards, balances, failed, recorder, log)

	scheduler, err := services.NewScheduler(log)
	if err != nil {
		log.Fatal("failed to create scheduler: %v", err)
	}
	if err := scheduler.Register(
		services.NewRetryDrainJob(ctx, supervisor, cfg.Retry.Interval, drainOpts),
		services.NewOrphanRepairJob(ctx, repair, cfg.Repair.Interval, cfg.Repair.Grace),
	); err != nil {
		log.Fatal("failed to register jobs: %v", err)
	}
	scheduler.Start()

	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("reconciler stopped: %v", err)
		}
	}()

	if cfg.Sync.ServiceURL != "" {
		walletSync, err := workers.NewWalletSyncClient(cfg.Sync, wallets, log)
		if err != nil {
			log.Fatal("failed to configure wallet sync: %v", err)
		}
		go workers.PollWallets(ctx, walletSync, cfg.Sync.Interval)
	} else {
		log.Warn("sync.service_url not set, wallet_mirror will not be refreshed")
	}

	var validator middleware.TokenValidator
	if cfg.Auth.ServiceURL != "" {
		validator = middleware.NewAuthServiceClient(cfg.Auth.ServiceURL, cfg.Auth.Token)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	// Only Gateway requests are served.
	app.Use(middleware.GatewayAuthMiddleware(cfg.Server.ServiceToken, log))

	origins := strings.Split(cfg.Server.AllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(origins, ","),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, Cache-Control, X-Device-ID",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	handlers.SetupRewardRoutes(app, handlers.RewardRoutes{
		Settlement:  settlement,
		Balances:    services.NewBalanceService(balances, rewards, gateway),
		Supervisor:  supervisor,
		Repair:      repair,
		Failed:      failed,
		Broadcaster: broadcaster,
		Gatherer:    prometheus.DefaultGatherer,
		Validator:   validator,
		Log:         log,
	})

	go func() {
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			log.Error("server error: %v", err)
			stop()
		}
	}()
	log.Info("reward ledger listening on :%s", cfg.Server.Port)

	<-ctx.Done()
	log.Info("shutting down")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Error("http shutdown: %v", err)
	}
	scheduler.Shutdown()
	<-reconcilerDone
	settlement.Drain()
	settlement.Close()
	supervisor.Close()
	gateway.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info("shutdown complete")
}
