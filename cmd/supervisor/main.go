package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"riskguard/internal/api"
	"riskguard/internal/bot"
	"riskguard/internal/config"
	"riskguard/internal/exchange"
	"riskguard/internal/repository"
	"riskguard/internal/service"
	"riskguard/internal/websocket"
	"riskguard/pkg/utils"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitGlobalLogger(utils.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   true,
	})
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("supervisor exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *utils.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Инициализация базы данных
	db, err := initDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))

	if err := repository.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Инициализация репозиториев
	tradeRepo := repository.NewTradeRepository(db)
	tradeLogRepo := repository.NewTradeLogRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	// Живой поток ops API
	hub := websocket.NewHub(websocket.HubConfig{AllowedOrigins: cfg.Ops.AllowedOrigins}, log)
	go hub.Run()
	defer hub.Stop()

	// Уведомления
	notifier := service.NewNotificationService(notificationRepo, service.NotificationConfig{
		WebhookURL:     cfg.Notification.APIURL,
		TelegramToken:  cfg.Telegram.BotToken,
		TelegramChatID: cfg.Telegram.ChatID,
		QueueSize:      cfg.Notification.QueueSize,
	}, log)
	notifier.SetDropHook(func(kind string) { bot.RecordBufferOverflow("notification") })
	notifier.SetPublisher(hub)

	// Биржа
	gateway := exchange.NewBingX(exchange.BingXConfig{
		APIKey:                cfg.BingX.APIKey,
		SecretKey:             cfg.BingX.APISecret,
		BaseURL:               cfg.BingX.BaseURL,
		ActivationFactorAbove: cfg.Activation.FactorAbove,
		ActivationFactorBelow: cfg.Activation.FactorBelow,
		RequestsPerSecond:     cfg.BingX.RequestsPerSecond,
	}, log)
	gateway.SetTradeLogSink(tradeLogRepo)

	feeds := exchange.NewFeedFactory(exchange.FeedConfig{
		URL:            cfg.BingX.WSURL,
		PingInterval:   cfg.Feed.PingInterval,
		ReconnectDelay: cfg.Feed.ReconnectDelay,
		MaxReconnects:  cfg.Feed.MaxReconnects,
	}, log)
	feeds.SetHooks(bot.FeedMetricsHooks())

	// Движок супервизора
	registry := bot.NewOpenOrderRegistry(gateway)
	controller := bot.NewBreakevenStopController(gateway, registry, tradeRepo, notifier, bot.Fees{
		Market: cfg.BingX.MarketOrderFee,
		Limit:  cfg.BingX.LimitOrderFee,
	}, log)
	reconciler := bot.NewOrphanReconciler(gateway, registry, notifier, cfg.Orphan.GraceDelay, log)
	supervisor := bot.NewPositionSupervisor(
		gateway, registry, controller, reconciler, tradeRepo, feeds, notifier,
		bot.SupervisorConfig{TickTimeout: cfg.Supervisor.TickTimeout},
		log,
	)

	execCfg := bot.DefaultExecutorConfig()
	execCfg.Margin = cfg.BingX.Margin
	execCfg.LeverageStep = cfg.Leverage.Step
	execCfg.MaxLeverage = cfg.Leverage.Max
	executor := bot.NewTradeExecutor(gateway, tradeRepo, registry, notifier, execCfg, log)

	// Ops API
	router := api.SetupRoutes(&api.Dependencies{
		Supervisor:    supervisor,
		Registry:      registry,
		Orphans:       reconciler,
		Executor:      executor,
		Notifications: notifier,
		Hub:           hub,
		TokenHash:     cfg.Ops.TokenHash,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting ops API", zap.String("addr", server.Addr), zap.Bool("auth", cfg.Ops.TokenHash != ""))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go supervisor.Run(ctx, cfg.Supervisor.Interval)
	go hub.StreamPositions(ctx, supervisor, cfg.Ops.StreamInterval)
	log.Info("supervisor started", zap.Duration("interval", cfg.Supervisor.Interval))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("ops API: %w", err)
	}
	stop()

	// Graceful shutdown: сначала потоки цен, затем API, затем очередь уведомлений
	supervisor.DisconnectAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("ops API forced to shutdown", zap.Error(err))
	}
	hub.Stop()
	if err := notifier.Close(shutdownCtx); err != nil {
		log.Warn("notification queue not drained", zap.Error(err))
	}

	log.Info("supervisor exited")
	return runErr
}

// initDatabase создает подключение к базе данных
func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
