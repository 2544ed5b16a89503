package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/sms-dispatch/internal/config"
	"github.com/kursadbilgin/sms-dispatch/internal/handler"
	"github.com/kursadbilgin/sms-dispatch/internal/infra/postgresql"
	"github.com/kursadbilgin/sms-dispatch/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/sms-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/sms-dispatch/internal/observability"
	"github.com/kursadbilgin/sms-dispatch/internal/provider"
	"github.com/kursadbilgin/sms-dispatch/internal/queue"
	"github.com/kursadbilgin/sms-dispatch/internal/repository"
	"github.com/kursadbilgin/sms-dispatch/internal/service"
	"github.com/kursadbilgin/sms-dispatch/internal/template"
	"github.com/kursadbilgin/sms-dispatch/internal/transport"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "api")
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName+"-api")
	if err != nil {
		logger.Fatal("tracing initialization failed", zap.Error(err))
	}
	defer observability.ShutdownTracing(context.Background(), shutdownTracing)

	templates, err := template.LoadFile(cfg.TemplatesFile)
	if err != nil {
		logger.Fatal("templates load failed", zap.Error(err))
	}
	configs, err := provider.LoadConfigsFile(cfg.ProviderConfigsFile)
	if err != nil {
		logger.Fatal("provider configs load failed", zap.Error(err))
	}

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	broker, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer broker.Close()

	checks := map[string]handler.Check{
		"postgres": handler.SQLCheck(sqlDB),
		"rabbitmq": broker.Ping,
	}
	if cfg.RedisURL != "" {
		rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()
		checks["redis"] = handler.RedisCheck(rdb)
	}

	scheduler, err := service.NewSmsScheduler(
		repository.NewGormScheduledRepo(db),
		queue.NewRabbitMQPublisher(broker),
		cfg.SchedulerInterval,
		0,
		logger,
	)
	if err != nil {
		logger.Fatal("scheduler initialization failed", zap.Error(err))
	}

	smsService, err := service.NewSmsService(configs, templates, scheduler, repository.NewGormAuditRepo(db), logger)
	if err != nil {
		logger.Fatal("sms service initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, checks)
	if err := handler.RegisterSmsRoutes(app, smsService); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("sms-dispatch api started",
		zap.Int("port", cfg.APIPort),
		zap.String("defaultConfig", configs.DefaultName()),
		zap.Strings("configs", configs.Names()),
	)

	if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
		logger.Error("api server stopped", zap.Error(err))
	}

	logger.Info("sms-dispatch api stopped")
}
