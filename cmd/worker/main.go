package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kursadbilgin/sms-dispatch/internal/config"
	"github.com/kursadbilgin/sms-dispatch/internal/dispatch"
	"github.com/kursadbilgin/sms-dispatch/internal/infra/postgresql"
	"github.com/kursadbilgin/sms-dispatch/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/sms-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/sms-dispatch/internal/observability"
	"github.com/kursadbilgin/sms-dispatch/internal/provider"
	"github.com/kursadbilgin/sms-dispatch/internal/queue"
	"github.com/kursadbilgin/sms-dispatch/internal/repository"
	"github.com/kursadbilgin/sms-dispatch/internal/service"
	"github.com/kursadbilgin/sms-dispatch/internal/template"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "worker")
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName+"-worker")
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

	metrics := observability.NewMetrics()

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

	httpTransport, err := provider.NewHTTPTransport(cfg.ProviderTimeout)
	if err != nil {
		logger.Fatal("provider transport initialization failed", zap.Error(err))
	}

	dispatcher, err := dispatch.NewDispatcher(
		templates,
		configs,
		httpTransport,
		scheduler,
		repository.NewGormAuditRepo(db),
		queue.NewRabbitMQEventBus(broker),
		cfg.PlatformBaseURL,
		logger,
	)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}
	dispatcher.SetMetrics(metrics)

	if cfg.PacingScope == config.PacingScopeProvider {
		rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()

		limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
		if err != nil {
			logger.Fatal("rate limiter initialization failed", zap.Error(err))
		}
		for _, name := range configs.Names() {
			providerConfig, err := configs.Config(name)
			if err != nil {
				logger.Fatal("provider config lookup failed", zap.Error(err))
			}
			tmpl, err := templates.Template(providerConfig.TemplateName)
			if err != nil {
				logger.Fatal("provider template lookup failed", zap.String("config", name), zap.Error(err))
			}
			spacing := time.Duration(tmpl.Outgoing.MillisecondsBetweenMessages) * time.Millisecond
			limiter.SetSpacing(name, spacing)
		}
		dispatcher.SetRateLimiter(limiter)
		dispatcher.SetPacer(nil)
	}

	consumer := queue.NewRabbitMQConsumer(broker, cfg.WorkerPrefetch, logger)
	defer consumer.Close()

	worker, err := service.NewWorkerService(dispatcher, consumer, cfg.WorkerConcurrency, logger)
	if err != nil {
		logger.Fatal("worker initialization failed", zap.Error(err))
	}
	worker.SetMetrics(metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("sms-dispatch worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.String("pacingScope", cfg.PacingScope),
		zap.Strings("templates", templates.Names()),
		zap.Strings("configs", configs.Names()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Start(gctx)
	})
	g.Go(func() error {
		return scheduler.Start(gctx)
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", zap.Error(err))
	}

	logger.Info("sms-dispatch worker stopped")
}
