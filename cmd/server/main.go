package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"kirimaja/backend/internal/cache"
	"kirimaja/backend/internal/config"
	"kirimaja/backend/internal/discount"
	"kirimaja/backend/internal/httpapi"
	"kirimaja/backend/internal/logger"
	"kirimaja/backend/internal/notify"
	"kirimaja/backend/internal/service"
	"kirimaja/backend/internal/store"
	"kirimaja/backend/internal/store/memory"
	pgstore "kirimaja/backend/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	zlog := logger.New()
	defer func() { _ = zlog.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			zlog.Fatal("postgres unavailable and DATABASE_URL is set, refusing to start with in-memory fallback", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		zlog.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		zlog.Warn("repository: in-memory, all data is lost on restart")
	}

	statsCache := cache.StatsCache(cache.NoopStatsCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisStatsCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			zlog.Warn("redis unavailable, using noop cache", zap.Error(err))
		} else {
			statsCache = redisCache
			closers = append(closers, redisCache.Close)
			zlog.Info("cache: redis")
		}
	} else {
		zlog.Info("cache: noop")
	}

	notifier := notify.Notifier(notify.NoopNotifier{})
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, zlog)
		notifier = kafkaNotifier
		closers = append(closers, kafkaNotifier.Close)
		zlog.Info("notifier: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	} else {
		zlog.Info("notifier: noop")
	}

	coupons := discount.NewEngine(discount.Defaults()...)
	svc := service.New(repo, notifier, coupons, statsCache, zlog, service.Options{
		ReturnWindow:           time.Duration(cfg.ReturnWindowDays) * 24 * time.Hour,
		ReturnShippingFeeCents: cfg.ReturnShippingFeeCents,
		StatsCacheTTL:          time.Duration(cfg.StatsCacheTTLSeconds) * time.Second,
	})

	sweeper := service.NewReturnExpirySweeper(svc, time.Duration(cfg.ReturnSweepSeconds)*time.Second, zlog)
	sweeperCtx, sweeperCancel := context.WithCancel(context.Background())
	go sweeper.Run(sweeperCtx)

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		zlog.Info("fulfillment backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("shutdown error", zap.Error(err))
	}

	sweeperCancel()
	sweeper.Shutdown()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			zlog.Warn("close error", zap.Error(err))
		}
	}

	zlog.Info("server stopped")
}
