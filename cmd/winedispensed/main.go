package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"winedispense-backend/config"
	"winedispense-backend/internal/api"
	"winedispense-backend/internal/db"
	"winedispense-backend/internal/housekeeping"
	"winedispense-backend/internal/logger"
	"winedispense-backend/internal/metrics"
	"winedispense-backend/internal/mw"
	"winedispense-backend/internal/notification"
	"winedispense-backend/internal/security"
	"winedispense-backend/internal/store"
	"winedispense-backend/internal/token"
)

func main() {
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		ServiceName: "winedispense-backend",
		Level:       logger.ParseLevel(cfg.Log.Level),
		Format:      cfg.Log.Format,
	})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "service stopped with error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	log.Event(ctx, zerolog.InfoLevel).Int("port", cfg.Server.Port).Msg("configuration loaded")

	gormDB, err := db.Init(&cfg.Database, log)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	appStore := store.NewGormStore(gormDB, store.Options{
		Retry:   cfg.Retry,
		RFID:    cfg.RFID,
		Metrics: m,
	})

	signer, err := token.LoadSigner(cfg.Token)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	var alerts api.Notifier
	if cfg.Push.Enabled() {
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}, log, m)
		pool.Start(ctx)
		alerts = pool
	} else {
		log.Warn(ctx, "VAPID keys not configured, low-volume push alerts are disabled")
	}

	limiter := mw.NewLimiter(rate.Limit(cfg.Server.RateLimitPerSec), cfg.Server.RateLimitBurst)

	hk := housekeeping.NewService(cfg, appStore, limiter, log, m)
	hkDone := make(chan struct{})
	go func() {
		defer close(hkDone)
		if err := hk.Run(ctx); err != nil {
			log.Error(ctx, "housekeeping stopped", err)
		}
	}()

	router := api.NewRouter(api.Deps{
		Store:          appStore,
		Signer:         signer,
		Hasher:         security.NewHasher(cfg.Auth),
		Log:            log,
		Metrics:        m,
		Config:         cfg,
		Alerts:         alerts,
		Limiter:        limiter,
		Catalog:        mw.NewResponseCache(time.Duration(cfg.Server.CacheTTLSeconds) * time.Second),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Event(ctx, zerolog.InfoLevel).Int("port", cfg.Server.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		log.Info(context.Background(), "shutdown signal received, stopping services")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	// A running housekeeping pass must finish before the pool is closed.
	stop()
	<-hkDone

	if sqlDB, err := gormDB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if serveErr != nil {
		return fmt.Errorf("HTTP server: %w", serveErr)
	}
	log.Info(context.Background(), "server gracefully stopped")
	return nil
}
