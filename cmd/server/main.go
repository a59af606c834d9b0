package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"parkpay/internal/cache"
	"parkpay/internal/config"
	"parkpay/internal/idempotency"
	"parkpay/internal/openpay"
	"parkpay/internal/payment"
	"parkpay/internal/server"
	"parkpay/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	fx.New(
		fx.Supply(cfg),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Provide(
			newLogger,
			newUpstreamClient,
			newCache,
			newIdempotencyStore,
			newOrchestrator,
			newAPIServer,
		),
		fx.Invoke(setupTelemetry, registerAPIServer),
	).Run()
}

func newLogger(lc fx.Lifecycle, cfg *config.AppConfig) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsProduction() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", cfg.Telemetry.ServiceName))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = logger.Sync()
			return nil
		},
	})
	return logger, nil
}

func setupTelemetry(lc fx.Lifecycle, cfg *config.AppConfig, logger *zap.Logger) {
	var shutdown func(context.Context) error
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			shutdown, err = telemetry.InitTracer(ctx, telemetry.Options{
				Enabled:     cfg.Telemetry.Enabled,
				ServiceName: cfg.Telemetry.ServiceName,
				Endpoint:    cfg.Telemetry.Endpoint,
			}, logger.Named("telemetry"))
			return err
		},
		OnStop: func(ctx context.Context) error {
			if shutdown != nil {
				return shutdown(ctx)
			}
			return nil
		},
	})
}

func newUpstreamClient(cfg *config.AppConfig) *openpay.Client {
	return openpay.NewClient(openpay.ClientConfig{
		ClientWallet: cfg.Wallets.ClientURL,
		Signer:       &openpay.Signer{KeyID: cfg.Client.KeyID, Key: cfg.Client.PrivateKey},
		Timeout:      cfg.Service.UpstreamTimeout,
	})
}

// newCache uses Redis when REDIS_ADDR is set so wallet documents are shared
// between instances.
func newCache(lc fx.Lifecycle, cfg *config.AppConfig, logger *zap.Logger) cache.Cache {
	if cfg.Storage.RedisAddr == "" {
		logger.Info("using in-memory wallet cache")
		return cache.NewMemory()
	}
	rc := cache.NewRedis(cfg.Storage.RedisAddr)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rc.Ping(ctx); err != nil {
				logger.Warn("redis unreachable, wallet lookups will not be cached", zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return rc.Close()
		},
	})
	logger.Info("using redis wallet cache", zap.String("addr", cfg.Storage.RedisAddr))
	return rc
}

func newIdempotencyStore(lc fx.Lifecycle, cfg *config.AppConfig, logger *zap.Logger) (idempotency.Store, error) {
	if cfg.Storage.PostgresDSN == "" {
		logger.Info("using file idempotency store", zap.String("path", cfg.Storage.IdempotencyStorePath))
		return idempotency.NewFileStore(cfg.Storage.IdempotencyStorePath)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := idempotency.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			store.Close()
			return nil
		},
	})
	logger.Info("using postgres idempotency store")
	return store, nil
}

func newOrchestrator(cfg *config.AppConfig, client *openpay.Client, c cache.Cache, logger *zap.Logger) *payment.Orchestrator {
	return payment.New(client, c, payment.Options{
		PayerWalletURL: cfg.Wallets.PayerURL,
		PayeeWalletURL: cfg.Wallets.PayeeURL,
		FinishURI:      cfg.FinishURI(),
		Description:    cfg.Service.PaymentDescription,
		PollInterval:   cfg.Settlement.PollInterval,
		WalletCacheTTL: cfg.Storage.WalletCacheTTL,
	}, logger.Named("payment"))
}

func newAPIServer(cfg *config.AppConfig, orch *payment.Orchestrator, store idempotency.Store, c cache.Cache, logger *zap.Logger) *server.Server {
	return server.NewServer(cfg, orch, store, c, logger.Named("http"))
}

func registerAPIServer(lc fx.Lifecycle, logger *zap.Logger, shutdowner fx.Shutdowner, srv *server.Server) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("API server stopped", zap.Error(err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
