package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/TamsynHenke39/payments-go/internal/api"
	"github.com/TamsynHenke39/payments-go/internal/config"
	"github.com/TamsynHenke39/payments-go/internal/events"
	"github.com/TamsynHenke39/payments-go/internal/payments"
	"github.com/TamsynHenke39/payments-go/internal/service"
	"github.com/TamsynHenke39/payments-go/internal/store"
	"github.com/TamsynHenke39/payments-go/internal/store/postgres"
	"github.com/TamsynHenke39/payments-go/internal/store/sqlite"
)

func main() {
	logger := newLogger(os.Getenv("ENVIRONMENT"))
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limits := store.Limits{
		Currency:       cfg.Currency,
		MaxTxCents:     cfg.MaxTxCents,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}

	ledger, err := openStore(ctx, cfg, limits)
	if err != nil {
		zap.L().Fatal("Unable to open ledger store", zap.Error(err))
	}
	defer ledger.Close()

	var verifier payments.Verifier
	if cfg.ProviderConfigured() {
		verifier = payments.NewClient(cfg.ProviderBaseURL, cfg.ProviderSecretKey)
		zap.L().Info("Payment provider configured", zap.String("base_url", cfg.ProviderBaseURL))
	} else {
		zap.L().Info("No payment provider configured; only simulated deposits will credit")
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
		zap.L().Info("Kafka publisher configured",
			zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	svc := service.New(ledger, verifier, publisher)
	handler := api.NewHandler(ledger, svc, cfg)

	go runJanitor(ctx, ledger, cfg.SweepInterval)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.NewRouter(handler),
	}

	go func() {
		zap.L().Info("Server starting", zap.String("port", cfg.Port), zap.String("driver", cfg.DBDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zap.L().Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("Graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "production" {
		logger, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return logger
}

func openStore(ctx context.Context, cfg *config.Config, limits store.Limits) (store.LedgerStore, error) {
	if cfg.DBDriver == config.DriverPostgres {
		return postgres.New(ctx, cfg.DBSource, limits)
	}
	return sqlite.New(ctx, sqlite.Config{Path: cfg.DBSource}, limits)
}

// runJanitor periodically removes idempotency records past their retention
// window.
func runJanitor(ctx context.Context, ledger store.LedgerStore, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ledger.PurgeExpiredIdempotencyKeys(ctx, time.Now())
			if err != nil {
				zap.L().Warn("Idempotency purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Info("Purged expired idempotency keys", zap.Int64("count", n))
			}
		}
	}
}
