package main

import (
	"context"
	"flag"
	"fmt"

	"go.uber.org/zap"

	"github.com/TamsynHenke39/payments-go/internal/config"
	"github.com/TamsynHenke39/payments-go/internal/models"
	"github.com/TamsynHenke39/payments-go/internal/service"
	"github.com/TamsynHenke39/payments-go/internal/store"
	"github.com/TamsynHenke39/payments-go/internal/store/postgres"
	"github.com/TamsynHenke39/payments-go/internal/store/sqlite"
)

var (
	count        int
	openingCents int64
)

func init() {
	flag.IntVar(&count, "count", 100, "Number of demo accounts to create")
	flag.Int64Var(&openingCents, "opening", 10000, "Opening balance per account in minor units")
}

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Invalid configuration", zap.Error(err))
	}

	ctx := context.Background()
	limits := store.Limits{
		Currency:       cfg.Currency,
		MaxTxCents:     cfg.MaxTxCents,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}

	var ledger store.LedgerStore
	if cfg.DBDriver == config.DriverPostgres {
		ledger, err = postgres.New(ctx, cfg.DBSource, limits)
	} else {
		ledger, err = sqlite.New(ctx, sqlite.Config{Path: cfg.DBSource}, limits)
	}
	if err != nil {
		zap.L().Fatal("Unable to open ledger store", zap.Error(err))
	}
	defer ledger.Close()

	zap.L().Info("Seeding accounts", zap.Int("count", count), zap.Int64("opening_cents", openingCents))

	seeded := 0
	for i := 1; i <= count; i++ {
		email := fmt.Sprintf("user%04d@example.com", i)
		acc, err := ledger.CreateOrGetAccount(ctx, email, fmt.Sprintf("Demo User %d", i))
		if err != nil {
			zap.L().Fatal("Account create failed", zap.String("email", email), zap.Error(err))
		}
		if acc.BalanceCents > 0 || openingCents == 0 {
			continue
		}

		// Opening balances are operator corrections, not funded deposits.
		// The idempotency key makes re-running the seeder safe.
		_, err = ledger.Deposit(ctx, store.DepositParams{
			AccountID:      acc.AccountID,
			AmountCents:    openingCents,
			Currency:       cfg.Currency,
			Kind:           models.EntryAdjustment,
			IdempotencyKey: fmt.Sprintf("seed-opening-%s", email),
			Route:          service.DepositRoute(acc.AccountID),
		})
		if err != nil {
			zap.L().Fatal("Opening credit failed", zap.String("email", email), zap.Error(err))
		}
		seeded++
	}

	zap.L().Info("Seeding complete", zap.Int("credited", seeded))
}
