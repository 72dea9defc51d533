package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"

	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/account"
	"github.com/xtrntr/p2pexchange/internal/config"
	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/logger"
	"github.com/xtrntr/p2pexchange/internal/orderbook"
	"github.com/xtrntr/p2pexchange/internal/seed"
	"github.com/xtrntr/p2pexchange/migrations"
)

// Seed an empty database with demo traders and orders
func main() {
	configPath := flag.String("config", "", "path to a YAML config file (environment only when empty)")
	orders := flag.Int("orders", -1, "number of random orders (overrides SEED_ORDERS)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if *orders >= 0 {
		cfg.Seed.Orders = *orders
	}

	_ = logger.Init(cfg.LogLevel, cfg.LogFormat == "json")
	ctx := context.Background()

	report, err := seedDatabase(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "seeding failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	if report.Skipped {
		logger.Info(ctx, "database already has users, no need to seed")
	} else {
		logger.Info(ctx, "successfully seeded the database",
			zap.Int("users", report.Users),
			zap.Int("orders", report.Orders),
			zap.Int("failed", report.Failed),
		)
	}
	_ = logger.Sync()
}

func seedDatabase(ctx context.Context, cfg *config.Config) (seed.Report, error) {
	if cfg.DBURI == "" {
		return seed.Report{}, errors.New("DB_URI is required")
	}
	database, err := db.NewDB(ctx, cfg.DBURI, cfg.TxMaxAttempts)
	if err != nil {
		return seed.Report{}, err
	}
	defer database.Close()

	if err := database.Migrate(ctx, migrations.Migrations); err != nil {
		return seed.Report{}, err
	}

	starter, err := cfg.Starter()
	if err != nil {
		return seed.Report{}, fmt.Errorf("invalid starter balances: %w", err)
	}

	return seed.Bootstrap(ctx, seed.Deps{
		Store:    database,
		Accounts: account.New(database, starter),
		Book:     orderbook.New(database),
	}, seed.Options{
		Orders: cfg.Seed.Orders,
		Rand:   rand.New(rand.NewPCG(uint64(cfg.Seed.RandomSeed), uint64(cfg.Seed.RandomSeed))),
	})
}
