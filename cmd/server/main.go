package main

import (
	"context"
	"errors"
	"flag"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/account"
	"github.com/xtrntr/p2pexchange/internal/api"
	"github.com/xtrntr/p2pexchange/internal/config"
	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/escrow"
	"github.com/xtrntr/p2pexchange/internal/logger"
	"github.com/xtrntr/p2pexchange/internal/orderbook"
	"github.com/xtrntr/p2pexchange/internal/seed"
	"github.com/xtrntr/p2pexchange/internal/storage"
	"github.com/xtrntr/p2pexchange/internal/storage/memory"
	"github.com/xtrntr/p2pexchange/migrations"
)

// Main entry point: sets up storage, the engine components and the HTTP server
func main() {
	configPath := flag.String("config", "", "path to a YAML config file (environment only when empty)")
	inMemory := flag.Bool("memory", false, "keep state in process memory instead of PostgreSQL")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	_ = logger.Init(cfg.LogLevel, cfg.LogFormat == "json")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, *inMemory)
	stop()

	// exit only after buffered log entries are flushed
	if err != nil {
		logger.Error(ctx, "server failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(ctx context.Context, cfg *config.Config, inMemory bool) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	starter, err := cfg.Starter()
	if err != nil {
		return err
	}

	var store storage.Store
	if inMemory {
		logger.Warn(ctx, "running on in-memory storage, state is lost on exit")
		store = memory.NewStore()
	} else {
		if cfg.DBURI == "" {
			return errors.New("DB_URI is required")
		}
		database, err := db.NewDB(ctx, cfg.DBURI, cfg.TxMaxAttempts)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Migrate(ctx, migrations.Migrations); err != nil {
			return err
		}
		store = database
	}

	accounts := account.New(store, starter)
	book := orderbook.New(store)
	engine := escrow.New(store, cfg.PaymentWindow)

	if _, err := seed.Bootstrap(ctx, seed.Deps{Store: store, Accounts: accounts, Book: book}, seed.Options{
		Orders: cfg.Seed.Orders,
		Rand:   rand.New(rand.NewPCG(uint64(cfg.Seed.RandomSeed), uint64(cfg.Seed.RandomSeed))),
	}); err != nil {
		return err
	}

	handler := api.NewHandler(accounts, account.NewTokens(cfg.JWTSecret, cfg.JWTTTL), book, engine)
	feed := api.NewBookFeed(book, cfg.BookPushInterval)

	// Set up HTTP router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(api.RequestLogger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", feed.ServeHTTP)
	handler.Routes(r)

	go feed.Run(ctx)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "starting server", zap.String("address", cfg.HTTPAddress))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
