// Package seed fills an empty store with demo traders and a handful of
// randomised resting orders.
package seed

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/logger"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/orderbook"
	"github.com/xtrntr/p2pexchange/internal/storage"
)

type Trader struct {
	Username string
	Email    string
	Password string
}

var Roster = []Trader{
	{Username: "trader1", Email: "trader1@example.com", Password: "password123"},
	{Username: "trader2", Email: "trader2@example.com", Password: "password123"},
	{Username: "trader3", Email: "trader3@example.com", Password: "password123"},
}

var RosterBalances = map[string]decimal.Decimal{
	"USDT": decimal.NewFromInt(5000),
	"BTC":  decimal.RequireFromString("0.5"),
	"ETH":  decimal.NewFromInt(3),
	"USD":  decimal.NewFromInt(10000),
	"EUR":  decimal.NewFromInt(8000),
}

var referencePrices = map[string]map[string]float64{
	"USDT": {"USD": 1.0, "EUR": 0.92},
	"BTC":  {"USD": 45000, "EUR": 41400},
	"ETH":  {"USD": 2800, "EUR": 2576},
}

var quantityRanges = map[string][2]float64{
	"USDT": {100, 1000},
	"BTC":  {0.01, 0.1},
	"ETH":  {0.1, 2.0},
}

var paymentMethodPresets = [][]string{
	{"Bank Transfer", "PayPal"},
	{"Bank Transfer", "Wise", "Revolut"},
	{"PayPal", "Credit Card"},
	{"Bank Transfer", "Cash Deposit"},
	{"Wise", "PayPal", "Bank Transfer"},
}

// Registrar creates accounts with explicit balances
type Registrar interface {
	RegisterWithBalances(ctx context.Context, username, email, password string, balances map[string]decimal.Decimal) (int64, error)
}

// Placer adds orders to the book
type Placer interface {
	Place(ctx context.Context, params orderbook.PlaceParams) (int64, error)
}

type Deps struct {
	Store    storage.Store
	Accounts Registrar
	Book     Placer
}

type Options struct {
	Orders int
	// Rand drives every random choice. Nil means a fixed seed of 1.
	Rand *rand.Rand
}

// Report summarises one bootstrap run
type Report struct {
	Skipped bool
	Users   int
	Orders  int
	Failed  int
}

// Bootstrap seeds the store when it holds no users. Individual registration
// or order failures are logged and counted, the run carries on regardless.
func Bootstrap(ctx context.Context, deps Deps, opts Options) (Report, error) {
	const op = "seed.Bootstrap"

	var count int
	err := deps.Store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		count, err = tx.CountUsers(ctx)
		return err
	})
	if err != nil {
		return Report{}, fmt.Errorf("%s: %w", op, err)
	}
	if count > 0 {
		logger.Info(ctx, "store already populated, skipping seed", zap.Int("users", count))
		return Report{Skipped: true}, nil
	}

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 1))
	}

	var report Report
	var userIDs []int64
	for _, trader := range Roster {
		id, err := deps.Accounts.RegisterWithBalances(ctx, trader.Username, trader.Email, trader.Password, RosterBalances)
		if err != nil {
			report.Failed++
			logger.Warn(ctx, "seed user failed", zap.String("username", trader.Username), zap.Error(err))
			continue
		}
		userIDs = append(userIDs, id)
		report.Users++
	}
	if len(userIDs) == 0 {
		return report, nil
	}

	for i := 0; i < opts.Orders; i++ {
		params := RandomOrder(rng, userIDs[rng.IntN(len(userIDs))])
		if _, err := deps.Book.Place(ctx, params); err != nil {
			report.Failed++
			logger.Warn(ctx, "seed order failed",
				zap.Int("index", i),
				zap.Stringer("direction", params.Direction),
				zap.String("pair", params.Asset+"/"+params.Fiat),
				zap.Error(err),
			)
			continue
		}
		report.Orders++
	}

	logger.Info(ctx, "store seeded",
		zap.Int("users", report.Users),
		zap.Int("orders", report.Orders),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// RandomOrder draws one order for userID. SELL prices sit 1-3% above the
// reference price and BUY prices 1-3% below it.
func RandomOrder(rng *rand.Rand, userID int64) orderbook.PlaceParams {
	direction := models.DirectionBuy
	variation := -uniform(rng, 0.01, 0.03)
	if rng.IntN(2) == 1 {
		direction = models.DirectionSell
		variation = -variation
	}

	asset := models.Assets[rng.IntN(len(models.Assets))]
	fiat := models.Fiats[rng.IntN(len(models.Fiats))]

	price := round2(referencePrices[asset][fiat] * (1 + variation))
	bounds := quantityRanges[asset]
	quantity := round2(uniform(rng, bounds[0], bounds[1]))

	maxAmount := price.Mul(quantity).Mul(decimal.RequireFromString("0.8")).Round(2)
	minAmount := decimal.Min(round2(uniform(rng, 50, 200)), maxAmount)

	return orderbook.PlaceParams{
		UserID:         userID,
		Direction:      direction,
		Asset:          asset,
		Fiat:           fiat,
		Price:          price,
		Quantity:       quantity,
		PaymentMethods: append([]string{}, paymentMethodPresets[rng.IntN(len(paymentMethodPresets))]...),
		MinAmount:      minAmount,
		MaxAmount:      maxAmount,
	}
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func round2(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}
