package seed

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/p2pexchange/internal/account"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/orderbook"
	"github.com/xtrntr/p2pexchange/internal/storage"
	"github.com/xtrntr/p2pexchange/internal/storage/memory"
)

func newDeps(store storage.Store) Deps {
	return Deps{
		Store:    store,
		Accounts: account.New(store, nil).WithCost(bcrypt.MinCost),
		Book:     orderbook.New(store),
	}
}

func TestBootstrap(t *testing.T) {
	store := memory.NewStore()
	deps := newDeps(store)
	ctx := context.Background()

	report, err := Bootstrap(ctx, deps, Options{Orders: 8, Rand: rand.New(rand.NewPCG(7, 7))})
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 3, report.Users)
	assert.Equal(t, 8, report.Orders+report.Failed)

	var placed int
	err = store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		for _, trader := range Roster {
			user, err := tx.GetUserByUsername(ctx, trader.Username)
			if err != nil {
				return err
			}
			orders, err := tx.ListUserOrders(ctx, user.ID)
			if err != nil {
				return err
			}
			placed += len(orders)

			// whatever is locked backs the user's pending orders
			wallets, err := tx.ListWallets(ctx, user.ID)
			if err != nil {
				return err
			}
			for _, w := range wallets {
				assert.True(t, w.Available.Add(w.Locked).Equal(RosterBalances[w.Asset]), "%s %s", trader.Username, w.Asset)
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, report.Orders, placed)

	again, err := Bootstrap(ctx, deps, Options{Orders: 8})
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Zero(t, again.Users)
}

func TestBootstrap_SkipsPopulatedStore(t *testing.T) {
	store := memory.NewStore()
	deps := newDeps(store)
	ctx := context.Background()

	_, err := deps.Accounts.RegisterWithBalances(ctx, "someone", "someone@example.com", "pw", nil)
	require.NoError(t, err)

	report, err := Bootstrap(ctx, deps, Options{Orders: 8})
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

type failingBook struct{ calls int }

func (b *failingBook) Place(context.Context, orderbook.PlaceParams) (int64, error) {
	b.calls++
	if b.calls%2 == 0 {
		return 0, assert.AnError
	}
	return int64(b.calls), nil
}

func TestBootstrap_FailuresDoNotAbort(t *testing.T) {
	store := memory.NewStore()
	book := &failingBook{}
	deps := newDeps(store)
	deps.Book = book

	report, err := Bootstrap(context.Background(), deps, Options{Orders: 6})
	require.NoError(t, err)
	assert.Equal(t, 6, book.calls)
	assert.Equal(t, 3, report.Orders)
	assert.Equal(t, 3, report.Failed)
}

func TestRandomOrder(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	presets := map[string]bool{}
	for _, p := range paymentMethodPresets {
		presets[join(p)] = true
	}

	for i := 0; i < 500; i++ {
		params := RandomOrder(rng, 1)

		require.True(t, models.IsSupportedPair(params.Asset, params.Fiat))
		ref := decimal.NewFromFloat(referencePrices[params.Asset][params.Fiat])
		switch params.Direction {
		case models.DirectionSell:
			assert.True(t, params.Price.GreaterThan(ref), "sell %s vs %s", params.Price, ref)
		case models.DirectionBuy:
			assert.True(t, params.Price.LessThan(ref), "buy %s vs %s", params.Price, ref)
		default:
			t.Fatalf("unexpected direction %v", params.Direction)
		}

		bounds := quantityRanges[params.Asset]
		assert.True(t, params.Quantity.IsPositive())
		assert.True(t, params.Quantity.LessThanOrEqual(decimal.NewFromFloat(bounds[1])))
		assert.True(t, params.Quantity.Equal(params.Quantity.Round(2)))
		assert.True(t, params.Price.Equal(params.Price.Round(2)))

		assert.False(t, params.MinAmount.IsNegative())
		assert.True(t, params.MinAmount.LessThanOrEqual(params.MaxAmount))
		assert.True(t, presets[join(params.PaymentMethods)])
	}
}

func TestRandomOrder_Reproducible(t *testing.T) {
	a := rand.New(rand.NewPCG(42, 42))
	b := rand.New(rand.NewPCG(42, 42))

	for i := 0; i < 20; i++ {
		x, y := RandomOrder(a, 1), RandomOrder(b, 1)
		assert.Equal(t, x.Direction, y.Direction)
		assert.Equal(t, x.Asset+x.Fiat, y.Asset+y.Fiat)
		assert.True(t, x.Price.Equal(y.Price))
		assert.True(t, x.Quantity.Equal(y.Quantity))
	}
}

func join(methods []string) string {
	out := ""
	for _, m := range methods {
		out += m + "|"
	}
	return out
}
