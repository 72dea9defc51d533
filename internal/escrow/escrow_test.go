package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serviceErrors "github.com/xtrntr/p2pexchange/internal/errors/service"
	"github.com/xtrntr/p2pexchange/internal/ledger"
	"github.com/xtrntr/p2pexchange/internal/metrics"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/orderbook"
	"github.com/xtrntr/p2pexchange/internal/storage"
	"github.com/xtrntr/p2pexchange/internal/storage/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	store  *memory.Store
	ledger *ledger.Ledger
	book   *orderbook.OrderBook
	engine *Engine
}

func newFixture() fixture {
	store := memory.NewStore()
	return fixture{
		store:  store,
		ledger: ledger.New(store),
		book:   orderbook.New(store),
		engine: New(store, 15*time.Minute),
	}
}

func (f fixture) user(t *testing.T, name string, funds map[string]string) int64 {
	t.Helper()

	var id int64
	err := f.store.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		user, err := tx.CreateUser(ctx, models.User{Username: name, Email: name + "@example.com", PasswordHash: "x"})
		if err != nil {
			return err
		}
		id = user.ID
		for asset, amount := range funds {
			if err := ledger.Credit(ctx, tx, id, asset, dec(amount)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return id
}

func (f fixture) order(t *testing.T, userID int64, direction models.Direction, price, qty, min, max string) int64 {
	t.Helper()

	id, err := f.book.Place(context.Background(), orderbook.PlaceParams{
		UserID:         userID,
		Direction:      direction,
		Asset:          "USDT",
		Fiat:           "USD",
		Price:          dec(price),
		Quantity:       dec(qty),
		PaymentMethods: []string{"Wise"},
		MinAmount:      dec(min),
		MaxAmount:      dec(max),
	})
	require.NoError(t, err)
	return id
}

// assertBalance compares available and locked amounts of one wallet.
func (f fixture) assertBalance(t *testing.T, userID int64, asset, available, locked string) {
	t.Helper()

	b, err := f.ledger.Balance(context.Background(), userID, asset)
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(dec(available)), "user %d %s available %s, want %s", userID, asset, b.Available, available)
	assert.True(t, b.Locked.Equal(dec(locked)), "user %d %s locked %s, want %s", userID, asset, b.Locked, locked)
}

// assertNonNegative walks every wallet of the given users.
func (f fixture) assertNonNegative(t *testing.T, users ...int64) {
	t.Helper()

	for _, id := range users {
		balances, err := f.ledger.Balances(context.Background(), id)
		require.NoError(t, err)
		for asset, b := range balances {
			assert.False(t, b.Available.IsNegative(), "user %d %s available %s", id, asset, b.Available)
			assert.False(t, b.Locked.IsNegative(), "user %d %s locked %s", id, asset, b.Locked)
		}
	}
}

func TestEngine_SellOrderScenario(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.user(t, "a", map[string]string{"USD": "1000"})
	b := f.user(t, "b", map[string]string{"USDT": "10"})

	orderID := f.order(t, b, models.DirectionSell, "10", "10", "1", "1000")
	f.assertBalance(t, b, "USDT", "0", "10")

	tradeID, err := f.engine.Open(ctx, a, orderID, dec("10"))
	require.NoError(t, err)
	f.assertBalance(t, a, "USD", "900", "100")

	order, err := f.book.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, order.Status)
	assert.True(t, order.AvailableQuantity.IsZero())

	trade, err := f.engine.Trade(ctx, tradeID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusPendingPayment, trade.Status)
	assert.Equal(t, a, trade.BuyerID)
	assert.Equal(t, b, trade.SellerID)
	assert.True(t, trade.Amount.Equal(dec("100")))
	require.NotNil(t, trade.PaymentDeadline)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), *trade.PaymentDeadline, time.Minute)

	require.NoError(t, f.engine.ConfirmPayment(ctx, tradeID))

	f.assertBalance(t, a, "USD", "900", "0")
	f.assertBalance(t, a, "USDT", "10", "0")
	f.assertBalance(t, b, "USD", "100", "0")
	f.assertBalance(t, b, "USDT", "0", "0")
	f.assertNonNegative(t, a, b)

	trade, err = f.engine.Trade(ctx, tradeID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusCompleted, trade.Status)

	err = f.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		for _, id := range []int64{a, b} {
			user, err := tx.GetUser(ctx, id)
			if err != nil {
				return err
			}
			assert.Equal(t, 1, user.CompletedTrades)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestEngine_BuyOrderSettlement(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	owner := f.user(t, "owner", map[string]string{"USD": "500"})
	opener := f.user(t, "opener", map[string]string{"USDT": "300"})

	orderID := f.order(t, owner, models.DirectionBuy, "0.98", "200", "10", "500")
	f.assertBalance(t, owner, "USD", "304", "196")

	tradeID, err := f.engine.Open(ctx, opener, orderID, dec("150"))
	require.NoError(t, err)
	f.assertBalance(t, opener, "USDT", "150", "150")

	order, err := f.book.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPartiallyFilled, order.Status)
	assert.True(t, order.AvailableQuantity.Equal(dec("50")))

	require.NoError(t, f.engine.MarkPaymentSent(ctx, tradeID))
	require.NoError(t, f.engine.ConfirmPayment(ctx, tradeID))

	// 150 USDT at 0.98 is 147 USD; the other 49 USD stay reserved for the remaining 50 USDT
	f.assertBalance(t, owner, "USD", "304", "49")
	f.assertBalance(t, owner, "USDT", "150", "0")
	f.assertBalance(t, opener, "USDT", "150", "0")
	f.assertBalance(t, opener, "USD", "147", "0")
	f.assertNonNegative(t, owner, opener)
}

func TestEngine_OpenFailuresLeaveStateUnchanged(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	seller := f.user(t, "seller", map[string]string{"USDT": "5"})
	buyer := f.user(t, "buyer", map[string]string{"USD": "20"})
	orderID := f.order(t, seller, models.DirectionSell, "2", "5", "4", "8")

	tests := []struct {
		name        string
		buyer       int64
		orderID     int64
		quantity    string
		expectedErr error
	}{
		{"QuantityExceedsAvailable", buyer, orderID, "6", serviceErrors.ErrQuantityExceedsAvailable},
		{"AmountBelowMin", buyer, orderID, "1", serviceErrors.ErrAmountOutOfRange},
		{"AmountAboveMax", buyer, orderID, "4.5", serviceErrors.ErrAmountOutOfRange},
		{"ZeroQuantity", buyer, orderID, "0", serviceErrors.ErrInvalidAmount},
		{"UnknownOrder", buyer, 404, "1", serviceErrors.ErrOrderNotFound},
		{"OwnOrder", seller, orderID, "3", serviceErrors.ErrSelfTrade},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Open(ctx, tt.buyer, tt.orderID, dec(tt.quantity))
			assert.ErrorIs(t, err, tt.expectedErr)

			f.assertBalance(t, seller, "USDT", "0", "5")
			f.assertBalance(t, buyer, "USD", "20", "0")

			order, err := f.book.Get(ctx, orderID)
			require.NoError(t, err)
			assert.Equal(t, models.OrderStatusPending, order.Status)
			assert.True(t, order.AvailableQuantity.Equal(dec("5")))
		})
	}
}

func TestEngine_OpenInsufficientFunds(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	seller := f.user(t, "seller", map[string]string{"USDT": "100"})
	buyer := f.user(t, "buyer", map[string]string{"USD": "49.99"})
	orderID := f.order(t, seller, models.DirectionSell, "1", "100", "1", "100")

	_, err := f.engine.Open(ctx, buyer, orderID, dec("50"))
	assert.ErrorIs(t, err, serviceErrors.ErrInsufficientFunds)

	f.assertBalance(t, buyer, "USD", "49.99", "0")
	order, err := f.book.Get(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, order.AvailableQuantity.Equal(dec("100")))

	trades, err := f.engine.UserTrades(ctx, buyer)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestEngine_ConcurrentOpen(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	seller := f.user(t, "seller", map[string]string{"USDT": "10"})
	first := f.user(t, "first", map[string]string{"USD": "100"})
	second := f.user(t, "second", map[string]string{"USD": "100"})
	orderID := f.order(t, seller, models.DirectionSell, "1", "10", "1", "10")

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, buyer := range []int64{first, second} {
		wg.Add(1)
		go func(i int, buyer int64) {
			defer wg.Done()
			_, errs[i] = f.engine.Open(ctx, buyer, orderID, dec("6"))
		}(i, buyer)
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorIs(t, err, serviceErrors.ErrQuantityExceedsAvailable):
			rejected++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	order, err := f.book.Get(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, order.AvailableQuantity.Equal(dec("4")))
	assert.Equal(t, models.OrderStatusPartiallyFilled, order.Status)
}

func TestEngine_ConfirmPaymentStates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	seller := f.user(t, "seller", map[string]string{"USDT": "10"})
	buyer := f.user(t, "buyer", map[string]string{"USD": "10"})
	orderID := f.order(t, seller, models.DirectionSell, "1", "10", "1", "10")

	tradeID, err := f.engine.Open(ctx, buyer, orderID, dec("5"))
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.ConfirmPayment(ctx, 999), serviceErrors.ErrTradeNotFound)
	require.NoError(t, f.engine.ConfirmPayment(ctx, tradeID))
	assert.ErrorIs(t, f.engine.ConfirmPayment(ctx, tradeID), serviceErrors.ErrInvalidState)
	assert.ErrorIs(t, f.engine.MarkPaymentSent(ctx, tradeID), serviceErrors.ErrInvalidState)
	assert.ErrorIs(t, f.engine.Cancel(ctx, tradeID), serviceErrors.ErrInvalidState)
}

func TestEngine_ConfirmPaymentInconsistency(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	seller := f.user(t, "seller", map[string]string{"USDT": "10"})
	buyer := f.user(t, "buyer", map[string]string{"USD": "10"})
	orderID := f.order(t, seller, models.DirectionSell, "1", "10", "1", "10")

	tradeID, err := f.engine.Open(ctx, buyer, orderID, dec("10"))
	require.NoError(t, err)

	// drain the buyer's escrow behind the engine's back
	require.NoError(t, f.ledger.Unlock(ctx, buyer, "USD", dec("10")))

	before := testutil.ToFloat64(metrics.SettlementInconsistencies)
	err = f.engine.ConfirmPayment(ctx, tradeID)
	assert.ErrorIs(t, err, serviceErrors.ErrSettlementInconsistency)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SettlementInconsistencies))

	// the seller's leg ran first and must have been rolled back
	f.assertBalance(t, seller, "USDT", "0", "10")
	f.assertBalance(t, buyer, "USDT", "0", "0")

	trade, err := f.engine.Trade(ctx, tradeID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusPendingPayment, trade.Status)
}

func TestEngine_CancelReturnsQuantity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	seller := f.user(t, "seller", map[string]string{"USDT": "10"})
	buyer := f.user(t, "buyer", map[string]string{"USD": "10"})
	orderID := f.order(t, seller, models.DirectionSell, "1", "10", "1", "10")

	tradeID, err := f.engine.Open(ctx, buyer, orderID, dec("10"))
	require.NoError(t, err)
	require.NoError(t, f.engine.MarkPaymentSent(ctx, tradeID))
	require.NoError(t, f.engine.Cancel(ctx, tradeID))

	f.assertBalance(t, buyer, "USD", "10", "0")
	f.assertBalance(t, seller, "USDT", "0", "10")

	order, err := f.book.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.True(t, order.AvailableQuantity.Equal(dec("10")))

	trade, err := f.engine.Trade(ctx, tradeID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusCancelled, trade.Status)
}

func TestEngine_CancelAfterOrderCancelled(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	seller := f.user(t, "seller", map[string]string{"USDT": "10"})
	buyer := f.user(t, "buyer", map[string]string{"USD": "10"})
	orderID := f.order(t, seller, models.DirectionSell, "1", "10", "1", "10")

	tradeID, err := f.engine.Open(ctx, buyer, orderID, dec("4"))
	require.NoError(t, err)

	require.NoError(t, f.book.Cancel(ctx, seller, orderID))
	f.assertBalance(t, seller, "USDT", "6", "4")

	require.NoError(t, f.engine.Cancel(ctx, tradeID))
	f.assertBalance(t, seller, "USDT", "10", "0")
	f.assertBalance(t, buyer, "USD", "10", "0")

	order, err := f.book.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
}

func TestEngine_UserTrades(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	seller := f.user(t, "seller", map[string]string{"USDT": "10"})
	buyer := f.user(t, "buyer", map[string]string{"USD": "10"})
	other := f.user(t, "other", nil)
	orderID := f.order(t, seller, models.DirectionSell, "1", "10", "1", "10")

	first, err := f.engine.Open(ctx, buyer, orderID, dec("3"))
	require.NoError(t, err)
	second, err := f.engine.Open(ctx, buyer, orderID, dec("2"))
	require.NoError(t, err)

	for _, id := range []int64{seller, buyer} {
		trades, err := f.engine.UserTrades(ctx, id)
		require.NoError(t, err)
		require.Len(t, trades, 2)
		assert.Equal(t, first, trades[0].ID)
		assert.Equal(t, second, trades[1].ID)
		assert.NotEqual(t, trades[0].PaymentReference, trades[1].PaymentReference)
	}

	trades, err := f.engine.UserTrades(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

var errStoreUnavailable = errors.New("could not serialize access (40001)")

// walletOutage fails every wallet read once down is set.
type walletOutage struct {
	storage.Store
	down bool
}

func (s *walletOutage) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if s.down {
			tx = unavailableWallets{Tx: tx}
		}
		return fn(ctx, tx)
	})
}

type unavailableWallets struct {
	storage.Tx
}

func (unavailableWallets) GetWallet(context.Context, int64, string) (models.Wallet, error) {
	return models.Wallet{}, errStoreUnavailable
}

func TestEngine_ConfirmPaymentStoreFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	seller := f.user(t, "seller", map[string]string{"USDT": "10"})
	buyer := f.user(t, "buyer", map[string]string{"USD": "10"})
	orderID := f.order(t, seller, models.DirectionSell, "1", "10", "1", "10")

	tradeID, err := f.engine.Open(ctx, buyer, orderID, dec("10"))
	require.NoError(t, err)

	outage := &walletOutage{Store: f.store, down: true}
	engine := New(outage, 15*time.Minute)

	before := testutil.ToFloat64(metrics.SettlementInconsistencies)
	err = engine.ConfirmPayment(ctx, tradeID)
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreUnavailable)
	assert.NotErrorIs(t, err, serviceErrors.ErrSettlementInconsistency)
	assert.Equal(t, before, testutil.ToFloat64(metrics.SettlementInconsistencies))

	trade, err := f.engine.Trade(ctx, tradeID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusPendingPayment, trade.Status)

	// once the store recovers the same trade settles normally
	outage.down = false
	require.NoError(t, engine.ConfirmPayment(ctx, tradeID))
	f.assertBalance(t, buyer, "USDT", "10", "0")
	f.assertBalance(t, seller, "USD", "10", "0")
}

func TestEngine_OpenRejectsUnstorableAmounts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	seller := f.user(t, "seller", map[string]string{"USDT": "10"})
	buyer := f.user(t, "buyer", map[string]string{"USD": "10"})
	orderID := f.order(t, seller, models.DirectionSell, "0.5", "10", "0", "5")

	tests := []struct {
		name     string
		quantity string
	}{
		{"QuantityBeyondScale", "0.0000000000000000001"},
		{"AmountBeyondScale", "0.000000000000000001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Open(ctx, buyer, orderID, dec(tt.quantity))
			assert.ErrorIs(t, err, serviceErrors.ErrInvalidAmount)

			f.assertBalance(t, buyer, "USD", "10", "0")
			order, err := f.book.Get(ctx, orderID)
			require.NoError(t, err)
			assert.True(t, order.AvailableQuantity.Equal(dec("10")))
		})
	}
}

func TestEngine_CancelBuyOrderTrade(t *testing.T) {
	t.Run("LiveOrder", func(t *testing.T) {
		f := newFixture()
		ctx := context.Background()
		owner := f.user(t, "owner", map[string]string{"USD": "500"})
		opener := f.user(t, "opener", map[string]string{"USDT": "300"})
		orderID := f.order(t, owner, models.DirectionBuy, "0.98", "200", "10", "500")

		tradeID, err := f.engine.Open(ctx, opener, orderID, dec("150"))
		require.NoError(t, err)
		f.assertBalance(t, opener, "USDT", "150", "150")

		require.NoError(t, f.engine.Cancel(ctx, tradeID))

		f.assertBalance(t, opener, "USDT", "300", "0")
		f.assertBalance(t, opener, "USD", "0", "0")
		f.assertBalance(t, owner, "USD", "304", "196")
		f.assertBalance(t, owner, "USDT", "0", "0")

		order, err := f.book.Get(ctx, orderID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusPending, order.Status)
		assert.True(t, order.AvailableQuantity.Equal(dec("200")))
	})

	t.Run("CancelledOrder", func(t *testing.T) {
		f := newFixture()
		ctx := context.Background()
		owner := f.user(t, "owner", map[string]string{"USD": "500"})
		opener := f.user(t, "opener", map[string]string{"USDT": "300"})
		orderID := f.order(t, owner, models.DirectionBuy, "0.98", "200", "10", "500")

		tradeID, err := f.engine.Open(ctx, opener, orderID, dec("150"))
		require.NoError(t, err)

		// only the untraded 50 USDT worth of fiat is released by the order cancel
		require.NoError(t, f.book.Cancel(ctx, owner, orderID))
		f.assertBalance(t, owner, "USD", "353", "147")

		require.NoError(t, f.engine.Cancel(ctx, tradeID))

		f.assertBalance(t, owner, "USD", "500", "0")
		f.assertBalance(t, opener, "USDT", "300", "0")
		f.assertNonNegative(t, owner, opener)

		order, err := f.book.Get(ctx, orderID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCancelled, order.Status)

		trade, err := f.engine.Trade(ctx, tradeID)
		require.NoError(t, err)
		assert.Equal(t, models.TradeStatusCancelled, trade.Status)
	})
}
