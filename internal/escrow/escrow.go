// Package escrow opens trades against resting orders, holds the buyer's side
// of the deal in locked funds and releases both sides on confirmation.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	serviceErrors "github.com/xtrntr/p2pexchange/internal/errors/service"
	storageErrors "github.com/xtrntr/p2pexchange/internal/errors/storage"
	"github.com/xtrntr/p2pexchange/internal/ledger"
	"github.com/xtrntr/p2pexchange/internal/logger"
	"github.com/xtrntr/p2pexchange/internal/metrics"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/storage"
)

// Engine is the escrow and trade engine
type Engine struct {
	store         storage.Store
	paymentWindow time.Duration
	now           func() time.Time
}

// New creates an engine. A positive paymentWindow stamps each new trade with
// an advisory payment deadline.
func New(store storage.Store, paymentWindow time.Duration) *Engine {
	return &Engine{
		store:         store,
		paymentWindow: paymentWindow,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Open matches quantity units of a live order for buyerID. The buyer's
// counter-side funds are locked, the order shrinks and a trade awaiting
// payment is recorded, all in one transaction.
func (e *Engine) Open(ctx context.Context, buyerID, orderID int64, quantity decimal.Decimal) (int64, error) {
	const op = "Engine.Open"

	if !quantity.IsPositive() || !models.FitsMoney(quantity) {
		return 0, fmt.Errorf("%s: quantity %s: %w", op, quantity, serviceErrors.ErrInvalidAmount)
	}

	var trade models.Trade
	err := e.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if errors.Is(err, storageErrors.ErrNotFound) {
			return serviceErrors.ErrOrderNotFound
		}
		if err != nil {
			return err
		}

		switch order.Status {
		case models.OrderStatusPending, models.OrderStatusPartiallyFilled:
		case models.OrderStatusFilled, models.OrderStatusCancelled:
			return fmt.Errorf("order %d is %s: %w", orderID, order.Status, serviceErrors.ErrOrderNotFound)
		default:
			return fmt.Errorf("order %d has unknown status %d: %w", orderID, order.Status, serviceErrors.ErrInvalidState)
		}

		if order.UserID == buyerID {
			return serviceErrors.ErrSelfTrade
		}
		if quantity.GreaterThan(order.AvailableQuantity) {
			return fmt.Errorf("want %s, order %d has %s: %w",
				quantity, orderID, order.AvailableQuantity, serviceErrors.ErrQuantityExceedsAvailable)
		}

		amount := order.Price.Mul(quantity)
		if !models.FitsMoney(amount) {
			return fmt.Errorf("amount %s exceeds %d decimal places: %w", amount, models.MoneyScale, serviceErrors.ErrInvalidAmount)
		}
		if amount.LessThan(order.MinAmount) || amount.GreaterThan(order.MaxAmount) {
			return fmt.Errorf("amount %s outside [%s, %s]: %w",
				amount, order.MinAmount, order.MaxAmount, serviceErrors.ErrAmountOutOfRange)
		}

		// The opener takes the counter side of the order, so the order owner
		// is the seller of a SELL order and the buyer of a BUY order.
		trade = models.Trade{
			OrderID:          order.ID,
			BuyerID:          buyerID,
			SellerID:         order.UserID,
			Asset:            order.Asset,
			Fiat:             order.Fiat,
			Price:            order.Price,
			Quantity:         quantity,
			Amount:           amount,
			Status:           models.TradeStatusPendingPayment,
			PaymentReference: uuid.New(),
		}
		if e.paymentWindow > 0 {
			deadline := e.now().Add(e.paymentWindow)
			trade.PaymentDeadline = &deadline
		}

		currency, locked := openerLock(order, quantity, amount)
		if err := ledger.Lock(ctx, tx, buyerID, currency, locked); err != nil {
			return err
		}

		order.AvailableQuantity = order.AvailableQuantity.Sub(quantity)
		if order.AvailableQuantity.IsZero() {
			order.Status = models.OrderStatusFilled
		} else {
			order.Status = models.OrderStatusPartiallyFilled
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}

		trade, err = tx.CreateTrade(ctx, trade)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	metrics.TradesOpened.Inc()
	logger.Info(ctx, "trade opened",
		zap.Int64("trade_id", trade.ID),
		zap.Int64("order_id", orderID),
		zap.Int64("buyer_id", buyerID),
		zap.Stringer("quantity", quantity),
		zap.Stringer("amount", trade.Amount),
	)

	return trade.ID, nil
}

// openerLock is what the trade opener escrows: fiat for the amount when
// buying from a SELL order, the asset quantity when selling into a BUY order.
func openerLock(order models.Order, quantity, amount decimal.Decimal) (string, decimal.Decimal) {
	if order.Direction == models.DirectionSell {
		return order.Fiat, amount
	}
	return order.Asset, quantity
}

// MarkPaymentSent records the buyer's claim that the off-platform payment left.
func (e *Engine) MarkPaymentSent(ctx context.Context, tradeID int64) error {
	const op = "Engine.MarkPaymentSent"

	err := e.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		trade, err := getTrade(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status != models.TradeStatusPendingPayment {
			return fmt.Errorf("trade %d is %s: %w", tradeID, trade.Status, serviceErrors.ErrInvalidState)
		}
		return tx.UpdateTradeStatus(ctx, tradeID, models.TradeStatusPaymentSent)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ConfirmPayment settles a trade: each side's escrow is released to the
// other party and the trade completes.
func (e *Engine) ConfirmPayment(ctx context.Context, tradeID int64) error {
	const op = "Engine.ConfirmPayment"

	var inconsistent bool
	err := e.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		inconsistent = false

		trade, err := getTrade(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		switch trade.Status {
		case models.TradeStatusPendingPayment, models.TradeStatusPaymentSent:
		case models.TradeStatusPaymentConfirmed, models.TradeStatusCompleted, models.TradeStatusCancelled:
			return fmt.Errorf("trade %d is %s: %w", tradeID, trade.Status, serviceErrors.ErrInvalidState)
		default:
			return fmt.Errorf("trade %d has unknown status %d: %w", tradeID, trade.Status, serviceErrors.ErrInvalidState)
		}

		order, err := tx.GetOrder(ctx, trade.OrderID)
		if err != nil {
			return err
		}

		for _, leg := range settlementLegs(order.Direction, trade) {
			if err := ledger.Settle(ctx, tx, leg.from, leg.to, leg.asset, leg.amount); err != nil {
				// store failures (serialization, connection, ctx) are not ledger bugs
				if !errors.Is(err, serviceErrors.ErrInsufficientFunds) && !errors.Is(err, serviceErrors.ErrInvalidAmount) {
					return err
				}
				inconsistent = true
				logger.Error(ctx, "settlement leg failed",
					zap.Int64("trade_id", tradeID),
					zap.Int64("from", leg.from),
					zap.Int64("to", leg.to),
					zap.String("asset", leg.asset),
					zap.Stringer("amount", leg.amount),
					zap.Error(err),
				)
				return fmt.Errorf("trade %d: %w: %w", tradeID, serviceErrors.ErrSettlementInconsistency, err)
			}
		}

		if err := tx.UpdateTradeStatus(ctx, tradeID, models.TradeStatusCompleted); err != nil {
			return err
		}
		if err := tx.IncrementCompletedTrades(ctx, trade.BuyerID); err != nil {
			return err
		}
		return tx.IncrementCompletedTrades(ctx, trade.SellerID)
	})
	if err != nil {
		if inconsistent {
			metrics.SettlementInconsistencies.Inc()
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	metrics.TradesSettled.Inc()
	logger.Info(ctx, "trade settled", zap.Int64("trade_id", tradeID))
	return nil
}

type leg struct {
	from, to int64
	asset    string
	amount   decimal.Decimal
}

// settlementLegs pairs each escrowed balance with its recipient. On a SELL
// order the owner escrowed the asset and the opener the fiat; a BUY order
// is the mirror image.
func settlementLegs(direction models.Direction, trade models.Trade) []leg {
	if direction == models.DirectionSell {
		return []leg{
			{from: trade.SellerID, to: trade.BuyerID, asset: trade.Asset, amount: trade.Quantity},
			{from: trade.BuyerID, to: trade.SellerID, asset: trade.Fiat, amount: trade.Amount},
		}
	}
	return []leg{
		{from: trade.SellerID, to: trade.BuyerID, asset: trade.Fiat, amount: trade.Amount},
		{from: trade.BuyerID, to: trade.SellerID, asset: trade.Asset, amount: trade.Quantity},
	}
}

// Cancel abandons an unsettled trade. The opener's escrow is released and
// the matched quantity goes back to the order if it is still live. If the
// owner has cancelled the order meanwhile, the owner's reservation for that
// quantity is released instead.
func (e *Engine) Cancel(ctx context.Context, tradeID int64) error {
	const op = "Engine.Cancel"

	err := e.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		trade, err := getTrade(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if !trade.Status.Open() {
			return fmt.Errorf("trade %d is %s: %w", tradeID, trade.Status, serviceErrors.ErrInvalidState)
		}

		order, err := tx.GetOrder(ctx, trade.OrderID)
		if err != nil {
			return err
		}

		currency, locked := openerLock(order, trade.Quantity, trade.Amount)
		if err := ledger.Unlock(ctx, tx, trade.BuyerID, currency, locked); err != nil {
			return err
		}

		switch order.Status {
		case models.OrderStatusPending, models.OrderStatusPartiallyFilled, models.OrderStatusFilled:
			order.AvailableQuantity = order.AvailableQuantity.Add(trade.Quantity)
			if order.AvailableQuantity.Equal(order.Quantity) {
				order.Status = models.OrderStatusPending
			} else {
				order.Status = models.OrderStatusPartiallyFilled
			}
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return err
			}
		case models.OrderStatusCancelled:
			ownerCurrency, reserved := order.Reservation(trade.Quantity)
			if err := ledger.Unlock(ctx, tx, order.UserID, ownerCurrency, reserved); err != nil {
				return err
			}
		default:
			return fmt.Errorf("order %d has unknown status %d: %w", order.ID, order.Status, serviceErrors.ErrInvalidState)
		}

		return tx.UpdateTradeStatus(ctx, tradeID, models.TradeStatusCancelled)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	metrics.TradesCancelled.Inc()
	logger.Info(ctx, "trade cancelled", zap.Int64("trade_id", tradeID))
	return nil
}

// Trade returns one trade
func (e *Engine) Trade(ctx context.Context, tradeID int64) (models.Trade, error) {
	const op = "Engine.Trade"

	var trade models.Trade
	err := e.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		trade, err = getTrade(ctx, tx, tradeID)
		return err
	})
	if err != nil {
		return models.Trade{}, fmt.Errorf("%s: %w", op, err)
	}
	return trade, nil
}

// UserTrades returns every trade a user is a party to
func (e *Engine) UserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	const op = "Engine.UserTrades"

	var trades []models.Trade
	err := e.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		trades, err = tx.ListUserTrades(ctx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return trades, nil
}

func getTrade(ctx context.Context, tx storage.Tx, tradeID int64) (models.Trade, error) {
	trade, err := tx.GetTrade(ctx, tradeID)
	if errors.Is(err, storageErrors.ErrNotFound) {
		return models.Trade{}, serviceErrors.ErrTradeNotFound
	}
	return trade, err
}
