package orderbook

import (
	"context"
	"errors"
	"fmt"

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

// OrderBook manages resting buy and sell offers and the funds they reserve
type OrderBook struct {
	store storage.Store
}

// New creates an order book over store
func New(store storage.Store) *OrderBook {
	return &OrderBook{store: store}
}

// PlaceParams describes a new order
type PlaceParams struct {
	UserID         int64
	Direction      models.Direction
	Asset          string
	Fiat           string
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	PaymentMethods []string
	MinAmount      decimal.Decimal
	MaxAmount      decimal.Decimal
}

func (p PlaceParams) validate() error {
	switch p.Direction {
	case models.DirectionBuy, models.DirectionSell:
	case models.DirectionUnspecified:
		return fmt.Errorf("direction is required: %w", serviceErrors.ErrInvalidInput)
	default:
		return fmt.Errorf("unknown direction %d: %w", p.Direction, serviceErrors.ErrInvalidInput)
	}

	if !models.IsSupportedPair(p.Asset, p.Fiat) {
		return fmt.Errorf("%s/%s: %w", p.Asset, p.Fiat, serviceErrors.ErrUnsupportedPair)
	}
	if !p.Price.IsPositive() {
		return fmt.Errorf("price must be positive: %w", serviceErrors.ErrInvalidAmount)
	}
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive: %w", serviceErrors.ErrInvalidAmount)
	}
	if p.MinAmount.IsNegative() || p.MaxAmount.LessThan(p.MinAmount) {
		return fmt.Errorf("trade bounds [%s, %s]: %w", p.MinAmount, p.MaxAmount, serviceErrors.ErrInvalidAmount)
	}

	// a full fill settles price*quantity, so that has to be storable as well
	for _, v := range []decimal.Decimal{p.Price, p.Quantity, p.MinAmount, p.MaxAmount, p.Price.Mul(p.Quantity)} {
		if !models.FitsMoney(v) {
			return fmt.Errorf("%s exceeds %d decimal places or range: %w", v, models.MoneyScale, serviceErrors.ErrInvalidAmount)
		}
	}
	return nil
}

// Place reserves the funds an order needs and adds it to the book. A SELL
// order locks the asset quantity, a BUY order locks price*quantity of fiat.
func (b *OrderBook) Place(ctx context.Context, params PlaceParams) (int64, error) {
	const op = "OrderBook.Place"

	if err := params.validate(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var orderID int64
	err := b.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		order := models.Order{
			UserID:            params.UserID,
			Direction:         params.Direction,
			Asset:             params.Asset,
			Fiat:              params.Fiat,
			Price:             params.Price,
			Quantity:          params.Quantity,
			AvailableQuantity: params.Quantity,
			PaymentMethods:    append([]string{}, params.PaymentMethods...),
			MinAmount:         params.MinAmount,
			MaxAmount:         params.MaxAmount,
			Status:            models.OrderStatusPending,
		}

		currency, amount := order.Reservation(order.Quantity)
		if err := ledger.Lock(ctx, tx, order.UserID, currency, amount); err != nil {
			return err
		}

		created, err := tx.CreateOrder(ctx, order)
		if err != nil {
			return err
		}
		orderID = created.ID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	metrics.OrdersPlaced.WithLabelValues(params.Direction.String()).Inc()
	logger.Info(ctx, "order placed",
		zap.Int64("order_id", orderID),
		zap.Int64("user_id", params.UserID),
		zap.Stringer("direction", params.Direction),
		zap.String("pair", params.Asset+"/"+params.Fiat),
		zap.Stringer("price", params.Price),
		zap.Stringer("quantity", params.Quantity),
	)

	return orderID, nil
}

// List returns the pending orders of a pair, cheapest first. Equal prices
// keep arrival order.
func (b *OrderBook) List(ctx context.Context, asset, fiat string, direction *models.Direction) ([]models.Order, error) {
	const op = "OrderBook.List"

	filter := models.OrderFilter{
		Asset:     asset,
		Fiat:      fiat,
		Direction: direction,
		Status:    models.OrderStatusPending,
	}

	var orders []models.Order
	err := b.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		orders, err = tx.ListOrders(ctx, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return orders, nil
}

// Get returns one order
func (b *OrderBook) Get(ctx context.Context, orderID int64) (models.Order, error) {
	const op = "OrderBook.Get"

	var order models.Order
	err := b.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, orderID)
		return mapNotFound(err)
	})
	if err != nil {
		return models.Order{}, fmt.Errorf("%s: %w", op, err)
	}
	return order, nil
}

// UserOrders returns every order a user has placed
func (b *OrderBook) UserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	const op = "OrderBook.UserOrders"

	var orders []models.Order
	err := b.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		orders, err = tx.ListUserOrders(ctx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return orders, nil
}

// Cancel withdraws an owner's live order and releases the funds still
// reserved for its unmatched remainder. Quantity already in open trades
// stays in escrow.
func (b *OrderBook) Cancel(ctx context.Context, userID, orderID int64) error {
	const op = "OrderBook.Cancel"

	err := b.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return mapNotFound(err)
		}
		if order.UserID != userID {
			return serviceErrors.ErrOrderNotFound
		}

		switch order.Status {
		case models.OrderStatusPending, models.OrderStatusPartiallyFilled:
		case models.OrderStatusFilled, models.OrderStatusCancelled:
			return fmt.Errorf("order %d is %s: %w", orderID, order.Status, serviceErrors.ErrInvalidState)
		default:
			return fmt.Errorf("order %d has unknown status %d: %w", orderID, order.Status, serviceErrors.ErrInvalidState)
		}

		if order.AvailableQuantity.IsPositive() {
			currency, amount := order.Reservation(order.AvailableQuantity)
			if err := ledger.Unlock(ctx, tx, order.UserID, currency, amount); err != nil {
				return err
			}
		}

		order.Status = models.OrderStatusCancelled
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	metrics.OrdersCancelled.Inc()
	logger.Info(ctx, "order cancelled", zap.Int64("order_id", orderID), zap.Int64("user_id", userID))
	return nil
}

func mapNotFound(err error) error {
	if errors.Is(err, storageErrors.ErrNotFound) {
		return serviceErrors.ErrOrderNotFound
	}
	return err
}
