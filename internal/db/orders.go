package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pexchange/internal/models"
)

const orderColumns = `o.id, o.user_id, u.username, o.direction, o.asset, o.fiat,
	o.price::text AS price, o.quantity::text AS quantity,
	o.available_quantity::text AS available_quantity, o.payment_methods,
	o.min_amount::text AS min_amount, o.max_amount::text AS max_amount,
	o.status, o.created_at`

type orderRow struct {
	ID                int64     `db:"id"`
	UserID            int64     `db:"user_id"`
	Username          string    `db:"username"`
	Direction         string    `db:"direction"`
	Asset             string    `db:"asset"`
	Fiat              string    `db:"fiat"`
	Price             string    `db:"price"`
	Quantity          string    `db:"quantity"`
	AvailableQuantity string    `db:"available_quantity"`
	PaymentMethods    []string  `db:"payment_methods"`
	MinAmount         string    `db:"min_amount"`
	MaxAmount         string    `db:"max_amount"`
	Status            string    `db:"status"`
	CreatedAt         time.Time `db:"created_at"`
}

func (r orderRow) toModel() (models.Order, error) {
	direction, err := models.ParseDirection(r.Direction)
	if err != nil {
		return models.Order{}, err
	}
	status, err := models.ParseOrderStatus(r.Status)
	if err != nil {
		return models.Order{}, err
	}

	order := models.Order{
		ID:             r.ID,
		UserID:         r.UserID,
		Username:       r.Username,
		Direction:      direction,
		Asset:          r.Asset,
		Fiat:           r.Fiat,
		PaymentMethods: r.PaymentMethods,
		Status:         status,
		CreatedAt:      r.CreatedAt,
	}
	if order.PaymentMethods == nil {
		order.PaymentMethods = []string{}
	}

	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{r.Price, &order.Price},
		{r.Quantity, &order.Quantity},
		{r.AvailableQuantity, &order.AvailableQuantity},
		{r.MinAmount, &order.MinAmount},
		{r.MaxAmount, &order.MaxAmount},
	}
	for _, f := range fields {
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return models.Order{}, fmt.Errorf("parse order %d: %w", r.ID, err)
		}
	}
	return order, nil
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	dtos, err := pgx.CollectRows(rows, pgx.RowToStructByName[orderRow])
	if err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(dtos))
	for _, dto := range dtos {
		order, err := dto.toModel()
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// CreateOrder inserts a new order
func (t *Tx) CreateOrder(ctx context.Context, order models.Order) (models.Order, error) {
	const op = "db.CreateOrder"

	paymentMethods := order.PaymentMethods
	if paymentMethods == nil {
		paymentMethods = []string{}
	}

	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, direction, asset, fiat, price, quantity, available_quantity,
		                     payment_methods, min_amount, max_amount, status)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9::numeric, $10::numeric, $11)
		 RETURNING id`,
		order.UserID, order.Direction.String(), order.Asset, order.Fiat,
		order.Price.String(), order.Quantity.String(), order.AvailableQuantity.String(),
		paymentMethods, order.MinAmount.String(), order.MaxAmount.String(), order.Status.String(),
	).Scan(&id)
	if err != nil {
		return models.Order{}, mapError(op, err)
	}

	return t.getOrder(ctx, op, id, false)
}

// GetOrder locks and returns one order
func (t *Tx) GetOrder(ctx context.Context, id int64) (models.Order, error) {
	return t.getOrder(ctx, "db.GetOrder", id, true)
}

func (t *Tx) getOrder(ctx context.Context, op string, id int64, forUpdate bool) (models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders o JOIN users u ON u.id = o.user_id WHERE o.id = $1"
	if forUpdate {
		query += " FOR UPDATE OF o"
	}

	rows, err := t.tx.Query(ctx, query, id)
	if err != nil {
		return models.Order{}, mapError(op, err)
	}

	dto, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[orderRow])
	if err != nil {
		return models.Order{}, mapError(op, err)
	}

	order, err := dto.toModel()
	if err != nil {
		return models.Order{}, mapError(op, err)
	}
	return order, nil
}

// UpdateOrder persists an order's remaining quantity and status
func (t *Tx) UpdateOrder(ctx context.Context, order models.Order) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE orders SET available_quantity = $1::numeric, status = $2 WHERE id = $3",
		order.AvailableQuantity.String(), order.Status.String(), order.ID)
	if err != nil {
		return mapError("db.UpdateOrder", err)
	}
	if tag.RowsAffected() == 0 {
		return mapError("db.UpdateOrder", pgx.ErrNoRows)
	}
	return nil
}

// ListOrders retrieves one side of a pair's book in price-time priority
func (t *Tx) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	query := "SELECT " + orderColumns + ` FROM orders o JOIN users u ON u.id = o.user_id
		WHERE o.asset = $1 AND o.fiat = $2 AND o.status = $3`
	args := []any{filter.Asset, filter.Fiat, filter.Status.String()}
	if filter.Direction != nil {
		query += " AND o.direction = $4"
		args = append(args, filter.Direction.String())
	}
	query += " ORDER BY o.price ASC, o.created_at ASC, o.id ASC"

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("db.ListOrders", err)
	}

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, mapError("db.ListOrders", err)
	}
	return orders, nil
}

// ListUserOrders retrieves all orders for a user
func (t *Tx) ListUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+orderColumns+" FROM orders o JOIN users u ON u.id = o.user_id WHERE o.user_id = $1 ORDER BY o.id",
		userID)
	if err != nil {
		return nil, mapError("db.ListUserOrders", err)
	}

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, mapError("db.ListUserOrders", err)
	}
	return orders, nil
}
