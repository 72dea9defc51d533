package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pexchange/internal/models"
)

const tradeColumns = `id, order_id, buyer_id, seller_id, asset, fiat,
	price::text, quantity::text, amount::text, status,
	payment_reference::text, payment_deadline, created_at, updated_at`

func scanTrade(row pgx.Row) (models.Trade, error) {
	var (
		trade                   models.Trade
		price, quantity, amount string
		status, reference       string
		deadline                *time.Time
	)
	err := row.Scan(&trade.ID, &trade.OrderID, &trade.BuyerID, &trade.SellerID,
		&trade.Asset, &trade.Fiat, &price, &quantity, &amount, &status,
		&reference, &deadline, &trade.CreatedAt, &trade.UpdatedAt)
	if err != nil {
		return models.Trade{}, err
	}

	if trade.Price, err = decimal.NewFromString(price); err != nil {
		return models.Trade{}, fmt.Errorf("parse trade %d price: %w", trade.ID, err)
	}
	if trade.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return models.Trade{}, fmt.Errorf("parse trade %d quantity: %w", trade.ID, err)
	}
	if trade.Amount, err = decimal.NewFromString(amount); err != nil {
		return models.Trade{}, fmt.Errorf("parse trade %d amount: %w", trade.ID, err)
	}
	if trade.Status, err = models.ParseTradeStatus(status); err != nil {
		return models.Trade{}, err
	}
	if trade.PaymentReference, err = uuid.Parse(reference); err != nil {
		return models.Trade{}, fmt.Errorf("parse trade %d reference: %w", trade.ID, err)
	}
	trade.PaymentDeadline = deadline

	return trade, nil
}

// CreateTrade inserts a new trade
func (t *Tx) CreateTrade(ctx context.Context, trade models.Trade) (models.Trade, error) {
	created, err := scanTrade(t.tx.QueryRow(ctx,
		`INSERT INTO trades (order_id, buyer_id, seller_id, asset, fiat, price, quantity, amount,
		                     status, payment_reference, payment_deadline)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10::uuid, $11)
		 RETURNING `+tradeColumns,
		trade.OrderID, trade.BuyerID, trade.SellerID, trade.Asset, trade.Fiat,
		trade.Price.String(), trade.Quantity.String(), trade.Amount.String(),
		trade.Status.String(), trade.PaymentReference.String(), trade.PaymentDeadline,
	))
	if err != nil {
		return models.Trade{}, mapError("db.CreateTrade", err)
	}
	return created, nil
}

// GetTrade locks and returns one trade
func (t *Tx) GetTrade(ctx context.Context, id int64) (models.Trade, error) {
	trade, err := scanTrade(t.tx.QueryRow(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return models.Trade{}, mapError("db.GetTrade", err)
	}
	return trade, nil
}

// UpdateTradeStatus moves a trade to a new status
func (t *Tx) UpdateTradeStatus(ctx context.Context, id int64, status models.TradeStatus) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE trades SET status = $1, updated_at = NOW() WHERE id = $2",
		status.String(), id)
	if err != nil {
		return mapError("db.UpdateTradeStatus", err)
	}
	if tag.RowsAffected() == 0 {
		return mapError("db.UpdateTradeStatus", pgx.ErrNoRows)
	}
	return nil
}

// ListUserTrades retrieves every trade a user is a party to
func (t *Tx) ListUserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY id",
		userID)
	if err != nil {
		return nil, mapError("db.ListUserTrades", err)
	}
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, mapError("db.ListUserTrades", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("db.ListUserTrades", err)
	}
	return trades, nil
}
