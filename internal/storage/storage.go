// Package storage defines the transactional contract every engine component
// works through. Implementations live in internal/db (PostgreSQL) and
// internal/storage/memory.
package storage

import (
	"context"

	"github.com/xtrntr/p2pexchange/internal/models"
)

// Store runs fn inside one all-or-nothing transaction. Rows read through the
// Tx getters stay locked until fn returns. An error from fn rolls back every
// effect of the transaction.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	Users
	Wallets
	Orders
	Trades
}

type Users interface {
	CountUsers(ctx context.Context) (int, error)
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	GetUser(ctx context.Context, id int64) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	IncrementCompletedTrades(ctx context.Context, userID int64) error
}

type Wallets interface {
	GetWallet(ctx context.Context, userID int64, asset string) (models.Wallet, error)
	ListWallets(ctx context.Context, userID int64) ([]models.Wallet, error)
	SaveWallet(ctx context.Context, wallet models.Wallet) error
}

type Orders interface {
	CreateOrder(ctx context.Context, order models.Order) (models.Order, error)
	GetOrder(ctx context.Context, id int64) (models.Order, error)
	UpdateOrder(ctx context.Context, order models.Order) error
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error)
	ListUserOrders(ctx context.Context, userID int64) ([]models.Order, error)
}

type Trades interface {
	CreateTrade(ctx context.Context, trade models.Trade) (models.Trade, error)
	GetTrade(ctx context.Context, id int64) (models.Trade, error)
	UpdateTradeStatus(ctx context.Context, id int64, status models.TradeStatus) error
	ListUserTrades(ctx context.Context, userID int64) ([]models.Trade, error)
}
