package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/storage"
)

// Ledger runs each balance operation in its own transaction.
type Ledger struct {
	store storage.Store
}

// New creates a ledger over store.
func New(store storage.Store) *Ledger {
	return &Ledger{store: store}
}

// Credit adds amount to a user's available balance.
func (l *Ledger) Credit(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return Credit(ctx, tx, userID, asset, amount)
	})
}

// Debit withdraws amount from a user's available balance.
func (l *Ledger) Debit(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return Debit(ctx, tx, userID, asset, amount)
	})
}

// Lock reserves amount of a user's available balance.
func (l *Ledger) Lock(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return Lock(ctx, tx, userID, asset, amount)
	})
}

// Unlock returns reserved funds to the available balance.
func (l *Ledger) Unlock(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return Unlock(ctx, tx, userID, asset, amount)
	})
}

// Balance reports one wallet. A user without a wallet in asset holds zero.
func (l *Ledger) Balance(ctx context.Context, userID int64, asset string) (models.Balance, error) {
	const op = "Ledger.Balance"

	var balance models.Balance
	err := l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		wallets, err := tx.ListWallets(ctx, userID)
		if err != nil {
			return err
		}
		balance = models.Wallet{Available: decimal.Zero, Locked: decimal.Zero}.Balance()
		for _, w := range wallets {
			if w.Asset == asset {
				balance = w.Balance()
			}
		}
		return nil
	})
	if err != nil {
		return models.Balance{}, fmt.Errorf("%s: %w", op, err)
	}
	return balance, nil
}

// Balances reports every wallet a user holds, keyed by asset.
func (l *Ledger) Balances(ctx context.Context, userID int64) (map[string]models.Balance, error) {
	const op = "Ledger.Balances"

	out := make(map[string]models.Balance)
	err := l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		wallets, err := tx.ListWallets(ctx, userID)
		if err != nil {
			return err
		}
		for _, w := range wallets {
			out[w.Asset] = w.Balance()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
