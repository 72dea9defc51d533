// Package ledger keeps per-user balances split into available and locked
// funds. The package-level functions run inside a caller's transaction so
// that the order book and the escrow engine can combine them with their own
// writes. Ledger wraps each of them in a transaction of its own.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	serviceErrors "github.com/xtrntr/p2pexchange/internal/errors/service"
	storageErrors "github.com/xtrntr/p2pexchange/internal/errors/storage"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/storage"
)

// Credit adds amount to the available balance, creating the wallet if needed.
func Credit(ctx context.Context, wallets storage.Wallets, userID int64, asset string, amount decimal.Decimal) error {
	const op = "ledger.Credit"

	if !amount.IsPositive() || !models.FitsMoney(amount) {
		return fmt.Errorf("%s: %w", op, serviceErrors.ErrInvalidAmount)
	}

	wallet, err := wallets.GetWallet(ctx, userID, asset)
	switch {
	case errors.Is(err, storageErrors.ErrNotFound):
		wallet = models.Wallet{UserID: userID, Asset: asset, Available: decimal.Zero, Locked: decimal.Zero}
	case err != nil:
		return fmt.Errorf("%s: %w", op, err)
	}

	wallet.Available = wallet.Available.Add(amount)
	if err := wallets.SaveWallet(ctx, wallet); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Debit removes amount from the available balance.
func Debit(ctx context.Context, wallets storage.Wallets, userID int64, asset string, amount decimal.Decimal) error {
	const op = "ledger.Debit"

	wallet, err := load(ctx, wallets, userID, asset, amount)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if wallet.Available.LessThan(amount) {
		return fmt.Errorf("%s: %s available %s, need %s: %w",
			op, asset, wallet.Available, amount, serviceErrors.ErrInsufficientFunds)
	}

	wallet.Available = wallet.Available.Sub(amount)
	if err := wallets.SaveWallet(ctx, wallet); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Lock moves amount from available to locked.
func Lock(ctx context.Context, wallets storage.Wallets, userID int64, asset string, amount decimal.Decimal) error {
	const op = "ledger.Lock"

	wallet, err := load(ctx, wallets, userID, asset, amount)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if wallet.Available.LessThan(amount) {
		return fmt.Errorf("%s: %s available %s, need %s: %w",
			op, asset, wallet.Available, amount, serviceErrors.ErrInsufficientFunds)
	}

	wallet.Available = wallet.Available.Sub(amount)
	wallet.Locked = wallet.Locked.Add(amount)
	if err := wallets.SaveWallet(ctx, wallet); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Unlock moves amount from locked back to available.
func Unlock(ctx context.Context, wallets storage.Wallets, userID int64, asset string, amount decimal.Decimal) error {
	const op = "ledger.Unlock"

	wallet, err := load(ctx, wallets, userID, asset, amount)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if wallet.Locked.LessThan(amount) {
		return fmt.Errorf("%s: %s locked %s, need %s: %w",
			op, asset, wallet.Locked, amount, serviceErrors.ErrInsufficientFunds)
	}

	wallet.Locked = wallet.Locked.Sub(amount)
	wallet.Available = wallet.Available.Add(amount)
	if err := wallets.SaveWallet(ctx, wallet); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Settle is one leg of a trade settlement: amount leaves the locked balance
// of from and lands in the available balance of to.
func Settle(ctx context.Context, wallets storage.Wallets, from, to int64, asset string, amount decimal.Decimal) error {
	const op = "ledger.Settle"

	source, err := load(ctx, wallets, from, asset, amount)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if source.Locked.LessThan(amount) {
		return fmt.Errorf("%s: user %d %s locked %s, need %s: %w",
			op, from, asset, source.Locked, amount, serviceErrors.ErrInsufficientFunds)
	}

	source.Locked = source.Locked.Sub(amount)
	if err := wallets.SaveWallet(ctx, source); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := Credit(ctx, wallets, to, asset, amount); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// load validates amount and fetches the wallet to be drawn from. A missing
// wallet holds nothing, so it reads as a shortfall.
func load(ctx context.Context, wallets storage.Wallets, userID int64, asset string, amount decimal.Decimal) (models.Wallet, error) {
	if !amount.IsPositive() || !models.FitsMoney(amount) {
		return models.Wallet{}, serviceErrors.ErrInvalidAmount
	}

	wallet, err := wallets.GetWallet(ctx, userID, asset)
	if errors.Is(err, storageErrors.ErrNotFound) {
		return models.Wallet{}, fmt.Errorf("no %s wallet for user %d: %w", asset, userID, serviceErrors.ErrInsufficientFunds)
	}
	if err != nil {
		return models.Wallet{}, err
	}
	return wallet, nil
}
