package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pexchange/internal/models"
)

const userColumns = "id, username, email, password_hash, reputation, completed_trades, created_at"

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.Reputation, &user.CompletedTrades, &user.CreatedAt)
	return user, err
}

// CountUsers returns the number of registered users
func (t *Tx) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := t.tx.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return 0, mapError("db.CountUsers", err)
	}
	return count, nil
}

// CreateUser inserts a new user
func (t *Tx) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	created, err := scanUser(t.tx.QueryRow(ctx,
		"INSERT INTO users (username, email, password_hash) VALUES ($1, $2, $3) RETURNING "+userColumns,
		user.Username, user.Email, user.PasswordHash))
	if err != nil {
		return models.User{}, mapError("db.CreateUser", err)
	}
	return created, nil
}

// GetUser retrieves a user by id
func (t *Tx) GetUser(ctx context.Context, id int64) (models.User, error) {
	user, err := scanUser(t.tx.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		return models.User{}, mapError("db.GetUser", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (t *Tx) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	user, err := scanUser(t.tx.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = $1", username))
	if err != nil {
		return models.User{}, mapError("db.GetUserByUsername", err)
	}
	return user, nil
}

// IncrementCompletedTrades bumps a user's settled trade counter
func (t *Tx) IncrementCompletedTrades(ctx context.Context, userID int64) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE users SET completed_trades = completed_trades + 1 WHERE id = $1", userID)
	if err != nil {
		return mapError("db.IncrementCompletedTrades", err)
	}
	if tag.RowsAffected() == 0 {
		return mapError("db.IncrementCompletedTrades", pgx.ErrNoRows)
	}
	return nil
}

// GetWallet locks and returns one wallet row
func (t *Tx) GetWallet(ctx context.Context, userID int64, asset string) (models.Wallet, error) {
	wallet, err := scanWallet(t.tx.QueryRow(ctx,
		`SELECT user_id, asset, available::text, locked::text, updated_at
		 FROM wallets
		 WHERE user_id = $1 AND asset = $2
		 FOR UPDATE`,
		userID, asset))
	if err != nil {
		return models.Wallet{}, mapError("db.GetWallet", err)
	}
	return wallet, nil
}

// ListWallets retrieves all wallets of a user
func (t *Tx) ListWallets(ctx context.Context, userID int64) ([]models.Wallet, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT user_id, asset, available::text, locked::text, updated_at
		 FROM wallets
		 WHERE user_id = $1
		 ORDER BY asset`,
		userID)
	if err != nil {
		return nil, mapError("db.ListWallets", err)
	}
	defer rows.Close()

	var wallets []models.Wallet
	for rows.Next() {
		wallet, err := scanWallet(rows)
		if err != nil {
			return nil, mapError("db.ListWallets", err)
		}
		wallets = append(wallets, wallet)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("db.ListWallets", err)
	}
	return wallets, nil
}

// SaveWallet inserts or overwrites a wallet row
func (t *Tx) SaveWallet(ctx context.Context, wallet models.Wallet) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO wallets (user_id, asset, available, locked, updated_at)
		 VALUES ($1, $2, $3::numeric, $4::numeric, NOW())
		 ON CONFLICT (user_id, asset)
		 DO UPDATE SET available = EXCLUDED.available, locked = EXCLUDED.locked, updated_at = NOW()`,
		wallet.UserID, wallet.Asset, wallet.Available.String(), wallet.Locked.String())
	if err != nil {
		return mapError("db.SaveWallet", err)
	}
	return nil
}

func scanWallet(row pgx.Row) (models.Wallet, error) {
	var (
		wallet            models.Wallet
		available, locked string
	)
	if err := row.Scan(&wallet.UserID, &wallet.Asset, &available, &locked, &wallet.UpdatedAt); err != nil {
		return models.Wallet{}, err
	}

	var err error
	if wallet.Available, err = decimal.NewFromString(available); err != nil {
		return models.Wallet{}, fmt.Errorf("parse available balance: %w", err)
	}
	if wallet.Locked, err = decimal.NewFromString(locked); err != nil {
		return models.Wallet{}, fmt.Errorf("parse locked balance: %w", err)
	}
	return wallet, nil
}
