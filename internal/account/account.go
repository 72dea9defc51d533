package account

import (
	"context"
	"errors"
	"fmt"
	"net/mail"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	serviceErrors "github.com/xtrntr/p2pexchange/internal/errors/service"
	storageErrors "github.com/xtrntr/p2pexchange/internal/errors/storage"
	"github.com/xtrntr/p2pexchange/internal/ledger"
	"github.com/xtrntr/p2pexchange/internal/logger"
	"github.com/xtrntr/p2pexchange/internal/metrics"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/storage"
)

const (
	maxUsernameLen = 50
	// bcrypt ignores everything past 72 bytes
	maxPasswordLen = 72
)

// dummyHash is compared against when the username is unknown so that both
// failure paths cost one bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("p2pexchange-dummy-password"), bcrypt.DefaultCost)

// Directory handles user registration, authentication and balance lookups
type Directory struct {
	store   storage.Store
	starter map[string]decimal.Decimal
	cost    int
}

// New creates a directory. Every new account is credited with starter.
func New(store storage.Store, starter map[string]decimal.Decimal) *Directory {
	return &Directory{store: store, starter: starter, cost: bcrypt.DefaultCost}
}

// WithCost overrides the bcrypt cost, mostly so tests run fast.
func (d *Directory) WithCost(cost int) *Directory {
	d.cost = cost
	return d
}

// Register creates a new user with hashed password and starter wallets
func (d *Directory) Register(ctx context.Context, username, email, password string) (int64, error) {
	return d.RegisterWithBalances(ctx, username, email, password, d.starter)
}

// RegisterWithBalances creates a user whose wallets hold balances instead of
// the starter policy.
func (d *Directory) RegisterWithBalances(ctx context.Context, username, email, password string, balances map[string]decimal.Decimal) (int64, error) {
	const op = "Directory.Register"

	if err := validate(username, email, password); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var userID int64
	err = d.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		user, err := tx.CreateUser(ctx, models.User{
			Username:     username,
			Email:        email,
			PasswordHash: string(hashedPassword),
			Reputation:   100,
		})
		if errors.Is(err, storageErrors.ErrAlreadyExists) {
			return serviceErrors.ErrAlreadyExists
		}
		if err != nil {
			return err
		}
		userID = user.ID

		for _, asset := range models.AllCurrencies() {
			amount, found := balances[asset]
			if !found || amount.IsZero() {
				if err := tx.SaveWallet(ctx, models.Wallet{UserID: userID, Asset: asset}); err != nil {
					return err
				}
				continue
			}
			if err := ledger.Credit(ctx, tx, userID, asset, amount); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	metrics.UsersRegistered.Inc()
	logger.Info(ctx, "user registered", zap.Int64("user_id", userID), zap.String("username", username))

	return userID, nil
}

func validate(username, email, password string) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty: %w", serviceErrors.ErrInvalidInput)
	}
	if len(username) > maxUsernameLen {
		return fmt.Errorf("username too long (max %d characters): %w", maxUsernameLen, serviceErrors.ErrInvalidInput)
	}
	if password == "" {
		return fmt.Errorf("password cannot be empty: %w", serviceErrors.ErrInvalidInput)
	}
	if len(password) > maxPasswordLen {
		return fmt.Errorf("password too long (max %d bytes): %w", maxPasswordLen, serviceErrors.ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("email %q: %w", email, serviceErrors.ErrInvalidInput)
	}
	return nil
}

// Authenticate verifies credentials. Unknown users and wrong passwords are
// indistinguishable to the caller.
func (d *Directory) Authenticate(ctx context.Context, username, password string) (models.User, error) {
	const op = "Directory.Authenticate"

	var user models.User
	err := d.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		user, err = tx.GetUserByUsername(ctx, username)
		return err
	})
	if errors.Is(err, storageErrors.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return models.User{}, fmt.Errorf("%s: %w", op, serviceErrors.ErrInvalidCredentials)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, serviceErrors.ErrInvalidCredentials)
	}
	return user, nil
}

// User returns a user by id
func (d *Directory) User(ctx context.Context, userID int64) (models.User, error) {
	const op = "Directory.User"

	var user models.User
	err := d.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		user, err = tx.GetUser(ctx, userID)
		return err
	})
	if errors.Is(err, storageErrors.ErrNotFound) {
		return models.User{}, fmt.Errorf("%s: %w", op, serviceErrors.ErrUserNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

// Balance reports every wallet of a user keyed by asset
func (d *Directory) Balance(ctx context.Context, userID int64) (map[string]models.Balance, error) {
	const op = "Directory.Balance"

	if _, err := d.User(ctx, userID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	balances, err := ledger.New(d.store).Balances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return balances, nil
}
