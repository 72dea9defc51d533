package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	storageErrors "github.com/xtrntr/p2pexchange/internal/errors/storage"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/storage"
)

type walletKey struct {
	userID int64
	asset  string
}

type state struct {
	users   map[int64]models.User
	wallets map[walletKey]models.Wallet
	orders  map[int64]models.Order
	trades  map[int64]models.Trade

	nextUserID  int64
	nextOrderID int64
	nextTradeID int64
}

func newState() *state {
	return &state{
		users:   make(map[int64]models.User),
		wallets: make(map[walletKey]models.Wallet),
		orders:  make(map[int64]models.Order),
		trades:  make(map[int64]models.Trade),
	}
}

func (s *state) clone() *state {
	c := &state{
		users:       make(map[int64]models.User, len(s.users)),
		wallets:     make(map[walletKey]models.Wallet, len(s.wallets)),
		orders:      make(map[int64]models.Order, len(s.orders)),
		trades:      make(map[int64]models.Trade, len(s.trades)),
		nextUserID:  s.nextUserID,
		nextOrderID: s.nextOrderID,
		nextTradeID: s.nextTradeID,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.orders {
		v.PaymentMethods = append([]string(nil), v.PaymentMethods...)
		c.orders[k] = v
	}
	for k, v := range s.trades {
		c.trades[k] = v
	}
	return c
}

// Store is an in-process storage.Store. Transactions are fully serialised and
// run against a copy of the state that replaces the live state on success.
type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

func NewStore() *Store {
	return &Store{
		state: newState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	const op = "memory.Store.InTx"

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &tx{state: work, now: s.now}); err != nil {
		return err
	}

	s.state = work
	return nil
}

type tx struct {
	state *state
	now   func() time.Time
}

func (t *tx) CountUsers(_ context.Context) (int, error) {
	return len(t.state.users), nil
}

func (t *tx) CreateUser(_ context.Context, user models.User) (models.User, error) {
	const op = "memory.CreateUser"

	for _, existing := range t.state.users {
		if existing.Username == user.Username || existing.Email == user.Email {
			return models.User{}, fmt.Errorf("%s: %w", op, storageErrors.ErrAlreadyExists)
		}
	}

	t.state.nextUserID++
	user.ID = t.state.nextUserID
	if user.CreatedAt.IsZero() {
		user.CreatedAt = t.now()
	}
	t.state.users[user.ID] = user

	return user, nil
}

func (t *tx) GetUser(_ context.Context, id int64) (models.User, error) {
	user, found := t.state.users[id]
	if !found {
		return models.User{}, fmt.Errorf("memory.GetUser: %w", storageErrors.ErrNotFound)
	}
	return user, nil
}

func (t *tx) GetUserByUsername(_ context.Context, username string) (models.User, error) {
	for _, user := range t.state.users {
		if user.Username == username {
			return user, nil
		}
	}
	return models.User{}, fmt.Errorf("memory.GetUserByUsername: %w", storageErrors.ErrNotFound)
}

func (t *tx) IncrementCompletedTrades(_ context.Context, userID int64) error {
	user, found := t.state.users[userID]
	if !found {
		return fmt.Errorf("memory.IncrementCompletedTrades: %w", storageErrors.ErrNotFound)
	}
	user.CompletedTrades++
	t.state.users[userID] = user
	return nil
}

func (t *tx) GetWallet(_ context.Context, userID int64, asset string) (models.Wallet, error) {
	wallet, found := t.state.wallets[walletKey{userID: userID, asset: asset}]
	if !found {
		return models.Wallet{}, fmt.Errorf("memory.GetWallet: %w", storageErrors.ErrNotFound)
	}
	return wallet, nil
}

func (t *tx) ListWallets(_ context.Context, userID int64) ([]models.Wallet, error) {
	var wallets []models.Wallet
	for key, wallet := range t.state.wallets {
		if key.userID == userID {
			wallets = append(wallets, wallet)
		}
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].Asset < wallets[j].Asset })
	return wallets, nil
}

func (t *tx) SaveWallet(_ context.Context, wallet models.Wallet) error {
	if _, found := t.state.users[wallet.UserID]; !found {
		return fmt.Errorf("memory.SaveWallet: user %d: %w", wallet.UserID, storageErrors.ErrNotFound)
	}
	wallet.UpdatedAt = t.now()
	t.state.wallets[walletKey{userID: wallet.UserID, asset: wallet.Asset}] = wallet
	return nil
}

func (t *tx) CreateOrder(_ context.Context, order models.Order) (models.Order, error) {
	user, found := t.state.users[order.UserID]
	if !found {
		return models.Order{}, fmt.Errorf("memory.CreateOrder: user %d: %w", order.UserID, storageErrors.ErrNotFound)
	}

	t.state.nextOrderID++
	order.ID = t.state.nextOrderID
	order.Username = user.Username
	order.PaymentMethods = append([]string(nil), order.PaymentMethods...)
	if order.CreatedAt.IsZero() {
		order.CreatedAt = t.now()
	}
	t.state.orders[order.ID] = order

	return order, nil
}

func (t *tx) GetOrder(_ context.Context, id int64) (models.Order, error) {
	order, found := t.state.orders[id]
	if !found {
		return models.Order{}, fmt.Errorf("memory.GetOrder: %w", storageErrors.ErrNotFound)
	}
	order.PaymentMethods = append([]string(nil), order.PaymentMethods...)
	return order, nil
}

func (t *tx) UpdateOrder(_ context.Context, order models.Order) error {
	existing, found := t.state.orders[order.ID]
	if !found {
		return fmt.Errorf("memory.UpdateOrder: %w", storageErrors.ErrNotFound)
	}
	existing.AvailableQuantity = order.AvailableQuantity
	existing.Status = order.Status
	t.state.orders[order.ID] = existing
	return nil
}

func (t *tx) ListOrders(_ context.Context, filter models.OrderFilter) ([]models.Order, error) {
	orders := []models.Order{}
	for _, order := range t.state.orders {
		if filter.Matches(order) {
			order.PaymentMethods = append([]string(nil), order.PaymentMethods...)
			orders = append(orders, order)
		}
	}
	models.SortBook(orders)
	return orders, nil
}

func (t *tx) ListUserOrders(_ context.Context, userID int64) ([]models.Order, error) {
	orders := []models.Order{}
	for _, order := range t.state.orders {
		if order.UserID == userID {
			order.PaymentMethods = append([]string(nil), order.PaymentMethods...)
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

func (t *tx) CreateTrade(_ context.Context, trade models.Trade) (models.Trade, error) {
	if _, found := t.state.orders[trade.OrderID]; !found {
		return models.Trade{}, fmt.Errorf("memory.CreateTrade: order %d: %w", trade.OrderID, storageErrors.ErrNotFound)
	}

	t.state.nextTradeID++
	trade.ID = t.state.nextTradeID
	now := t.now()
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = now
	}
	trade.UpdatedAt = now
	t.state.trades[trade.ID] = trade

	return trade, nil
}

func (t *tx) GetTrade(_ context.Context, id int64) (models.Trade, error) {
	trade, found := t.state.trades[id]
	if !found {
		return models.Trade{}, fmt.Errorf("memory.GetTrade: %w", storageErrors.ErrNotFound)
	}
	return trade, nil
}

func (t *tx) UpdateTradeStatus(_ context.Context, id int64, status models.TradeStatus) error {
	trade, found := t.state.trades[id]
	if !found {
		return fmt.Errorf("memory.UpdateTradeStatus: %w", storageErrors.ErrNotFound)
	}
	trade.Status = status
	trade.UpdatedAt = t.now()
	t.state.trades[id] = trade
	return nil
}

func (t *tx) ListUserTrades(_ context.Context, userID int64) ([]models.Trade, error) {
	trades := []models.Trade{}
	for _, trade := range t.state.trades {
		if trade.IsParty(userID) {
			trades = append(trades, trade)
		}
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID < trades[j].ID })
	return trades, nil
}
