package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Supported trading assets and settlement fiats.
var (
	Assets = []string{"USDT", "BTC", "ETH"}
	Fiats  = []string{"USD", "EUR"}
)

// IsSupportedPair reports whether asset/fiat is a tradeable pair.
func IsSupportedPair(asset, fiat string) bool {
	return contains(Assets, asset) && contains(Fiats, fiat)
}

// AllCurrencies returns every code a wallet can be held in.
func AllCurrencies() []string {
	out := make([]string, 0, len(Assets)+len(Fiats))
	out = append(out, Assets...)
	return append(out, Fiats...)
}

func contains(list []string, code string) bool {
	for _, c := range list {
		if c == code {
			return true
		}
	}
	return false
}

// User represents a registered user
type User struct {
	ID              int64
	Username        string
	Email           string
	PasswordHash    string
	Reputation      int
	CompletedTrades int
	CreatedAt       time.Time
}

// Wallet holds one user's funds in one asset
type Wallet struct {
	UserID    int64
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

// Balance is the externally reported view of a wallet
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Total     decimal.Decimal `json:"total"`
}

// Balance returns the reported view of w.
func (w Wallet) Balance() Balance {
	return Balance{
		Available: w.Available,
		Locked:    w.Locked,
		Total:     w.Available.Add(w.Locked),
	}
}

// Order represents a resting buy or sell offer
type Order struct {
	ID                int64           `json:"id"`
	UserID            int64           `json:"user_id"`
	Username          string          `json:"username"`
	Direction         Direction       `json:"direction"`
	Asset             string          `json:"asset"`
	Fiat              string          `json:"fiat"`
	Price             decimal.Decimal `json:"price"`
	Quantity          decimal.Decimal `json:"quantity"`
	AvailableQuantity decimal.Decimal `json:"available_quantity"`
	PaymentMethods    []string        `json:"payment_methods"`
	MinAmount         decimal.Decimal `json:"min_amount"`
	MaxAmount         decimal.Decimal `json:"max_amount"`
	Status            OrderStatus     `json:"status"`
	CreatedAt         time.Time       `json:"created_at"` // Used for time priority
}

// Reservation returns the currency and amount an order keeps locked for
// quantity units of its remaining size.
func (o Order) Reservation(quantity decimal.Decimal) (string, decimal.Decimal) {
	if o.Direction == DirectionSell {
		return o.Asset, quantity
	}
	return o.Fiat, o.Price.Mul(quantity)
}

// OrderFilter selects resting orders for a book listing
type OrderFilter struct {
	Asset     string
	Fiat      string
	Direction *Direction
	Status    OrderStatus
}

// Trade represents a buyer's match against a resting order
type Trade struct {
	ID               int64           `json:"id"`
	OrderID          int64           `json:"order_id"`
	BuyerID          int64           `json:"buyer_id"`
	SellerID         int64           `json:"seller_id"`
	Asset            string          `json:"asset"`
	Fiat             string          `json:"fiat"`
	Price            decimal.Decimal `json:"price"`
	Quantity         decimal.Decimal `json:"quantity"`
	Amount           decimal.Decimal `json:"amount"`
	Status           TradeStatus     `json:"status"`
	PaymentReference uuid.UUID       `json:"payment_reference"`
	PaymentDeadline  *time.Time      `json:"payment_deadline,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsParty reports whether userID is the buyer or the seller of t.
func (t Trade) IsParty(userID int64) bool {
	return t.BuyerID == userID || t.SellerID == userID
}
