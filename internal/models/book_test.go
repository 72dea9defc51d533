package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSortBook(t *testing.T) {
	now := time.Now()
	orders := []Order{
		{ID: 1, Price: decimal.RequireFromString("51000"), CreatedAt: now},
		{ID: 2, Price: decimal.RequireFromString("50000"), CreatedAt: now.Add(time.Second)},
		{ID: 3, Price: decimal.RequireFromString("50000"), CreatedAt: now.Add(-time.Second)},
		{ID: 5, Price: decimal.RequireFromString("50000.00"), CreatedAt: now.Add(time.Second)},
		{ID: 4, Price: decimal.RequireFromString("49999.99"), CreatedAt: now.Add(time.Hour)},
	}

	SortBook(orders)

	var ids []int64
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []int64{4, 3, 2, 5, 1}, ids)
}

func TestOrderFilter_Matches(t *testing.T) {
	sellSide := DirectionSell
	order := Order{Direction: DirectionBuy, Asset: "BTC", Fiat: "EUR", Status: OrderStatusPending}

	tests := []struct {
		name     string
		filter   OrderFilter
		expected bool
	}{
		{"BothSides", OrderFilter{Asset: "BTC", Fiat: "EUR", Status: OrderStatusPending}, true},
		{"OtherSide", OrderFilter{Asset: "BTC", Fiat: "EUR", Status: OrderStatusPending, Direction: &sellSide}, false},
		{"OtherFiat", OrderFilter{Asset: "BTC", Fiat: "USD", Status: OrderStatusPending}, false},
		{"OtherStatus", OrderFilter{Asset: "BTC", Fiat: "EUR", Status: OrderStatusFilled}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.filter.Matches(order))
		})
	}
}

func TestOrder_Reservation(t *testing.T) {
	order := Order{
		Direction: DirectionSell,
		Asset:     "ETH",
		Fiat:      "USD",
		Price:     decimal.RequireFromString("2800"),
	}

	currency, amount := order.Reservation(decimal.RequireFromString("0.5"))
	assert.Equal(t, "ETH", currency)
	assert.Equal(t, "0.5", amount.String())

	order.Direction = DirectionBuy
	currency, amount = order.Reservation(decimal.RequireFromString("0.5"))
	assert.Equal(t, "USD", currency)
	assert.Equal(t, "1400", amount.String())
}

func TestStatusText(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusPending, OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled} {
		parsed, err := ParseOrderStatus(s.String())
		assert.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	for _, s := range []TradeStatus{TradeStatusPendingPayment, TradeStatusPaymentSent, TradeStatusPaymentConfirmed, TradeStatusCompleted, TradeStatusCancelled} {
		parsed, err := ParseTradeStatus(s.String())
		assert.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseDirection("sideways")
	assert.Error(t, err)
	_, err = ParseOrderStatus("open")
	assert.Error(t, err)

	assert.True(t, OrderStatusPartiallyFilled.Live())
	assert.False(t, OrderStatusFilled.Live())
	assert.True(t, TradeStatusPaymentSent.Open())
	assert.False(t, TradeStatusCompleted.Open())
}

func TestFitsMoney(t *testing.T) {
	tests := []struct {
		value    string
		expected bool
	}{
		{"0.000000000000000001", true},
		{"0.0000000000000000001", false},
		{"1.9999999999999999995", false},
		{"2.5000000000000000000000", true},
		{"99999999999999999999.999999999999999999", true},
		{"100000000000000000000", false},
		{"-100000000000000000000", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.expected, FitsMoney(decimal.RequireFromString(tt.value)))
		})
	}
}
