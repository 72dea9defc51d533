package models

import "fmt"

// Direction is the side of a resting order
type Direction uint8

const (
	DirectionUnspecified Direction = iota
	DirectionBuy
	DirectionSell
)

func (d Direction) String() string {
	switch d {
	case DirectionBuy:
		return "BUY"
	case DirectionSell:
		return "SELL"
	default:
		return "UNSPECIFIED"
	}
}

// ParseDirection converts the storage text of a direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "BUY":
		return DirectionBuy, nil
	case "SELL":
		return DirectionSell, nil
	default:
		return DirectionUnspecified, fmt.Errorf("unknown direction %q", s)
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// OrderStatus is the lifecycle state of an order
type OrderStatus uint8

const (
	OrderStatusUnspecified OrderStatus = iota
	OrderStatusPending
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	default:
		return "UNSPECIFIED"
	}
}

// ParseOrderStatus converts the storage text of an order status.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch s {
	case "PENDING":
		return OrderStatusPending, nil
	case "PARTIALLY_FILLED":
		return OrderStatusPartiallyFilled, nil
	case "FILLED":
		return OrderStatusFilled, nil
	case "CANCELLED":
		return OrderStatusCancelled, nil
	default:
		return OrderStatusUnspecified, fmt.Errorf("unknown order status %q", s)
	}
}

// Live reports whether an order can still be traded against or cancelled.
func (s OrderStatus) Live() bool {
	switch s {
	case OrderStatusPending, OrderStatusPartiallyFilled:
		return true
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusUnspecified:
		return false
	default:
		return false
	}
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseOrderStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// TradeStatus is the lifecycle state of an escrowed trade
type TradeStatus uint8

const (
	TradeStatusUnspecified TradeStatus = iota
	TradeStatusPendingPayment
	TradeStatusPaymentSent
	TradeStatusPaymentConfirmed
	TradeStatusCompleted
	TradeStatusCancelled
)

func (s TradeStatus) String() string {
	switch s {
	case TradeStatusPendingPayment:
		return "PENDING_PAYMENT"
	case TradeStatusPaymentSent:
		return "PAYMENT_SENT"
	case TradeStatusPaymentConfirmed:
		return "PAYMENT_CONFIRMED"
	case TradeStatusCompleted:
		return "COMPLETED"
	case TradeStatusCancelled:
		return "CANCELLED"
	default:
		return "UNSPECIFIED"
	}
}

// ParseTradeStatus converts the storage text of a trade status.
func ParseTradeStatus(s string) (TradeStatus, error) {
	switch s {
	case "PENDING_PAYMENT":
		return TradeStatusPendingPayment, nil
	case "PAYMENT_SENT":
		return TradeStatusPaymentSent, nil
	case "PAYMENT_CONFIRMED":
		return TradeStatusPaymentConfirmed, nil
	case "COMPLETED":
		return TradeStatusCompleted, nil
	case "CANCELLED":
		return TradeStatusCancelled, nil
	default:
		return TradeStatusUnspecified, fmt.Errorf("unknown trade status %q", s)
	}
}

// Open reports whether a trade still holds escrowed funds.
func (s TradeStatus) Open() bool {
	switch s {
	case TradeStatusPendingPayment, TradeStatusPaymentSent:
		return true
	case TradeStatusPaymentConfirmed, TradeStatusCompleted, TradeStatusCancelled, TradeStatusUnspecified:
		return false
	default:
		return false
	}
}

func (s TradeStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TradeStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseTradeStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
