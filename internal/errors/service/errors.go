package service

import "errors"

var (
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrAlreadyExists            = errors.New("user already exists")
	ErrOrderNotFound            = errors.New("order not found")
	ErrTradeNotFound            = errors.New("trade not found")
	ErrInvalidState             = errors.New("invalid state for operation")
	ErrQuantityExceedsAvailable = errors.New("quantity exceeds available")
	ErrAmountOutOfRange         = errors.New("amount out of range")
	ErrSettlementInconsistency  = errors.New("settlement inconsistency")

	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUnsupportedPair    = errors.New("unsupported asset pair")
	ErrSelfTrade          = errors.New("cannot trade against own order")
	ErrInvalidInput       = errors.New("invalid input")
)
