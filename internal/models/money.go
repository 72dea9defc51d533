package models

import "github.com/shopspring/decimal"

// MoneyScale is the number of fractional digits stored for every amount,
// price and quantity.
const MoneyScale = 18

// moneyLimit bounds the integer part of a NUMERIC(38, 18) column.
var moneyLimit = decimal.New(1, 38-MoneyScale)

// FitsMoney reports whether d is stored exactly, without rounding or overflow.
func FitsMoney(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyScale)) && d.Abs().LessThan(moneyLimit)
}
