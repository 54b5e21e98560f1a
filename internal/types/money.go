// README: Money and quantity helpers shared by pricing, contract and order modules.
package types

import "github.com/shopspring/decimal"

// MinAmount is the smallest positive quantity or unit price accepted anywhere in the marketplace.
var MinAmount = decimal.RequireFromString("0.01")

var hundred = decimal.NewFromInt(100)

// Round2 rounds half away from zero to cents.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// LineTotal is qty * unit price, rounded to cents.
func LineTotal(qty, unitPrice decimal.Decimal) decimal.Decimal {
	return Round2(qty.Mul(unitPrice))
}

// Percent returns amount * rate / 100.
func Percent(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Div(hundred)
}

// ParseAmount parses a decimal string and enforces MinAmount.
func ParseAmount(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, d.GreaterThanOrEqual(MinAmount)
}
