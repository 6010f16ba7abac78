package funnel

import "github.com/shopspring/decimal"

// downsellPrice computes the attempt-2 price as a percentage discount off the
// frozen attempt-1 price. It never consults the catalog, so a concurrent
// catalog edit cannot shift a price mid-negotiation.
func downsellPrice(base decimal.Decimal, percent int) decimal.Decimal {
	if percent <= 0 {
		return base
	}
	if percent >= 100 {
		return decimal.Zero
	}
	factor := decimal.NewFromInt(int64(100 - percent)).Div(decimal.NewFromInt(100))
	return base.Mul(factor).Round(2)
}
