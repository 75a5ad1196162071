// Package money is the fixed-point price and cost model of the exchange.
//
// Prices are integer probability-cents in [MinPrice, MaxPrice]. One share pays
// out one currency unit, so a price of p cents costs p/100 per share. All
// currency amounts use shopspring/decimal, never float64.
package money

import (
	"github.com/shopspring/decimal"
)

// Side is one of the two complementary outcomes of a binary market.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Price bounds and the payout scale.
const (
	MinPrice = 1
	MaxPrice = 99
	// Scale is the number of probability-cents in one unit payout.
	Scale = 100
)

// Quantity bounds for a single order.
const (
	MinQuantity = 1
	MaxQuantity = 10000
)

var hundred = decimal.NewFromInt(Scale)

// Complement returns the price of the other side implied by p (100 - p).
func Complement(p int) int {
	return Scale - p
}

// YesPrice expresses an own-side price on the YES axis.
func YesPrice(side Side, price int) int {
	if side == SideNo {
		return Complement(price)
	}
	return price
}

// SidePrice converts a YES-axis price into the given side's own price.
func SidePrice(side Side, yesPrice int) int {
	if side == SideNo {
		return Complement(yesPrice)
	}
	return yesPrice
}

// Cost returns the amount that must be paid (or locked) for qty shares of
// side at the YES-probability yesPrice:
//
//	YES: yesPrice * qty / 100
//	NO:  (100 - yesPrice) * qty / 100
//
// The same function prices the lock at placement and the payment at
// settlement, so Cost(YES, p, q) + Cost(NO, p, q) == q for every p.
func Cost(side Side, yesPrice int, qty int64) decimal.Decimal {
	cents := int64(yesPrice)
	if side == SideNo {
		cents = int64(Complement(yesPrice))
	}
	return decimal.NewFromInt(cents * qty).Div(hundred)
}

// OrderCost is the amount locked for qty shares at an own-side limit price.
func OrderCost(side Side, price int, qty int64) decimal.Decimal {
	return Cost(side, YesPrice(side, price), qty)
}

// Value converts qty shares at an own-side price in cents to currency.
func Value(price decimal.Decimal, qty int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty)).Div(hundred)
}

// Payout is the amount one winning share set of qty pays at resolution.
func Payout(qty int64) decimal.Decimal {
	return decimal.NewFromInt(qty)
}

// Percent returns part/whole*100 rounded to two places, or zero when whole is
// zero. It never divides by zero.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}
