// Package validation performs the stateless checks on a proposed order that
// run before any funds are touched.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/binary-exchange/internal/money"
)

// ErrInvalidOrder is wrapped by every rejection returned from ValidateOrder.
var ErrInvalidOrder = errors.New("validation: invalid order")

// Rejection reasons.
const (
	ReasonMissingMarket = "market_id is required"
	ReasonMissingUser   = "user_id is required"
	ReasonInvalidSide   = "side must be YES or NO"
	ReasonQuantity      = "quantity must be an integer between 1 and 10000"
	ReasonPrice         = "price must be an integer between 1 and 99"
)

// Error is a rejected order with the specific reason.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidOrder, e.Reason)
}

func (e *Error) Unwrap() error {
	return ErrInvalidOrder
}

// Candidate is an order as submitted by a caller. Quantity and Price arrive
// as decimals so that fractional input can be rejected rather than truncated.
type Candidate struct {
	MarketID string
	UserID   string
	Side     string
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// Checked is a candidate that passed validation, in normalised form.
type Checked struct {
	MarketID string
	UserID   string
	Side     money.Side
	Quantity int64
	Price    int
}

var (
	minQty   = decimal.NewFromInt(money.MinQuantity)
	maxQty   = decimal.NewFromInt(money.MaxQuantity)
	minPrice = decimal.NewFromInt(money.MinPrice)
	maxPrice = decimal.NewFromInt(money.MaxPrice)
)

// ValidateOrder returns the normalised order or a *Error describing the
// first failed rule. It performs no I/O.
func ValidateOrder(c Candidate) (Checked, error) {
	if strings.TrimSpace(c.MarketID) == "" {
		return Checked{}, &Error{Field: "market_id", Reason: ReasonMissingMarket}
	}
	if strings.TrimSpace(c.UserID) == "" {
		return Checked{}, &Error{Field: "user_id", Reason: ReasonMissingUser}
	}
	side := money.Side(strings.ToUpper(strings.TrimSpace(c.Side)))
	if !side.Valid() {
		return Checked{}, &Error{Field: "side", Reason: ReasonInvalidSide}
	}
	if !inIntRange(c.Quantity, minQty, maxQty) {
		return Checked{}, &Error{Field: "quantity", Reason: ReasonQuantity}
	}
	if !inIntRange(c.Price, minPrice, maxPrice) {
		return Checked{}, &Error{Field: "price", Reason: ReasonPrice}
	}

	return Checked{
		MarketID: c.MarketID,
		UserID:   c.UserID,
		Side:     side,
		Quantity: c.Quantity.IntPart(),
		Price:    int(c.Price.IntPart()),
	}, nil
}

func inIntRange(v, lo, hi decimal.Decimal) bool {
	return v.IsInteger() && v.GreaterThanOrEqual(lo) && v.LessThanOrEqual(hi)
}
