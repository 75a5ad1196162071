package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCost_Yes(t *testing.T) {
	if got := Cost(SideYes, 60, 100); !got.Equal(d(60)) {
		t.Errorf("expected 60, got %s", got)
	}
}

func TestCost_No(t *testing.T) {
	// NO at YES-probability 60 costs 40 per 100 shares.
	if got := Cost(SideNo, 60, 100); !got.Equal(d(40)) {
		t.Errorf("expected 40, got %s", got)
	}
}

func TestCost_FractionalCents(t *testing.T) {
	if got := Cost(SideYes, 33, 7); !got.Equal(d(2.31)) {
		t.Errorf("expected 2.31, got %s", got)
	}
}

func TestCost_ComplementarySumsToQuantity(t *testing.T) {
	for p := MinPrice; p <= MaxPrice; p++ {
		for _, q := range []int64{1, 3, 77, 10000} {
			sum := Cost(SideYes, p, q).Add(Cost(SideNo, p, q))
			if !sum.Equal(decimal.NewFromInt(q)) {
				t.Fatalf("p=%d q=%d: YES+NO cost = %s, want %d", p, q, sum, q)
			}
		}
	}
}

func TestCost_LinearInQuantity(t *testing.T) {
	// Partial fills must add up to the cost of the whole order.
	whole := Cost(SideNo, 37, 1000)
	parts := Cost(SideNo, 37, 333).Add(Cost(SideNo, 37, 333)).Add(Cost(SideNo, 37, 334))
	if !whole.Equal(parts) {
		t.Errorf("partial costs %s != whole %s", parts, whole)
	}
}

func TestOrderCost_OwnSidePrice(t *testing.T) {
	// A NO order limited at 40 own-side cents locks 40 per 100 shares.
	if got := OrderCost(SideNo, 40, 100); !got.Equal(d(40)) {
		t.Errorf("expected 40, got %s", got)
	}
	if got := OrderCost(SideYes, 40, 100); !got.Equal(d(40)) {
		t.Errorf("expected 40, got %s", got)
	}
}

func TestYesPriceRoundTrip(t *testing.T) {
	for _, side := range []Side{SideYes, SideNo} {
		for p := MinPrice; p <= MaxPrice; p++ {
			if got := SidePrice(side, YesPrice(side, p)); got != p {
				t.Fatalf("%s %d round-tripped to %d", side, p, got)
			}
		}
	}
}

func TestPercent_ZeroWhole(t *testing.T) {
	if got := Percent(d(10), decimal.Zero); !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
}

func TestPercent_Rounds(t *testing.T) {
	if got := Percent(d(140), d(60)); !got.Equal(d(233.33)) {
		t.Errorf("expected 233.33, got %s", got)
	}
}

func TestSide_Opposite(t *testing.T) {
	if SideYes.Opposite() != SideNo || SideNo.Opposite() != SideYes {
		t.Error("opposite sides are wrong")
	}
	if Side("MAYBE").Valid() {
		t.Error("MAYBE should not be a valid side")
	}
}
