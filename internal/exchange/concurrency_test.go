package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/binary-exchange/internal/model"
	"github.com/atmx/binary-exchange/internal/money"
)

func TestConcurrentOrders_NoOverdraft(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	fund(t, e, "alice", 10)

	const attempts = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each order locks exactly 1.00.
			_, err := e.PlaceOrder(context.Background(), req("alice", money.SideYes, 10, 10))
			switch {
			case err == nil:
				mu.Lock()
				accepted++
				mu.Unlock()
			case !errors.Is(err, ErrInsufficientBalance):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 10 {
		t.Errorf("expected exactly 10 accepted orders, got %d", accepted)
	}
	expectBalance(t, e, "alice", 0, 10)
}

func TestConcurrentTrading_ConservesMoney(t *testing.T) {
	e, ms := newEngine(t, testConfig())
	ctx := context.Background()

	users := []string{"u0", "u1", "u2", "u3", "u4"}
	for _, u := range users {
		fund(t, e, u, 1000)
	}
	deposited := decimal.NewFromInt(int64(1000 * len(users)))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 40; i++ {
				user := users[rng.Intn(len(users))]
				if rng.Intn(5) == 0 {
					open, err := e.UserOrders(ctx, user, true)
					if err != nil || len(open) == 0 {
						continue
					}
					target := open[rng.Intn(len(open))]
					if _, err := e.CancelOrder(ctx, target.ID, user); err != nil && !errors.Is(err, ErrOrderClosed) {
						t.Errorf("cancel: %v", err)
					}
					continue
				}
				side := money.SideYes
				if rng.Intn(2) == 0 {
					side = money.SideNo
				}
				qty := int64(rng.Intn(50) + 1)
				price := int64(rng.Intn(60) + 20)
				if _, err := e.PlaceOrder(ctx, req(user, side, qty, price)); err != nil && !errors.Is(err, ErrInsufficientBalance) {
					t.Errorf("place: %v", err)
				}
			}
		}(int64(w + 1))
	}
	wg.Wait()

	trades, err := ms.ListTradesByMarket(ctx, market)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}

	filledByOrder := make(map[string]int64)
	for _, tr := range trades {
		filledByOrder[tr.YesOrderID] += tr.Quantity
		filledByOrder[tr.NoOrderID] += tr.Quantity
		if tr.YesUserID == tr.NoUserID {
			t.Errorf("self trade %s under skip policy", tr.ID)
		}
	}

	total := decimal.Zero
	for _, u := range users {
		b := balanceOf(t, e, u)
		if b.Available.IsNegative() || b.Locked.IsNegative() {
			t.Errorf("%s went negative: %+v", u, b)
		}
		total = total.Add(b.Total())

		// Locked funds are exactly what resting orders and filled trades need.
		orders, _ := e.UserOrders(ctx, u, false)
		want := decimal.Zero
		for _, o := range orders {
			if o.FilledQuantity+o.RemainingQuantity != o.Quantity {
				t.Errorf("order %s: %d + %d != %d", o.ID, o.FilledQuantity, o.RemainingQuantity, o.Quantity)
			}
			if o.FilledQuantity != filledByOrder[o.ID] {
				t.Errorf("order %s: filled %d but trades sum to %d", o.ID, o.FilledQuantity, filledByOrder[o.ID])
			}
			if o.Resting() {
				want = want.Add(o.RemainingCost())
			}
		}
		for _, tr := range trades {
			if tr.YesUserID == u {
				want = want.Add(tr.CostFor(money.SideYes))
			}
			if tr.NoUserID == u {
				want = want.Add(tr.CostFor(money.SideNo))
			}
		}
		if !b.Locked.Equal(want) {
			t.Errorf("%s: locked %s, expected %s", u, b.Locked, want)
		}
	}
	if !total.Equal(deposited) {
		t.Errorf("money not conserved before resolution: %s vs %s", total, deposited)
	}

	if _, err := e.ResolveMarket(ctx, market, money.SideNo); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	total = decimal.Zero
	for _, u := range users {
		b := balanceOf(t, e, u)
		if !b.Locked.IsZero() {
			t.Errorf("%s: %s still locked after resolution", u, b.Locked)
		}
		total = total.Add(b.Total())
		open, _ := e.UserOrders(ctx, u, true)
		if len(open) != 0 {
			t.Errorf("%s: %d orders still resting after resolution", u, len(open))
		}
	}
	if !total.Equal(deposited) {
		t.Errorf("money not conserved after resolution: %s vs %s", total, deposited)
	}
}

func TestConcurrentCancel_OnlyOneSucceeds(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	fund(t, e, "alice", 100)
	res := place(t, e, "alice", money.SideYes, 10, 50)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		errs      []error
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.CancelOrder(context.Background(), res.Order.ID, "alice")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("expected one successful cancel, got %d", succeeded)
	}
	for _, err := range errs {
		if !errors.Is(err, ErrOrderClosed) {
			t.Errorf("expected ErrOrderClosed, got %v", err)
		}
	}
	expectBalance(t, e, "alice", 100, 0)
}

func TestConcurrentTakers_NoOversell(t *testing.T) {
	e, ms := newEngine(t, testConfig())
	fund(t, e, "maker", 100)
	maker := place(t, e, "maker", money.SideNo, 50, 40)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		user := fmt.Sprintf("taker%d", i)
		fund(t, e, user, 100)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.PlaceOrder(context.Background(), req(user, money.SideYes, 10, 60)); err != nil {
				t.Errorf("%s: %v", user, err)
			}
		}()
	}
	wg.Wait()

	o, _ := e.Order(context.Background(), maker.Order.ID)
	if o.FilledQuantity != 50 || o.Status != model.OrderFilled {
		t.Errorf("maker should be exactly filled, got %d %s", o.FilledQuantity, o.Status)
	}
	trades, _ := ms.ListTradesByMarket(context.Background(), market)
	var sum int64
	for _, tr := range trades {
		sum += tr.Quantity
	}
	if sum != 50 {
		t.Errorf("trades sum to %d shares, maker only offered 50", sum)
	}
}
