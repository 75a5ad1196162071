package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/atmx/binary-exchange/internal/model"
	"github.com/atmx/binary-exchange/internal/money"
)

func TestMapErr(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{pgx.ErrNoRows, ErrNotFound},
		{&pgconn.PgError{Code: "40001"}, ErrConflict},
		{fmt.Errorf("exec: %w", &pgconn.PgError{Code: "40P01"}), ErrConflict},
		{&pgconn.PgError{Code: "23505", ConstraintName: "markets_pkey"}, ErrAlreadyExists},
	}
	for _, tc := range cases {
		if got := mapErr(tc.in); !errors.Is(got, tc.want) {
			t.Errorf("mapErr(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}

	other := &pgconn.PgError{Code: "23503"}
	if got := mapErr(other); got != error(other) {
		t.Errorf("unmapped codes should pass through, got %v", got)
	}
	if mapErr(nil) != nil {
		t.Error("nil should stay nil")
	}
}

// newPostgres connects to EXCHANGE_TEST_DATABASE_URL and applies the
// migrations, skipping the test when no database is configured.
func newPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("EXCHANGE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("EXCHANGE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, PoolConfig{URL: url, MaxConns: 4})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := RunMigrations(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewPostgresStore(pool)
}

func TestPostgresStore_OrderLifecycle(t *testing.T) {
	s := newPostgres(t)
	ctx := context.Background()

	marketID := "pg-" + uuid.NewString()
	if err := s.CreateMarket(ctx, &model.Market{ID: marketID, Title: "pg", Status: model.MarketActive, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("create market: %v", err)
	}
	if err := s.CreateMarket(ctx, &model.Market{ID: marketID, Title: "dup", Status: model.MarketActive, CreatedAt: time.Now().UTC()}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate market: expected ErrAlreadyExists, got %v", err)
	}

	mk := func(user string, price int, qty int64) *model.Order {
		o := newOrder(uuid.NewString(), user, money.SideNo, price, qty)
		o.MarketID = marketID
		return o
	}
	a, b, c := mk("a", 40, 5), mk("b", 45, 5), mk("c", 40, 5)
	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, o := range []*model.Order{a, b, c} {
			if err := tx.InsertOrder(ctx, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !(a.Seq < b.Seq && b.Seq < c.Seq) {
		t.Errorf("seq should increase: %d %d %d", a.Seq, b.Seq, c.Seq)
	}

	got, err := s.FindMatchCandidates(ctx, CandidateQuery{MarketID: marketID, Side: money.SideNo, MinPrice: 40, MaxQuantity: 7})
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 2 || got[0].ID != b.ID || got[1].ID != a.ID {
		t.Errorf("expected [b a] in priority order, got %d orders", len(got))
	}

	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.ApplyFill(ctx, b.ID, 5)
		if err != nil {
			return err
		}
		if o.Status != model.OrderFilled || o.RemainingQuantity != 0 {
			t.Errorf("after fill: %+v", o)
		}
		if _, err := tx.ApplyFill(ctx, b.ID, 1); !errors.Is(err, ErrOrderClosed) {
			t.Errorf("overfill: expected ErrOrderClosed, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}

	depth, err := s.Depth(ctx, marketID)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if len(depth.No) != 1 || depth.No[0].Price != 40 || depth.No[0].Quantity != 10 || depth.No[0].Orders != 2 {
		t.Errorf("depth = %+v", depth.No)
	}
}

func TestPostgresStore_BalanceVersionConflict(t *testing.T) {
	s := newPostgres(t)
	ctx := context.Background()
	user := "pg-" + uuid.NewString()

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertBalance(ctx, &model.Balance{
			UserID: user, Available: decimal.NewFromInt(10), UpdatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("insert balance: %v", err)
	}

	stale, err := s.GetBalance(ctx, user)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := tx.GetBalance(ctx, user)
		if err != nil {
			return err
		}
		b.Available = b.Available.Sub(decimal.NewFromInt(3))
		return tx.UpdateBalance(ctx, b)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		stale.Available = decimal.Zero
		return tx.UpdateBalance(ctx, stale)
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("stale version: expected ErrConflict, got %v", err)
	}

	b, _ := s.GetBalance(ctx, user)
	if !b.Available.Equal(decimal.NewFromInt(7)) || b.Version != 1 {
		t.Errorf("balance = %s v%d, expected 7 v1", b.Available, b.Version)
	}
}

// fakeRow feeds fixed column values to a scan function.
type fakeRow []any

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r))
	}
	for i, v := range r {
		switch p := dest[i].(type) {
		case *string:
			*p = v.(string)
		case *int64:
			*p = v.(int64)
		case *int:
			*p = v.(int)
		case *time.Time:
			*p = v.(time.Time)
		case **time.Time:
			*p = nil
		default:
			return fmt.Errorf("scan: unsupported destination %T", dest[i])
		}
	}
	return nil
}

func TestScanBalance_RejectsMalformedNumeric(t *testing.T) {
	now := time.Now().UTC()
	row := func(available string) fakeRow {
		return fakeRow{"u1", available, "2.50", "20", "0", int64(1), int64(0), "2.50", int64(3), now}
	}

	b, err := scanBalance(row("17.50"))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !b.Available.Equal(decimal.RequireFromString("17.50")) || !b.Locked.Equal(decimal.RequireFromString("2.5")) || b.Version != 3 {
		t.Errorf("balance = %+v", b)
	}

	if _, err := scanBalance(row("not-a-number")); err == nil {
		t.Error("malformed available should fail the scan, not read as zero")
	}
}

func TestScanOrder_RejectsMalformedNumeric(t *testing.T) {
	now := time.Now().UTC()
	row := func(locked string) fakeRow {
		return fakeRow{"o1", int64(7), "m1", "u1", "YES", int64(10), 60,
			int64(0), int64(10), "open", locked, now, now, nil}
	}

	o, err := scanOrder(row("6.00"))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !o.LockedCost.Equal(decimal.NewFromInt(6)) || o.Side != money.SideYes || o.Seq != 7 {
		t.Errorf("order = %+v", o)
	}

	if _, err := scanOrder(row("")); err == nil {
		t.Error("empty locked_cost should fail the scan, not read as zero")
	}
}
