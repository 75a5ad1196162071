package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/binary-exchange/internal/model"
	"github.com/atmx/binary-exchange/internal/money"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Transactions run at READ COMMITTED. Orders read through a Tx are taken
// FOR UPDATE and markets FOR SHARE, so a resolution waits for in-flight
// settlements; balances rely on the version column instead of row locks.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is the subset shared by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// mapErr translates driver errors into the store's sentinel errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
		}
	}
	return err
}

// --- Markets ---

const marketCols = `id, title, status, outcome, created_at, resolved_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var (
		m               model.Market
		status, outcome string
	)
	if err := row.Scan(&m.ID, &m.Title, &status, &outcome, &m.CreatedAt, &m.ResolvedAt); err != nil {
		return nil, err
	}
	m.Status = model.MarketStatus(status)
	m.Outcome = money.Side(outcome)
	return &m, nil
}

func getMarket(ctx context.Context, q querier, id, suffix string) (*model.Market, error) {
	m, err := scanMarket(q.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`+suffix, id))
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, mapErr(err))
	}
	return m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, title, status, outcome, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.Title, string(m.Status), string(m.Outcome), m.CreatedAt, m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, mapErr(err))
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id, "")
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

// --- Orders ---

const orderCols = `id, seq, market_id, user_id, side, quantity, price,
	filled_quantity, remaining_quantity, status, locked_cost::TEXT,
	created_at, updated_at, expires_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o                    model.Order
		side, status, locked string
	)
	if err := row.Scan(&o.ID, &o.Seq, &o.MarketID, &o.UserID, &side, &o.Quantity, &o.Price,
		&o.FilledQuantity, &o.RemainingQuantity, &status, &locked,
		&o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt); err != nil {
		return nil, err
	}
	o.Side = money.Side(side)
	o.Status = model.OrderStatus(status)
	var err error
	if o.LockedCost, err = parseNumeric("locked_cost", locked); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func getOrder(ctx context.Context, q querier, id, suffix string) (*model.Order, error) {
	o, err := scanOrder(q.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1`+suffix, id))
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, mapErr(err))
	}
	return o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.pool, id, "")
}

// FindMatchCandidates walks the opposite book in price-time priority. The
// running sum stops the scan at the first order that reaches MaxQuantity.
func (s *PostgresStore) FindMatchCandidates(ctx context.Context, q CandidateQuery) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+` FROM (
			SELECT o.*,
			       SUM(remaining_quantity) OVER (ORDER BY price DESC, seq ASC)::BIGINT AS cum
			FROM orders o
			WHERE market_id = $1
			  AND side = $2
			  AND status IN ('open', 'partial')
			  AND remaining_quantity > 0
			  AND price >= $3
			  AND ($4 = '' OR user_id <> $4)
		) book
		WHERE $5::BIGINT <= 0 OR cum - remaining_quantity < $5::BIGINT
		ORDER BY price DESC, seq ASC`,
		q.MarketID, string(q.Side), q.MinPrice, q.ExcludeUser, q.MaxQuantity,
	)
	if err != nil {
		return nil, fmt.Errorf("match candidates in %s: %w", q.MarketID, err)
	}
	return scanOrders(rows)
}

func (s *PostgresStore) Depth(ctx context.Context, marketID string) (*model.Depth, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT side, price, SUM(remaining_quantity)::BIGINT, COUNT(*)
		 FROM orders
		 WHERE market_id = $1 AND status IN ('open', 'partial') AND remaining_quantity > 0
		 GROUP BY side, price
		 ORDER BY side, price DESC`, marketID)
	if err != nil {
		return nil, fmt.Errorf("depth of %s: %w", marketID, err)
	}
	defer rows.Close()

	depth := &model.Depth{MarketID: marketID, Yes: []model.DepthLevel{}, No: []model.DepthLevel{}}
	for rows.Next() {
		var (
			side string
			lvl  model.DepthLevel
		)
		if err := rows.Scan(&side, &lvl.Price, &lvl.Quantity, &lvl.Orders); err != nil {
			return nil, err
		}
		if money.Side(side) == money.SideYes {
			depth.Yes = append(depth.Yes, lvl)
		} else {
			depth.No = append(depth.No, lvl)
		}
	}
	return depth, rows.Err()
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string, restingOnly bool) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE user_id = $1
		   AND (NOT $2 OR (status IN ('open', 'partial') AND remaining_quantity > 0))
		 ORDER BY seq DESC`, userID, restingOnly)
	if err != nil {
		return nil, fmt.Errorf("orders of %s: %w", userID, err)
	}
	return scanOrders(rows)
}

// --- Trades ---

const tradeCols = `id, market_id, yes_order_id, no_order_id, yes_user_id, no_user_id,
	quantity, price, taker_side, created_at`

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var (
		t         model.Trade
		takerSide string
	)
	if err := row.Scan(&t.ID, &t.MarketID, &t.YesOrderID, &t.NoOrderID, &t.YesUserID, &t.NoUserID,
		&t.Quantity, &t.Price, &takerSide, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.TakerSide = money.Side(takerSide)
	return &t, nil
}

func queryTrades(ctx context.Context, q querier, where string, args ...any) ([]model.Trade, error) {
	rows, err := q.Query(ctx, `SELECT `+tradeCols+` FROM trades WHERE `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	trades, err := queryTrades(ctx, s.pool, `market_id = $1`, marketID)
	if err != nil {
		return nil, fmt.Errorf("trades of market %s: %w", marketID, err)
	}
	return trades, nil
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	trades, err := queryTrades(ctx, s.pool, `yes_user_id = $1 OR no_user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("trades of user %s: %w", userID, err)
	}
	return trades, nil
}

func (s *PostgresStore) LastTrade(ctx context.Context, marketID string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE market_id = $1 ORDER BY seq DESC LIMIT 1`, marketID))
	if err != nil {
		return nil, fmt.Errorf("last trade of %s: %w", marketID, mapErr(err))
	}
	return t, nil
}

// --- Balances ---

const balanceCols = `user_id, available::TEXT, locked::TEXT, total_deposited::TEXT,
	total_withdrawn::TEXT, trade_count, win_count, volume::TEXT, version, updated_at`

func scanBalance(row pgx.Row) (*model.Balance, error) {
	var (
		b                                            model.Balance
		available, locked, deposited, withdrawn, vol string
	)
	if err := row.Scan(&b.UserID, &available, &locked, &deposited, &withdrawn,
		&b.TradeCount, &b.WinCount, &vol, &b.Version, &b.UpdatedAt); err != nil {
		return nil, err
	}
	for _, col := range []struct {
		name string
		text string
		dst  *decimal.Decimal
	}{
		{"available", available, &b.Available},
		{"locked", locked, &b.Locked},
		{"total_deposited", deposited, &b.TotalDeposited},
		{"total_withdrawn", withdrawn, &b.TotalWithdrawn},
		{"volume", vol, &b.Volume},
	} {
		v, err := parseNumeric(col.name, col.text)
		if err != nil {
			return nil, err
		}
		*col.dst = v
	}
	return &b, nil
}

// parseNumeric decodes a NUMERIC column selected as ::TEXT.
func parseNumeric(column, text string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", column, text, err)
	}
	return v, nil
}

func getBalance(ctx context.Context, q querier, userID string) (*model.Balance, error) {
	b, err := scanBalance(q.QueryRow(ctx,
		`SELECT `+balanceCols+` FROM user_balances WHERE user_id = $1`, userID))
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", userID, mapErr(err))
	}
	return b, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	return getBalance(ctx, s.pool, userID)
}

// --- Transactions ---

// InTx runs fn inside a database transaction, committing when fn succeeds.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", mapErr(err))
	}
	defer func() { _ = tx.Rollback(ctx) }() // no-op after commit

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapErr(err))
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, t.tx, id, " FOR SHARE")
}

func (t *pgTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets SET status = $2, outcome = $3, resolved_at = $4 WHERE id = $1`,
		m.ID, string(m.Status), string(m.Outcome), m.ResolvedAt)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update market %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, t.tx, id, " FOR UPDATE")
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (id, market_id, user_id, side, quantity, price,
		                     filled_quantity, remaining_quantity, status, locked_cost,
		                     created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11, $12, $13)
		 RETURNING seq`,
		o.ID, o.MarketID, o.UserID, string(o.Side), o.Quantity, o.Price,
		o.FilledQuantity, o.RemainingQuantity, string(o.Status), o.LockedCost.String(),
		o.CreatedAt, o.UpdatedAt, o.ExpiresAt,
	).Scan(&o.Seq)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, mapErr(err))
	}
	return nil
}

// closedOr distinguishes a missing order from one that refused the update.
func (t *pgTx) closedOr(ctx context.Context, id, op string) error {
	if _, err := getOrder(ctx, t.tx, id, ""); err != nil {
		return err
	}
	return fmt.Errorf("%s order %s: %w", op, id, ErrOrderClosed)
}

func (t *pgTx) ApplyFill(ctx context.Context, orderID string, qty int64) (*model.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		`UPDATE orders
		 SET filled_quantity    = filled_quantity + $2,
		     remaining_quantity = remaining_quantity - $2,
		     status             = CASE WHEN remaining_quantity = $2 THEN 'filled' ELSE 'partial' END,
		     updated_at         = $3
		 WHERE id = $1
		   AND $2 > 0
		   AND status IN ('open', 'partial')
		   AND remaining_quantity >= $2
		 RETURNING `+orderCols,
		orderID, qty, time.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, t.closedOr(ctx, orderID, "fill")
	}
	if err != nil {
		return nil, fmt.Errorf("fill order %s: %w", orderID, mapErr(err))
	}
	return o, nil
}

func (t *pgTx) CancelOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		`UPDATE orders SET status = 'cancelled', updated_at = $2
		 WHERE id = $1 AND status IN ('open', 'partial') AND remaining_quantity > 0
		 RETURNING `+orderCols,
		orderID, time.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, t.closedOr(ctx, orderID, "cancel")
	}
	if err != nil {
		return nil, fmt.Errorf("cancel order %s: %w", orderID, mapErr(err))
	}
	return o, nil
}

func (t *pgTx) ListRestingOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE market_id = $1 AND status IN ('open', 'partial') AND remaining_quantity > 0
		 ORDER BY seq
		 FOR UPDATE`, marketID)
	if err != nil {
		return nil, fmt.Errorf("resting orders of %s: %w", marketID, mapErr(err))
	}
	return scanOrders(rows)
}

func (t *pgTx) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	trades, err := queryTrades(ctx, t.tx, `market_id = $1`, marketID)
	if err != nil {
		return nil, fmt.Errorf("trades of market %s: %w", marketID, mapErr(err))
	}
	return trades, nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, market_id, yes_order_id, no_order_id, yes_user_id, no_user_id,
		                     quantity, price, taker_side, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tr.ID, tr.MarketID, tr.YesOrderID, tr.NoOrderID, tr.YesUserID, tr.NoUserID,
		tr.Quantity, tr.Price, string(tr.TakerSide), tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ID, mapErr(err))
	}
	return nil
}

func (t *pgTx) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	return getBalance(ctx, t.tx, userID)
}

func (t *pgTx) InsertBalance(ctx context.Context, b *model.Balance) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO user_balances (user_id, available, locked, total_deposited, total_withdrawn,
		                            trade_count, win_count, volume, version, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8::NUMERIC, $9, $10)`,
		b.UserID, b.Available.String(), b.Locked.String(), b.TotalDeposited.String(),
		b.TotalWithdrawn.String(), b.TradeCount, b.WinCount, b.Volume.String(), b.Version, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert balance %s: %w", b.UserID, mapErr(err))
	}
	return nil
}

// UpdateBalance is a compare-and-swap on the version column.
func (t *pgTx) UpdateBalance(ctx context.Context, b *model.Balance) error {
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx,
		`UPDATE user_balances
		 SET available = $3::NUMERIC, locked = $4::NUMERIC,
		     total_deposited = $5::NUMERIC, total_withdrawn = $6::NUMERIC,
		     trade_count = $7, win_count = $8, volume = $9::NUMERIC,
		     version = version + 1, updated_at = $10
		 WHERE user_id = $1 AND version = $2`,
		b.UserID, b.Version, b.Available.String(), b.Locked.String(),
		b.TotalDeposited.String(), b.TotalWithdrawn.String(),
		b.TradeCount, b.WinCount, b.Volume.String(), now,
	)
	if err != nil {
		return fmt.Errorf("update balance %s: %w", b.UserID, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("balance %s version %d: %w", b.UserID, b.Version, ErrConflict)
	}
	b.Version++
	b.UpdatedAt = now
	return nil
}

func (t *pgTx) UserShares(ctx context.Context, userID, marketID string) (int64, error) {
	var shares int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN status IN ('open', 'partial') AND remaining_quantity > 0
		                          THEN quantity ELSE filled_quantity END), 0)::BIGINT
		 FROM orders WHERE user_id = $1 AND market_id = $2`,
		userID, marketID).Scan(&shares)
	if err != nil {
		return 0, fmt.Errorf("shares of %s in %s: %w", userID, marketID, mapErr(err))
	}
	return shares, nil
}
