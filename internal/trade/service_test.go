package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/binary-exchange/internal/events"
	"github.com/atmx/binary-exchange/internal/exchange"
	"github.com/atmx/binary-exchange/internal/model"
	"github.com/atmx/binary-exchange/internal/store"
	"github.com/atmx/binary-exchange/internal/trade"
	"github.com/atmx/binary-exchange/internal/valuation"
)

const marketID = "rain-tomorrow"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates an engine over an in-memory store, seeds one market
// and mounts the API on a chi router.
func newTestEnv(t *testing.T, opts ...exchange.Option) (*exchange.Engine, chi.Router) {
	t.Helper()
	cfg := exchange.DefaultConfig()
	cfg.RetryBackoff = 0
	engine := exchange.New(store.NewMemoryStore(), cfg, opts...)
	if _, err := engine.CreateMarket(context.Background(), marketID, "Will it rain tomorrow?"); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}

	r := chi.NewRouter()
	r.Route("/api/v1", trade.NewService(engine, nil).Mount)
	return engine, r
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func deposit(t *testing.T, router http.Handler, user string, amount float64) {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/balances/"+user+"/deposit", trade.FundsRequest{Amount: d(amount)})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit %s: %d %s", user, w.Code, w.Body.String())
	}
}

func orderBody(user, side string, qty, price int64) exchange.PlaceOrderRequest {
	return exchange.PlaceOrderRequest{
		MarketID: marketID,
		UserID:   user,
		Side:     side,
		Quantity: decimal.NewFromInt(qty),
		Price:    decimal.NewFromInt(price),
	}
}

func placeOrder(t *testing.T, router http.Handler, user, side string, qty, price int64) exchange.PlaceOrderResult {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/orders", orderBody(user, side, qty, price))
	if w.Code != http.StatusCreated {
		t.Fatalf("place order: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var res exchange.PlaceOrderResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return res
}

func getBalance(t *testing.T, router http.Handler, user string) model.Balance {
	t.Helper()
	w := do(t, router, "GET", "/api/v1/balances/"+user, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance %s: %d %s", user, w.Code, w.Body.String())
	}
	var b model.Balance
	json.Unmarshal(w.Body.Bytes(), &b)
	return b
}

// --- Order placement ---

func TestPlaceOrder_RestsThenCrosses(t *testing.T) {
	_, router := newTestEnv(t)
	deposit(t, router, "maker", 100)
	deposit(t, router, "taker", 100)

	rest := placeOrder(t, router, "maker", "NO", 10, 40)
	if len(rest.Trades) != 0 || rest.Remaining != 10 {
		t.Fatalf("first order should rest untouched: %+v", rest)
	}

	res := placeOrder(t, router, "taker", "YES", 10, 65)
	if len(res.Trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(res.Trades))
	}
	tr := res.Trades[0]
	// Executes at the maker's price: NO 40 is YES 60.
	if tr.Price != 60 || tr.Quantity != 10 {
		t.Errorf("trade = %d @ %d, expected 10 @ 60", tr.Quantity, tr.Price)
	}
	if res.Order.Status != model.OrderFilled || res.Filled != 10 {
		t.Errorf("taker should be filled: %+v", res.Order)
	}

	taker := getBalance(t, router, "taker")
	if !taker.Available.Equal(d(94)) || !taker.Locked.Equal(d(6)) {
		t.Errorf("taker balance = %s / %s, expected 94 / 6", taker.Available, taker.Locked)
	}

	w := do(t, router, "GET", "/api/v1/markets/"+marketID+"/quote", nil)
	var q model.Quote
	json.Unmarshal(w.Body.Bytes(), &q)
	if q.LastTrade == nil || *q.LastTrade != 60 {
		t.Errorf("last trade = %v, expected 60", q.LastTrade)
	}
}

func TestPlaceOrder_Rejections(t *testing.T) {
	_, router := newTestEnv(t)
	deposit(t, router, "alice", 5)

	cases := []struct {
		name string
		body any
		want int
	}{
		{"malformed body", "not an order", http.StatusBadRequest},
		{"bad side", orderBody("alice", "MAYBE", 1, 50), http.StatusBadRequest},
		{"price out of range", orderBody("alice", "YES", 1, 100), http.StatusBadRequest},
		{"zero quantity", orderBody("alice", "YES", 0, 50), http.StatusBadRequest},
		{"insufficient funds", orderBody("alice", "YES", 100, 50), http.StatusUnprocessableEntity},
		{"unknown account", orderBody("bob", "YES", 1, 50), http.StatusUnprocessableEntity},
		{"unknown market", exchange.PlaceOrderRequest{
			MarketID: "nope", UserID: "alice", Side: "YES",
			Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(50),
		}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/orders", tc.body)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
			var body map[string]string
			json.Unmarshal(w.Body.Bytes(), &body)
			if body["error"] == "" {
				t.Error("expected an error message")
			}
		})
	}

	b := getBalance(t, router, "alice")
	if !b.Available.Equal(d(5)) || !b.Locked.IsZero() {
		t.Errorf("rejections must not move funds: %s / %s", b.Available, b.Locked)
	}
}

// --- Cancellation ---

func TestCancelOrder(t *testing.T) {
	_, router := newTestEnv(t)
	deposit(t, router, "alice", 100)
	res := placeOrder(t, router, "alice", "YES", 10, 30)
	path := "/api/v1/orders/" + res.Order.ID

	if w := do(t, router, "DELETE", path, nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing user_id: expected 400, got %d", w.Code)
	}
	if w := do(t, router, "DELETE", path+"?user_id=mallory", nil); w.Code != http.StatusForbidden {
		t.Errorf("other user: expected 403, got %d", w.Code)
	}
	if w := do(t, router, "DELETE", "/api/v1/orders/missing?user_id=alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown order: expected 404, got %d", w.Code)
	}

	w := do(t, router, "DELETE", path+"?user_id=alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var o model.Order
	json.Unmarshal(w.Body.Bytes(), &o)
	if o.Status != model.OrderCancelled {
		t.Errorf("status = %s", o.Status)
	}

	if w := do(t, router, "DELETE", path+"?user_id=alice", nil); w.Code != http.StatusConflict {
		t.Errorf("second cancel: expected 409, got %d", w.Code)
	}

	b := getBalance(t, router, "alice")
	if !b.Available.Equal(d(100)) || !b.Locked.IsZero() {
		t.Errorf("cancel should unlock everything: %s / %s", b.Available, b.Locked)
	}

	w = do(t, router, "GET", "/api/v1/users/alice/orders?open=true", nil)
	var open []model.Order
	json.Unmarshal(w.Body.Bytes(), &open)
	if len(open) != 0 {
		t.Errorf("expected no open orders, got %d", len(open))
	}
}

// --- Markets ---

func TestCreateMarket(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/markets", trade.CreateMarketRequest{Title: "Will it snow?"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var m model.Market
	json.Unmarshal(w.Body.Bytes(), &m)
	if m.ID == "" || m.Status != model.MarketActive {
		t.Errorf("unexpected market: %+v", m)
	}

	if w := do(t, router, "POST", "/api/v1/markets", trade.CreateMarketRequest{ID: marketID, Title: "dup"}); w.Code != http.StatusConflict {
		t.Errorf("duplicate id: expected 409, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/markets", trade.CreateMarketRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing title: expected 400, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/markets?status=active", nil)
	var markets []model.Market
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 2 {
		t.Errorf("expected 2 active markets, got %d", len(markets))
	}
}

func TestGetBook(t *testing.T) {
	_, router := newTestEnv(t)
	deposit(t, router, "alice", 100)
	placeOrder(t, router, "alice", "YES", 5, 40)
	placeOrder(t, router, "alice", "YES", 7, 40)
	placeOrder(t, router, "alice", "NO", 3, 50)

	w := do(t, router, "GET", "/api/v1/markets/"+marketID+"/book", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var depth model.Depth
	json.Unmarshal(w.Body.Bytes(), &depth)
	if len(depth.Yes) != 1 || depth.Yes[0].Price != 40 || depth.Yes[0].Quantity != 12 {
		t.Errorf("yes depth = %+v", depth.Yes)
	}
	if len(depth.No) != 1 || depth.No[0].Quantity != 3 {
		t.Errorf("no depth = %+v", depth.No)
	}

	if w := do(t, router, "GET", "/api/v1/markets/nope/book", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown market: expected 404, got %d", w.Code)
	}
}

func TestResolveMarket(t *testing.T) {
	_, router := newTestEnv(t)
	deposit(t, router, "yes", 100)
	deposit(t, router, "no", 100)
	placeOrder(t, router, "no", "NO", 10, 30)
	placeOrder(t, router, "yes", "YES", 10, 70)

	path := "/api/v1/markets/" + marketID + "/resolve"
	if w := do(t, router, "POST", path, trade.ResolveRequest{Outcome: "PERHAPS"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad outcome: expected 400, got %d", w.Code)
	}

	w := do(t, router, "POST", path, trade.ResolveRequest{Outcome: "yes"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res exchange.Resolution
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.PaidOut.Equal(d(10)) || res.Winners != 1 {
		t.Errorf("resolution = %+v", res)
	}

	if b := getBalance(t, router, "yes"); !b.Available.Equal(d(103)) {
		t.Errorf("winner available = %s, expected 103", b.Available)
	}
	if b := getBalance(t, router, "no"); !b.Available.Equal(d(97)) {
		t.Errorf("loser available = %s, expected 97", b.Available)
	}

	if w := do(t, router, "POST", path, trade.ResolveRequest{Outcome: "NO"}); w.Code != http.StatusConflict {
		t.Errorf("second resolve: expected 409, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/orders", orderBody("yes", "YES", 1, 50)); w.Code != http.StatusConflict {
		t.Errorf("order on resolved market: expected 409, got %d", w.Code)
	}
}

func TestVoidMarket(t *testing.T) {
	_, router := newTestEnv(t)
	deposit(t, router, "a", 50)
	deposit(t, router, "b", 50)
	placeOrder(t, router, "a", "YES", 10, 55)
	placeOrder(t, router, "b", "NO", 20, 45)

	w := do(t, router, "POST", "/api/v1/markets/"+marketID+"/void", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("void: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	for _, u := range []string{"a", "b"} {
		b := getBalance(t, router, u)
		if !b.Available.Equal(d(50)) || !b.Locked.IsZero() {
			t.Errorf("%s should be refunded in full: %s / %s", u, b.Available, b.Locked)
		}
	}
}

// --- Funds ---

func TestFunds(t *testing.T) {
	_, router := newTestEnv(t)

	if w := do(t, router, "GET", "/api/v1/balances/ghost", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown account: expected 404, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/balances/alice/deposit", trade.FundsRequest{Amount: d(-5)}); w.Code != http.StatusBadRequest {
		t.Errorf("negative deposit: expected 400, got %d", w.Code)
	}

	deposit(t, router, "alice", 20)
	if w := do(t, router, "POST", "/api/v1/balances/alice/withdraw", trade.FundsRequest{Amount: d(25)}); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("overdraw: expected 422, got %d", w.Code)
	}
	w := do(t, router, "POST", "/api/v1/balances/alice/withdraw", trade.FundsRequest{Amount: d(7.5)})
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var b model.Balance
	json.Unmarshal(w.Body.Bytes(), &b)
	if !b.Available.Equal(d(12.5)) || !b.TotalWithdrawn.Equal(d(7.5)) {
		t.Errorf("balance after withdraw = %+v", b)
	}
}

// --- Portfolio ---

func TestGetPortfolio_WithPositions(t *testing.T) {
	_, router := newTestEnv(t)
	deposit(t, router, "yes", 100)
	deposit(t, router, "no", 100)
	placeOrder(t, router, "no", "NO", 10, 40)
	placeOrder(t, router, "yes", "YES", 10, 60)

	w := do(t, router, "GET", "/api/v1/portfolio/yes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var pf valuation.Portfolio
	if err := json.Unmarshal(w.Body.Bytes(), &pf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pf.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(pf.Positions))
	}
	p := pf.Positions[0]
	if p.Quantity != 10 || !p.CostBasis.Equal(d(6)) {
		t.Errorf("position = %d shares for %s", p.Quantity, p.CostBasis)
	}
	if !pf.TotalInvested.Equal(d(6)) {
		t.Errorf("total invested = %s", pf.TotalInvested)
	}
	if pf.Balance == nil || !pf.Balance.Locked.Equal(d(6)) {
		t.Errorf("portfolio balance = %+v", pf.Balance)
	}
}

func TestGetPortfolio_Empty(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/portfolio/nobody", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var pf valuation.Portfolio
	json.Unmarshal(w.Body.Bytes(), &pf)
	if len(pf.Positions) != 0 || !pf.TotalPnL.IsZero() || pf.Balance != nil {
		t.Errorf("expected an empty portfolio, got %+v", pf)
	}
}

// --- WebSocket ---

func TestWebSocket_BroadcastsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := trade.NewWSHub()
	go hub.Run(ctx)

	engine, _ := newTestEnv(t, exchange.WithPublisher(events.NewLocal(hub.Notify)))
	r := chi.NewRouter()
	r.Route("/api/v1", trade.NewService(engine, hub).Mount)
	srv := httptest.NewServer(r)
	defer srv.Close()

	deposit(t, r, "alice", 100)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	all, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer all.Close()
	other, _, err := websocket.DefaultDialer.Dial(wsURL+"?market_id=elsewhere", nil)
	if err != nil {
		t.Fatalf("dial filtered: %v", err)
	}
	defer other.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("clients never registered, have %d", hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}

	res := placeOrder(t, r, "alice", "YES", 3, 25)

	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg trade.WSMessage
	if err := all.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != events.KindOrderPlaced || msg.OrderID != res.Order.ID || msg.MarketID != marketID {
		t.Errorf("unexpected message: %+v", msg)
	}

	// The filtered client skips the order event and sees only its market.
	hub.Notify(events.Event{Kind: events.KindMarketVoided, MarketID: "elsewhere", At: time.Now()})
	other.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := other.ReadJSON(&msg); err != nil {
		t.Fatalf("read filtered: %v", err)
	}
	if msg.Type != events.KindMarketVoided || msg.MarketID != "elsewhere" {
		t.Errorf("filtered client got %+v", msg)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{exchange.ErrBusy, http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", exchange.ErrNotOwner), http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", store.ErrAlreadyExists), http.StatusConflict},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		trade.WriteEngineError(w, httptest.NewRequest("GET", "/", nil), tc.err)
		if w.Code != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, w.Code)
		}
	}
}
