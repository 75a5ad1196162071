// Package trade provides the HTTP handlers for placing and cancelling
// orders, moving funds, settling markets and querying books, balances and
// portfolios.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/atmx/binary-exchange/internal/exchange"
	"github.com/atmx/binary-exchange/internal/ledger"
	"github.com/atmx/binary-exchange/internal/money"
	"github.com/atmx/binary-exchange/internal/risk"
	"github.com/atmx/binary-exchange/internal/store"
	"github.com/atmx/binary-exchange/internal/validation"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Service exposes the exchange engine over HTTP. It holds no trading state
// of its own; concurrency control lives in the engine and its store.
type Service struct {
	engine *exchange.Engine
	wsHub  *WSHub // optional WebSocket hub for real-time notifications
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket notifications are not needed.
func NewService(engine *exchange.Engine, hub *WSHub) *Service {
	return &Service{engine: engine, wsHub: hub}
}

// Mount registers every API route on r. It is meant to be used under
// /api/v1.
func (s *Service) Mount(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	// Markets.
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/book", s.GetBook)
	r.Get("/markets/{marketID}/quote", s.GetQuote)
	r.Get("/markets/{marketID}/trades", s.GetMarketTrades)
	r.Post("/markets/{marketID}/resolve", s.ResolveMarket)
	r.Post("/markets/{marketID}/void", s.VoidMarket)

	// Orders.
	r.Post("/orders", s.PlaceOrder)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)
	r.Get("/users/{userID}/orders", s.ListUserOrders)

	// Funds and positions.
	r.Get("/balances/{userID}", s.GetBalance)
	r.Post("/balances/{userID}/deposit", s.Deposit)
	r.Post("/balances/{userID}/withdraw", s.Withdraw)
	r.Get("/portfolio/{userID}", s.GetPortfolio)
}

// --- Request types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	ID    string `json:"id"` // optional; generated when empty
	Title string `json:"title"`
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	Outcome string `json:"outcome"` // "YES" or "NO"
}

// FundsRequest is the JSON body for deposits and withdrawals.
type FundsRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := s.engine.CreateMarket(r.Context(), req.ID, req.Title)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?status=<status>.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.engine.Markets(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := markets[:0:0]
		for _, m := range markets {
			if string(m.Status) == status {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Market(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetBook handles GET /api/v1/markets/{marketID}/book
func (s *Service) GetBook(w http.ResponseWriter, r *http.Request) {
	depth, err := s.engine.Book(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

// GetQuote handles GET /api/v1/markets/{marketID}/quote
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.engine.Quote(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetMarketTrades handles GET /api/v1/markets/{marketID}/trades
func (s *Service) GetMarketTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.engine.MarketTrades(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	outcome := money.Side(strings.ToUpper(strings.TrimSpace(req.Outcome)))
	if !outcome.Valid() {
		writeError(w, "outcome must be YES or NO", http.StatusBadRequest)
		return
	}
	res, err := s.engine.ResolveMarket(r.Context(), chi.URLParam(r, "marketID"), outcome)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VoidMarket handles POST /api/v1/markets/{marketID}/void
func (s *Service) VoidMarket(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.VoidMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Orders ---

// PlaceOrder handles POST /api/v1/orders
// Rests the order and matches it immediately; the response carries the
// resulting trades.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req exchange.PlaceOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.engine.PlaceOrder(r.Context(), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.Order(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?user_id=<userID>
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	o, err := s.engine.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), userID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListUserOrders handles GET /api/v1/users/{userID}/orders
// ?open=true limits the result to orders still on the book.
func (s *Service) ListUserOrders(w http.ResponseWriter, r *http.Request) {
	restingOnly := r.URL.Query().Get("open") == "true"
	orders, err := s.engine.UserOrders(r.Context(), chi.URLParam(r, "userID"), restingOnly)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// --- Funds ---

// GetBalance handles GET /api/v1/balances/{userID}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.Balance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Deposit handles POST /api/v1/balances/{userID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req FundsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	b, err := s.engine.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Withdraw handles POST /api/v1/balances/{userID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req FundsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	b, err := s.engine.Withdraw(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Returns every position valued at the current book, with totals and the
// user's balance.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.engine.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// --- Helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, validation.ErrInvalidOrder),
		errors.Is(err, exchange.ErrInvalidRequest),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, exchange.ErrMarketNotFound),
		errors.Is(err, exchange.ErrOrderNotFound),
		errors.Is(err, exchange.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrMarketClosed),
		errors.Is(err, exchange.ErrOrderClosed),
		errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, exchange.ErrInsufficientBalance),
		errors.Is(err, risk.ErrPositionLimitExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, exchange.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError translates err into a JSON error response. Internal
// errors are logged and reported without detail.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"err", err,
		)
		writeError(w, "internal error", status)
		return
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
