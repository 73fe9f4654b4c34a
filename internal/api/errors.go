package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/stockwise/trading-engine/internal/ledger"
	"github.com/stockwise/trading-engine/internal/orders"
	"github.com/stockwise/trading-engine/internal/store"
	"github.com/stockwise/trading-engine/internal/trade"
)

// Stable error codes returned alongside the message.
const (
	codeInvalidRequest     = "INVALID_REQUEST"
	codeMarketClosed       = "MARKET_CLOSED"
	codePriceUnavailable   = "PRICE_UNAVAILABLE"
	codeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	codeInsufficientShares = "INSUFFICIENT_SHARES"
	codeNoSuchPosition     = "NO_SUCH_POSITION"
	codeOrderNotFound      = "ORDER_NOT_FOUND"
	codeInvalidOrderState  = "INVALID_ORDER_STATE"
	codeConcurrencyTimeout = "CONCURRENCY_TIMEOUT"
	codeAccountNotFound    = "ACCOUNT_NOT_FOUND"
	codeAccountExists      = "ACCOUNT_EXISTS"
	codeRateLimited        = "RATE_LIMITED"
	codeJobNotFound        = "JOB_NOT_FOUND"
	codeJobRunning         = "JOB_RUNNING"
	codeInternal           = "INTERNAL_ERROR"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// errorTable is checked in order; the first match wins.
var errorTable = []errorMapping{
	{trade.ErrMarketClosed, http.StatusConflict, codeMarketClosed, "market is closed"},
	{trade.ErrPriceUnavailable, http.StatusServiceUnavailable, codePriceUnavailable, "price unavailable"},
	{trade.ErrInvalidQuantity, http.StatusBadRequest, codeInvalidRequest, "quantity must be a positive integer"},
	{trade.ErrInvalidTicker, http.StatusBadRequest, codeInvalidRequest, "invalid ticker"},
	{trade.ErrInvalidOrderType, http.StatusBadRequest, codeInvalidRequest, "unknown order type"},
	{orders.ErrInvalidOrder, http.StatusBadRequest, codeInvalidRequest, ""},
	{ledger.ErrInsufficientFunds, http.StatusBadRequest, codeInsufficientFunds, "insufficient funds"},
	{ledger.ErrInsufficientShares, http.StatusBadRequest, codeInsufficientShares, "insufficient shares"},
	{ledger.ErrNoSuchPosition, http.StatusBadRequest, codeNoSuchPosition, "no position in this ticker"},
	{ledger.ErrPositionOverflow, http.StatusBadRequest, codeInvalidRequest, "position quantity too large"},
	{orders.ErrOrderNotFound, http.StatusNotFound, codeOrderNotFound, "order not found"},
	{orders.ErrInvalidOrderState, http.StatusBadRequest, codeInvalidOrderState, "only pending orders can be cancelled"},
	{store.ErrStatusConflict, http.StatusConflict, codeInvalidOrderState, "order is no longer pending"},
	{ledger.ErrConcurrencyTimeout, http.StatusServiceUnavailable, codeConcurrencyTimeout, "account is busy, try again"},
	{ledger.ErrAccountNotFound, http.StatusNotFound, codeAccountNotFound, "account not found"},
	{ledger.ErrAccountExists, http.StatusConflict, codeAccountExists, "account already exists"},
}

// classify maps err onto a status, code and client message. An empty table
// message means the error text itself is safe to show.
func classify(err error) (int, string, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			msg := m.message
			if msg == "" {
				msg = err.Error()
			}
			return m.status, m.code, msg
		}
	}
	return http.StatusInternalServerError, codeInternal, "internal error"
}

// fail writes the response for err, logging anything unexpected.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	if status >= http.StatusInternalServerError && code == codeInternal {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	if code == codeConcurrencyTimeout {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, code, msg)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
