package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stockwise/trading-engine/internal/market"
	"github.com/stockwise/trading-engine/internal/model"
	"github.com/stockwise/trading-engine/internal/orders"
	"github.com/stockwise/trading-engine/internal/trade"
)

// --- Request types ---

type buyRequest struct {
	Ticker    string `json:"ticker"`
	Quantity  int64  `json:"quantity"`
	OrderType string `json:"order_type"`
}

type sellRequest struct {
	Ticker   string `json:"ticker"`
	Quantity int64  `json:"quantity"`
}

type placeOrderRequest struct {
	Ticker      string          `json:"ticker"`
	OrderType   string          `json:"order_type"`
	Quantity    int64           `json:"quantity"`
	TargetPrice decimal.Decimal `json:"target_price"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid request body")
		return false
	}
	return true
}

// --- Service ---

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "service": "trading-engine"}
	if s.Jobs != nil {
		body["jobs"] = s.Jobs.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// runJob starts a background job outside its schedule. The run outlives
// the request.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	if s.Jobs == nil {
		writeError(w, http.StatusNotFound, codeJobNotFound, "unknown job")
		return
	}
	if _, ok := s.Jobs.Stats()[name]; !ok {
		writeError(w, http.StatusNotFound, codeJobNotFound, "unknown job")
		return
	}
	if !s.Jobs.Trigger(context.WithoutCancel(r.Context()), name) {
		writeError(w, http.StatusConflict, codeJobRunning, "job is already running")
		return
	}
	s.logger.Info("job triggered", zap.String("job", name))
	writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "started"})
}

// --- Market ---

func (s *Server) marketStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, market.StatusAt(s.Market, s.Location, s.Clock.Now()))
}

func (s *Server) marketPrice(w http.ResponseWriter, r *http.Request) {
	ticker, err := trade.NormalizeTicker(chi.URLParam(r, "ticker"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	quote, err := s.Executor.Quote(r.Context(), ticker)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) leaderboard(w http.ResponseWriter, r *http.Request) {
	n := 0
	if raw := r.URL.Query().Get("top"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "top must be a positive integer")
			return
		}
		n = v
	}
	entries, err := s.Ranker.Top(r.Context(), n)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Accounts ---

func (s *Server) openAccount(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.Ledger.OpenAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.Ledger.Account(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if acct.Positions == nil {
		acct.Positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, acct)
}

// --- Trading ---

func (s *Server) buy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Executor.Buy(r.Context(), trade.BuyRequest{
		Owner:     chi.URLParam(r, "userID"),
		Ticker:    req.Ticker,
		Quantity:  req.Quantity,
		OrderType: model.ExecutionType(strings.ToUpper(req.OrderType)),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) sell(w http.ResponseWriter, r *http.Request) {
	var req sellRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Executor.Sell(r.Context(), trade.SellRequest{
		Owner:    chi.URLParam(r, "userID"),
		Ticker:   req.Ticker,
		Quantity: req.Quantity,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Orders ---

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := s.Orders.Place(r.Context(), orders.PlaceRequest{
		Owner:       chi.URLParam(r, "userID"),
		Ticker:      req.Ticker,
		Type:        model.OrderType(strings.ToUpper(req.OrderType)),
		Quantity:    req.Quantity,
		TargetPrice: req.TargetPrice,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// listOrders returns pending orders unless ?status= names another status
// or "all".
func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "userID")
	status := model.OrderPending
	switch raw := strings.ToUpper(r.URL.Query().Get("status")); raw {
	case "":
	case "ALL":
		status = ""
	default:
		status = model.OrderStatus(raw)
		if status != model.OrderPending && !status.Terminal() {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "unknown order status")
			return
		}
	}
	if _, err := s.Ledger.Account(r.Context(), owner); err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.Orders.List(r.Context(), owner, status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Orders.Get(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "orderID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Orders.Cancel(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "orderID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// --- Portfolio ---

func (s *Server) getPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.Valuator.Valuate(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "userID")
	if _, err := s.Ledger.Account(r.Context(), owner); err != nil {
		s.fail(w, r, err)
		return
	}
	txs, err := s.Store.ListTransactions(r.Context(), owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "userID")
	if _, err := s.Ledger.Account(r.Context(), owner); err != nil {
		s.fail(w, r, err)
		return
	}
	snaps, err := s.Snapshots.History(r.Context(), owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}
