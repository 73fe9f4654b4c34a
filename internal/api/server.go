// Package api exposes the trading engine over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/stockwise/trading-engine/internal/clock"
	"github.com/stockwise/trading-engine/internal/leaderboard"
	"github.com/stockwise/trading-engine/internal/ledger"
	"github.com/stockwise/trading-engine/internal/market"
	"github.com/stockwise/trading-engine/internal/metrics"
	"github.com/stockwise/trading-engine/internal/orders"
	"github.com/stockwise/trading-engine/internal/portfolio"
	"github.com/stockwise/trading-engine/internal/scheduler"
	"github.com/stockwise/trading-engine/internal/store"
	"github.com/stockwise/trading-engine/internal/trade"
)

// Jobs exposes background job counters and on-demand runs.
type Jobs interface {
	Stats() map[string]scheduler.Stats
	Trigger(ctx context.Context, name string) bool
}

// Deps are the components the HTTP layer serves.
type Deps struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Executor  *trade.Executor
	Orders    *orders.Service
	Valuator  *portfolio.Valuator
	Snapshots *portfolio.SnapshotJob
	Ranker    *leaderboard.Ranker
	Hub       http.Handler // websocket endpoint; nil disables it
	Market    market.Clock
	Location  *time.Location
	Clock     clock.Clock
	Jobs      Jobs
	Logger    *zap.Logger
}

// Options tune the HTTP surface.
type Options struct {
	AllowedOrigins []string
	RateLimit      float64 // mutating requests per second per client; <= 0 disables
	RateBurst      int
	RequestTimeout time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	Deps
	opts    Options
	limiter *rateLimiter
	logger  *zap.Logger
}

// New creates a Server.
func New(deps Deps, opts Options) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{
		Deps:    deps,
		opts:    opts,
		limiter: newRateLimiter(opts.RateLimit, opts.RateBurst),
		logger:  deps.Logger.Named("http"),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for trade and order events. Kept outside the
		// request timeout.
		if s.Hub != nil {
			r.Handle("/ws", s.Hub)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))

			r.Get("/market/status", s.marketStatus)
			r.Get("/market/price/{ticker}", s.marketPrice)
			r.Get("/leaderboard", s.leaderboard)

			r.With(s.limiter.middleware).Post("/jobs/{job}/run", s.runJob)

			r.Route("/users/{userID}", func(r chi.Router) {
				r.Get("/account", s.getAccount)
				r.Get("/portfolio", s.getPortfolio)
				r.Get("/transactions", s.listTransactions)
				r.Get("/snapshots", s.listSnapshots)
				r.Get("/orders", s.listOrders)
				r.Get("/orders/{orderID}", s.getOrder)

				r.Group(func(r chi.Router) {
					r.Use(s.limiter.middleware)
					r.Post("/account", s.openAccount)
					r.Post("/buy", s.buy)
					r.Post("/sell", s.sell)
					r.Post("/orders", s.placeOrder)
					r.Delete("/orders/{orderID}", s.cancelOrder)
				})
			})
		})
	})

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(r)
}

// accessLog logs one line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
