package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nimbuschat/paygate/service/config"
	"github.com/nimbuschat/paygate/service/metrics"
	"github.com/nimbuschat/paygate/service/nats"
)

// Server is the HTTP payment service.
type Server struct {
	cfg      *config.Config
	verifier PaymentVerifier
	store    PaymentStore
	events   nats.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new payment server. The events publisher may be nil, in
// which case event emission is skipped.
func New(cfg *config.Config, verifier PaymentVerifier, store PaymentStore, events nats.Publisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		store:    store,
		events:   events,
		metrics:  m,
		logger:   logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.server = &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		// Verification can run up to the verify deadline; leave headroom
		// for response writing.
		WriteTimeout: cfg.VerifyTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	instrument := func(name string, h http.Handler) http.Handler {
		if s.metrics == nil {
			return h
		}
		return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
	}

	mux.Handle("POST /api/v1/payments/verify",
		instrument("verify_payment", handleVerifyPayment(s.cfg, s.verifier, s.store, s.events, s.metrics, s.logger)))
	mux.Handle("GET /api/v1/payments",
		instrument("list_payments", handleListPayments(s.store, s.logger)))
	mux.Handle("GET /api/v1/payments/{signature}",
		instrument("get_payment", handleGetPayment(s.store, s.logger)))
	mux.Handle("GET /api/v1/subscriptions/{wallet}",
		instrument("get_subscription", handleGetSubscription(s.store, s.logger)))
	mux.Handle("GET /api/v1/checkout/{tier}",
		instrument("checkout", handleCheckout(s.cfg, s.logger)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or fails.
func (s *Server) Start() error {
	s.logger.Info("starting payment server",
		"addr", s.cfg.ServerAddr,
		"network", s.cfg.Network,
		"verify_timeout", s.cfg.VerifyTimeout,
	)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting for in-flight requests up to
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down payment server")
	return s.server.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
