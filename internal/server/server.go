// Package server is the operational HTTP surface: process liveness,
// replica readiness, and table-level introspection. It is deliberately
// not a query API over marketstats/doctrines rows.
//
// Grounded on the teacher's internal/server/server.go (chi router,
// middleware stack, CORS policy) and handlers.go (handler/writeJSON
// shape).
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/wcmkt/market-sync/internal/cycle"
	"github.com/wcmkt/market-sync/internal/schema"
	"github.com/wcmkt/market-sync/internal/store"
)

// Config configures the operational server.
type Config struct {
	Port    int
	Log     zerolog.Logger
	Market  *store.Store
	Fitting *store.Store
	Orch    *cycle.Orchestrator
	DevMode bool
}

// Server is the operational HTTP server.
type Server struct {
	router  *chi.Mux
	httpSrv *http.Server
	log     zerolog.Logger
	market  *store.Store
	fitting *store.Store
	orch    *cycle.Orchestrator
}

// New builds a Server and wires its routes; it does not start listening.
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Log.With().Str("component", "server").Logger(),
		market:  cfg.Market,
		fitting: cfg.Fitting,
		orch:    cfg.Orch,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router directly, for tests that drive it with
// httptest without binding a real port.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving on cfg.Port until the process is signaled
// to stop.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("operational server listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/stats", s.handleStats)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// requiredMarketTables is the market-store table list used by /readyz's
// verify_db_exists check (every market table except job_run).
var requiredMarketTables = []string{schema.MarketOrders, schema.MarketHistory, schema.MarketStats, schema.Doctrines, schema.Watchlist, schema.UpdateLog}
