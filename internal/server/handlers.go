package server

import (
	"encoding/json"
	"net/http"

	"github.com/wcmkt/market-sync/internal/schema"
)

// handleHealthz reports process liveness only — no store access, so it
// answers even if a store file is locked or mid-VACUUM.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "market-sync",
	})
}

// handleReadyz checks that the market store has every table the schema
// expects and that its replica is caught up, per §4.13's readiness
// contract (verify_db_exists + validate_sync).
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	exists, err := s.market.VerifyExists(ctx, requiredMarketTables)
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "reason": err.Error()})
		return
	}
	if !exists {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "reason": "missing tables"})
		return
	}

	ok, err := s.market.ValidateSync(ctx, schema.MarketOrders, "order_id")
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "reason": err.Error()})
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "reason": "replica behind primary"})
		return
	}

	status := "idle"
	if s.orch != nil {
		status = string(s.orch.State())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "cycle_state": status})
}

// handleStats reports row counts for every table in the market store —
// introspection only, never a filtered/aggregated query surface.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tables, err := s.market.TableList(ctx)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	counts := make(map[string]int, len(tables))
	for _, table := range tables {
		n, err := s.market.RowCount(ctx, table)
		if err != nil {
			s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		counts[table] = n
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tables": counts})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to write json response")
	}
}
