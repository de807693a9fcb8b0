package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wcmkt/market-sync/internal/schema"
	"github.com/wcmkt/market-sync/internal/store"
)

func openTestStore(t *testing.T, name string, schemaFor schema.Store) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), store.Config{
		Alias: name, Path: filepath.Join(dir, name+".db"), SchemaFor: schemaFor,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHandleHealthz_AlwaysReportsHealthy(t *testing.T) {
	market := openTestStore(t, "market", schema.StoreMarket)
	srv := New(Config{Port: 0, Log: zerolog.Nop(), Market: market})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHandleReadyz_ReportsReadyOnFreshlyMigratedStore(t *testing.T) {
	market := openTestStore(t, "market", schema.StoreMarket)
	srv := New(Config{Port: 0, Log: zerolog.Nop(), Market: market})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestHandleStats_ReportsRowCountsForEveryTable(t *testing.T) {
	market := openTestStore(t, "market", schema.StoreMarket)
	_, err := market.Engine().Exec(`INSERT INTO watchlist VALUES (34, 'Tritanium', 18, 'Mineral', 4, 'Material')`)
	require.NoError(t, err)

	srv := New(Config{Port: 0, Log: zerolog.Nop(), Market: market})
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tables map[string]int `json:"tables"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Tables[schema.Watchlist])
}
