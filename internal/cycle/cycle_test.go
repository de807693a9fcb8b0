package cycle

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

	"github.com/wcmkt/market-sync/internal/esi"
	"github.com/wcmkt/market-sync/internal/schema"
	"github.com/wcmkt/market-sync/internal/store"
)

type stubTokens struct{}

func (stubTokens) AuthHeader(ctx context.Context) (string, error) { return "Bearer test-token", nil }

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

func seedWatchlist(t *testing.T, s *store.Store) {
	t.Helper()
	_, err := s.Engine().Exec(`INSERT INTO watchlist VALUES (34, 'Tritanium', 18, 'Mineral', 4, 'Material')`)
	require.NoError(t, err)
}

func newTestOrchestrator(t *testing.T, esiServerURL string) (*Orchestrator, *store.Store, *store.Store) {
	t.Helper()
	marketStore := openTestStore(t, "market", schema.StoreMarket)
	fittingsStore := openTestStore(t, "fittings", schema.StoreFittings)
	seedWatchlist(t, marketStore)

	client := esi.New(esi.Config{BaseURL: esiServerURL, Tokens: stubTokens{}}, zerolog.Nop())
	orch := New(marketStore, fittingsStore, client, zerolog.Nop())
	return orch, marketStore, fittingsStore
}

func TestRun_HappyPathReachesDone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/markets/structures/1000000000001/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Pages", "1")
		json.NewEncoder(w).Encode([]map[string]any{
			{"order_id": 1, "is_buy_order": false, "type_id": 34, "duration": 90, "issued": "2026-07-01T00:00:00Z", "price": 5.5, "volume_remain": 1000},
		})
	})
	mux.HandleFunc("/universe/names/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": 34, "name": "Tritanium", "category": "inventory_type"},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	orch, marketStore, _ := newTestOrchestrator(t, server.URL)

	err := orch.Run(context.Background(), Market{RegionID: 10000002, StructureID: 1000000000001, FetchHistory: false})
	require.NoError(t, err)
	assert.Equal(t, StateDone, orch.State())

	var statsCount int
	require.NoError(t, marketStore.Engine().QueryRow("SELECT count(*) FROM marketstats").Scan(&statsCount))
	assert.Equal(t, 1, statsCount)

	var logCount int
	require.NoError(t, marketStore.Engine().QueryRow("SELECT count(*) FROM update_log").Scan(&logCount))
	assert.GreaterOrEqual(t, logCount, 3, "orders, stats, and doctrines stages should each log")
}

func TestRun_PermanentFetchErrorFailsCycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/markets/structures/1000000000001/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	orch, _, _ := newTestOrchestrator(t, server.URL)

	err := orch.Run(context.Background(), Market{RegionID: 10000002, StructureID: 1000000000001})
	require.Error(t, err)
	assert.Equal(t, StateFail, orch.State())
}
