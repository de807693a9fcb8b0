package di

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wcmkt/market-sync/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("APP_ENVIRONMENT", "development")
	t.Setenv("MKTS_DATA_DIR", t.TempDir())
	t.Setenv("CLIENT_ID", "test-client")
	t.Setenv("SECRET_KEY", "test-secret")
	t.Setenv("REFRESH_TOKEN", "test-refresh")
	t.Setenv("MARKET_REGION_ID", "10000002")
	t.Setenv("MARKET_STRUCTURE_ID", "1000000000001")

	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestWire_BuildsContainerWithLocalOnlyStores(t *testing.T) {
	cfg := testConfig(t)
	c, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.Market)
	assert.NotNil(t, c.Fittings)
	assert.NotNil(t, c.SDE)
	assert.NotNil(t, c.Orchestrator)
	assert.NotNil(t, c.Scheduler)
	assert.NotNil(t, c.Server)
	assert.Nil(t, c.Backup, "no backup credentials configured, job must be disabled not errored")

	var tableCount int
	require.NoError(t, c.Market.Engine().QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE type='table' AND name='watchlist'").Scan(&tableCount))
	assert.Equal(t, 1, tableCount, "market store must be migrated")
}

func TestWire_CloseIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	c, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
