package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wcmkt/market-sync/internal/schema"
)

func openLocal(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), Config{
		Alias:     "wcmkt_test",
		Path:      filepath.Join(dir, "wcmkt_test.db"),
		SchemaFor: schema.StoreMarket,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_LocalOnlyMigratesSchema(t *testing.T) {
	s := openLocal(t)
	tables, err := s.TableList(context.Background())
	require.NoError(t, err)
	assert.Contains(t, tables, schema.MarketStats)
	assert.Contains(t, tables, schema.Watchlist)
}

func TestSync_NoopForLocalOnlyStore(t *testing.T) {
	s := openLocal(t)
	require.NoError(t, s.Sync(context.Background()))
}

func TestValidateSync_LocalOnlyAlwaysMatches(t *testing.T) {
	s := openLocal(t)
	ok, err := s.ValidateSync(context.Background(), schema.MarketStats, "last_update")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyExists(t *testing.T) {
	s := openLocal(t)
	ok, err := s.VerifyExists(context.Background(), []string{schema.MarketStats, schema.Doctrines})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.VerifyExists(context.Background(), []string{"does_not_exist"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyExists_NukesAndResyncsOnMissingDataFile(t *testing.T) {
	s := openLocal(t)
	require.NoError(t, os.Remove(s.path))

	ok, err := s.VerifyExists(context.Background(), []string{schema.MarketStats})
	require.NoError(t, err)
	assert.True(t, ok, "nuke-and-resync recreates a fresh, freshly-migrated local file")

	_, statErr := os.Stat(s.path)
	require.NoError(t, statErr, "db file must exist again after the forced resync")
}

func TestVerifySidecar_MissingFileIsInconsistent(t *testing.T) {
	s := openLocal(t)
	ok, err := s.verifySidecar()
	require.NoError(t, err)
	assert.False(t, ok, "a replicated store with no sidecar file yet is inconsistent")
}

func TestVerifySidecar_CorruptJSONIsInconsistent(t *testing.T) {
	s := openLocal(t)
	require.NoError(t, os.WriteFile(s.sidecarPath(), []byte("not json"), 0o644))
	ok, err := s.verifySidecar()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifySidecar_ValidGenerationAndFrameNumIsConsistent(t *testing.T) {
	s := openLocal(t)
	require.NoError(t, os.WriteFile(s.sidecarPath(), []byte(`{"generation":3,"durable_frame_num":120}`), 0o644))
	ok, err := s.verifySidecar()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifySidecar_NegativeFrameNumIsInconsistent(t *testing.T) {
	s := openLocal(t)
	require.NoError(t, os.WriteFile(s.sidecarPath(), []byte(`{"generation":3,"durable_frame_num":-1}`), 0o644))
	ok, err := s.verifySidecar()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRowCount_EmptyTable(t *testing.T) {
	s := openLocal(t)
	n, err := s.RowCount(context.Background(), schema.Watchlist)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTableColumns(t *testing.T) {
	s := openLocal(t)
	cols, err := s.TableColumns(context.Background(), schema.MarketOrders)
	require.NoError(t, err)
	assert.Contains(t, cols, "order_id")
	assert.Contains(t, cols, "volume_remain")
}
