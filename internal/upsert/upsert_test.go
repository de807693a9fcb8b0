package upsert

import (
	"context"
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/wcmkt/market-sync/internal/errs"
	"github.com/wcmkt/market-sync/internal/schema"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, schema.Migrate(context.Background(), db, schema.StoreMarket))
	return db
}

func watchlistRow(id int, name string) Row {
	return Row{
		"type_id": id, "type_name": name, "group_id": 1, "group_name": "g",
		"category_id": 1, "category_name": "c",
	}
}

func TestUpsert_ConditionalUpdatesExistingRow(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, zerolog.Nop())

	_, err := eng.Upsert(context.Background(), schema.Watchlist, []Row{watchlistRow(1, "Tritanium")})
	require.NoError(t, err)

	_, err = eng.Upsert(context.Background(), schema.Watchlist, []Row{watchlistRow(1, "Tritanium Renamed")})
	require.NoError(t, err)

	var name string
	require.NoError(t, db.QueryRow("SELECT type_name FROM watchlist WHERE type_id = 1").Scan(&name))
	assert.Equal(t, "Tritanium Renamed", name)

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM watchlist").Scan(&count))
	assert.Equal(t, 1, count, "conditional upsert must not duplicate rows")
}

func TestUpsert_WipeAndReplaceClearsStaleRows(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, zerolog.Nop())

	statsRow := func(id int) Row {
		return Row{
			"type_id": id, "type_name": "x", "group_id": 1, "group_name": "g",
			"category_id": 1, "category_name": "c", "total_volume_remain": 10,
			"min_price": 1.0, "price": 1.0, "avg_price": 1.0, "avg_volume": 1.0,
			"days_remaining": 1.0, "last_update": "2026-07-30T00:00:00Z",
		}
	}

	_, err := eng.Upsert(context.Background(), schema.MarketStats, []Row{statsRow(1), statsRow(2)})
	require.NoError(t, err)

	count, err := eng.Upsert(context.Background(), schema.MarketStats, []Row{statsRow(3)})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var total int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM marketstats").Scan(&total))
	assert.Equal(t, 1, total, "wipe-and-replace must remove rows no longer present")
}

func TestUpsert_ChunksLargeBatches(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, zerolog.Nop())

	rows := make([]Row, 5000)
	for i := range rows {
		rows[i] = watchlistRow(i+1, "item")
	}

	count, err := eng.Upsert(context.Background(), schema.Watchlist, rows)
	require.NoError(t, err)
	assert.Equal(t, 5000, count)
}

func TestUpsert_EmptyRowsIsNoop(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, zerolog.Nop())
	count, err := eng.Upsert(context.Background(), schema.Watchlist, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestUpsert_UnknownTable(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, zerolog.Nop())
	_, err := eng.Upsert(context.Background(), "not_a_table", []Row{{"a": 1}})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindUpsert))
}

func TestChunkSize(t *testing.T) {
	assert.Equal(t, 2000, chunkSize(6))  // 32768/6 = 5461, capped at 2000
	assert.Equal(t, 1365, chunkSize(24)) // wider table, capped below 2000
}
