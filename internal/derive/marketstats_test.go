package derive

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/wcmkt/market-sync/internal/schema"
	"github.com/wcmkt/market-sync/internal/upsert"
)

func newMarketDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, schema.Migrate(context.Background(), db, schema.StoreMarket))
	return db
}

func TestCalcStats_HappyPath(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO watchlist VALUES (34, 'Tritanium', 18, 'Mineral', 4, 'Material')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO market_orders (order_id, is_buy_order, type_id, type_name, duration, issued, price, volume_remain) VALUES
		(1, 0, 34, 'Tritanium', 90, '2026-07-01T00:00:00Z', 5.0, 1000),
		(2, 0, 34, 'Tritanium', 90, '2026-07-01T00:00:00Z', 5.5, 2000),
		(3, 1, 34, 'Tritanium', 90, '2026-07-01T00:00:00Z', 4.0, 5000)`)
	require.NoError(t, err)

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		date := now.AddDate(0, 0, -i).Format("2006-01-02")
		_, err = db.ExecContext(ctx, `INSERT INTO market_history (id, date, type_id, type_name, average, volume, highest, lowest, order_count, timestamp) VALUES (?, ?, 34, 'Tritanium', 5.2, 50000, 5.5, 5.0, 100, ?)`,
			"hist-"+date, date, now.Format(time.RFC3339))
		require.NoError(t, err)
	}

	eng := New(db)
	upEng := upsert.New(db, zerolog.Nop())

	rows, err := eng.CalcStats(ctx, upEng, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, 34, row.TypeID)
	assert.Equal(t, 3000, row.TotalVolumeRemain) // sell orders only: 1000+2000
	assert.InDelta(t, 5.0, row.MinPrice, 0.01)
	assert.InDelta(t, 5.2, row.AvgPrice, 0.01)
	assert.InDelta(t, 50000, row.AvgVolume, 0.01)
	assert.Greater(t, row.DaysRemaining, 0.0)

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM marketstats").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestCalcStats_FillsFromHistoryWhenNoOpenOrders(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO watchlist VALUES (35, 'Pyerite', 18, 'Mineral', 4, 'Material')`)
	require.NoError(t, err)

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	_, err = db.ExecContext(ctx, `INSERT INTO market_history (id, date, type_id, type_name, average, volume, highest, lowest, order_count, timestamp) VALUES ('h1', ?, 35, 'Pyerite', 2.5, 100, 2.6, 2.4, 10, ?)`,
		now.Format("2006-01-02"), now.Format(time.RFC3339))
	require.NoError(t, err)

	eng := New(db)
	upEng := upsert.New(db, zerolog.Nop())

	rows, err := eng.CalcStats(ctx, upEng, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.InDelta(t, 2.5, rows[0].MinPrice, 0.01, "min_price fills from history.average when no open sell orders")
	assert.InDelta(t, 2.5, rows[0].Price, 0.01, "price fills from mean(history.average)")
	assert.Equal(t, 0, rows[0].TotalVolumeRemain)
}

func TestCalcStats_FillsFromHistoryOlderThanThirtyDayWindow(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO watchlist VALUES (37, 'Mexallon', 18, 'Mineral', 4, 'Material')`)
	require.NoError(t, err)

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	staleDate := now.AddDate(0, 0, -60).Format("2006-01-02") // outside the 30-day avg_price window
	_, err = db.ExecContext(ctx, `INSERT INTO market_history (id, date, type_id, type_name, average, volume, highest, lowest, order_count, timestamp) VALUES ('h1', ?, 37, 'Mexallon', 3.3, 80, 3.4, 3.2, 5, ?)`,
		staleDate, now.Format(time.RFC3339))
	require.NoError(t, err)

	eng := New(db)
	upEng := upsert.New(db, zerolog.Nop())

	rows, err := eng.CalcStats(ctx, upEng, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.InDelta(t, 3.3, rows[0].MinPrice, 0.01, "fill query is unwindowed: stale-but-only history still fills min_price")
	assert.InDelta(t, 3.3, rows[0].Price, 0.01, "fill query is unwindowed: stale-but-only history still fills price")
	assert.Equal(t, 0.0, rows[0].AvgVolume, "avg_volume has no fallback: the windowed history query found nothing")
}

func TestCalcStats_AllNullSettlesToZero(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `INSERT INTO watchlist VALUES (36, 'Unknown Item', 18, 'Mineral', 4, 'Material')`)
	require.NoError(t, err)

	eng := New(db)
	upEng := upsert.New(db, zerolog.Nop())

	rows, err := eng.CalcStats(ctx, upEng, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0.0, rows[0].MinPrice)
	assert.Equal(t, 0.0, rows[0].Price)
	assert.Equal(t, 0.0, rows[0].AvgPrice)
	assert.Equal(t, 0.0, rows[0].AvgVolume)
	assert.Equal(t, 0.0, rows[0].DaysRemaining)
}

func TestCalcStats_WipeAndReplaceDropsStaleTypes(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()
	upEng := upsert.New(db, zerolog.Nop())
	eng := New(db)

	_, err := db.ExecContext(ctx, `INSERT INTO watchlist VALUES (34, 'Tritanium', 18, 'Mineral', 4, 'Material')`)
	require.NoError(t, err)
	_, err = eng.CalcStats(ctx, upEng, time.Now().UTC())
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `DELETE FROM watchlist`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO watchlist VALUES (35, 'Pyerite', 18, 'Mineral', 4, 'Material')`)
	require.NoError(t, err)

	_, err = eng.CalcStats(ctx, upEng, time.Now().UTC())
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM marketstats WHERE type_id = 34").Scan(&count))
	assert.Equal(t, 0, count, "wipe-and-replace must not leave stale type_ids")
}
