// Package derive is the Derivation Engine: it reads raw tables (watchlist,
// market_orders, market_history) from the local replica and computes the
// marketstats and doctrines aggregate tables, wipe-and-replacing them each
// cycle via the Upsert Engine.
//
// The 5th-percentile price calculation is grounded on the teacher's
// pkg/formulas/stats.go convention of thin wrappers around
// gonum.org/v1/gonum/stat.
package derive

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/wcmkt/market-sync/internal/errs"
	"github.com/wcmkt/market-sync/internal/schema"
	"github.com/wcmkt/market-sync/internal/upsert"
)

// historyWindow bounds which history rows feed avg_price/avg_volume: the
// trailing 30 days from the moment derivation runs.
const historyWindow = 30 * 24 * time.Hour

// MarketStatsRow mirrors schema.MarketStats's column set.
type MarketStatsRow struct {
	TypeID            int
	TypeName          string
	GroupID           int
	GroupName         string
	CategoryID        int
	CategoryName      string
	TotalVolumeRemain int
	MinPrice          float64
	Price             float64
	AvgPrice          float64
	AvgVolume         float64
	DaysRemaining     float64
	LastUpdate        time.Time
}

// Engine computes derived tables against a local replica connection.
type Engine struct {
	db *sql.DB
}

// New creates a derivation Engine bound to db.
func New(db *sql.DB) *Engine {
	return &Engine{db: db}
}

// watchlistEntry is the static catalogue row joined against live data.
type watchlistEntry struct {
	typeID       int
	typeName     string
	groupID      int
	groupName    string
	categoryID   int
	categoryName string
}

// CalcStats computes one MarketStatsRow per watchlisted type_id and writes
// them to marketstats via eng (wipe-and-replace), returning the computed
// rows for doctrine calculation to consume without a re-read.
func (e *Engine) CalcStats(ctx context.Context, eng *upsert.Engine, now time.Time) ([]MarketStatsRow, error) {
	watchlist, err := e.loadWatchlist(ctx)
	if err != nil {
		return nil, err
	}

	windowStart := now.Add(-historyWindow)

	rows := make([]MarketStatsRow, 0, len(watchlist))
	for _, w := range watchlist {
		row, err := e.calcOne(ctx, w, windowStart, now)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	if err := e.writeStats(ctx, eng, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (e *Engine) loadWatchlist(ctx context.Context) ([]watchlistEntry, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT type_id, type_name, group_id, group_name, category_id, category_name
		FROM watchlist
		ORDER BY type_id`)
	if err != nil {
		return nil, errs.DataError("load watchlist", err)
	}
	defer rows.Close()

	var out []watchlistEntry
	for rows.Next() {
		var w watchlistEntry
		if err := rows.Scan(&w.typeID, &w.typeName, &w.groupID, &w.groupName, &w.categoryID, &w.categoryName); err != nil {
			return nil, errs.DataError("scan watchlist row", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (e *Engine) calcOne(ctx context.Context, w watchlistEntry, windowStart, now time.Time) (MarketStatsRow, error) {
	sellPrices, totalVolumeRemain, err := e.sellOrderStats(ctx, w.typeID)
	if err != nil {
		return MarketStatsRow{}, err
	}

	histAvgs, histVolumes, err := e.historyStats(ctx, w.typeID, windowStart)
	if err != nil {
		return MarketStatsRow{}, err
	}

	row := MarketStatsRow{
		TypeID:       w.typeID,
		TypeName:     w.typeName,
		GroupID:      w.groupID,
		GroupName:    w.groupName,
		CategoryID:   w.categoryID,
		CategoryName: w.categoryName,
		LastUpdate:   now,
	}
	row.TotalVolumeRemain = totalVolumeRemain

	if len(sellPrices) > 0 {
		row.MinPrice = minOf(sellPrices)
		row.Price = percentile5(sellPrices)
	}
	if len(histAvgs) > 0 {
		row.AvgPrice = stat.Mean(histAvgs, nil)
	}
	if len(histVolumes) > 0 {
		row.AvgVolume = stat.Mean(histVolumes, nil)
	}

	if row.MinPrice == 0 || row.Price == 0 || row.AvgPrice == 0 {
		fillAvgs, err := e.fillHistoryStats(ctx, w.typeID)
		if err != nil {
			return MarketStatsRow{}, err
		}
		applyFillRules(&row, fillAvgs)
	}

	if row.AvgVolume > 0 {
		row.DaysRemaining = round1(float64(row.TotalVolumeRemain) / row.AvgVolume)
	} else {
		row.DaysRemaining = 0
	}

	row.AvgPrice = round2(row.AvgPrice)
	row.AvgVolume = round1(row.AvgVolume)
	row.Price = round2(row.Price)

	return row, nil
}

// applyFillRules implements the null-fill cascade: a zero value from
// calcOne (no matching rows, not an actual computed zero) falls back to
// fillAvgs — history.average statistics pulled without the 30-day window
// or positivity filter, so an item whose only history is older than the
// window still gets a fill value instead of 0 — finally to 0 if even that
// is empty.
func applyFillRules(row *MarketStatsRow, fillAvgs []float64) {
	if row.MinPrice == 0 && len(fillAvgs) > 0 {
		row.MinPrice = minOf(fillAvgs)
	}
	if row.Price == 0 && len(fillAvgs) > 0 {
		row.Price = stat.Mean(fillAvgs, nil)
	}
	if row.AvgPrice == 0 && len(fillAvgs) > 0 {
		row.AvgPrice = stat.Mean(fillAvgs, nil)
	}
	// avg_volume has no history fallback: it stays the windowed mean from
	// calcOne, or 0 when the window has no rows; fillAvgs carries only
	// history.average.
}

// fillHistoryStats is the unfiltered fallback query for the null-fill
// cascade: no date window, no positivity predicate, matching the
// reference implementation's separate fill-from-history query so an
// item's only (older) history rows still count as a fallback source.
func (e *Engine) fillHistoryStats(ctx context.Context, typeID int) ([]float64, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT average FROM market_history WHERE type_id = ?`, typeID)
	if err != nil {
		return nil, errs.DataError("load fill history", err)
	}
	defer rows.Close()

	var avgs []float64
	for rows.Next() {
		var avg float64
		if err := rows.Scan(&avg); err != nil {
			return nil, errs.DataError("scan fill history row", err)
		}
		avgs = append(avgs, avg)
	}
	return avgs, rows.Err()
}

func (e *Engine) sellOrderStats(ctx context.Context, typeID int) ([]float64, int, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT price, volume_remain FROM market_orders
		WHERE type_id = ? AND is_buy_order = 0`, typeID)
	if err != nil {
		return nil, 0, errs.DataError("load sell orders", err)
	}
	defer rows.Close()

	var prices []float64
	total := 0
	for rows.Next() {
		var price float64
		var volume int
		if err := rows.Scan(&price, &volume); err != nil {
			return nil, 0, errs.DataError("scan sell order", err)
		}
		prices = append(prices, price)
		total += volume
	}
	return prices, total, rows.Err()
}

func (e *Engine) historyStats(ctx context.Context, typeID int, windowStart time.Time) ([]float64, []float64, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT average, volume FROM market_history
		WHERE type_id = ? AND date >= ? AND average > 0 AND volume > 0`,
		typeID, windowStart.Format("2006-01-02"))
	if err != nil {
		return nil, nil, errs.DataError("load history", err)
	}
	defer rows.Close()

	var avgs, volumes []float64
	for rows.Next() {
		var avg, volume float64
		if err := rows.Scan(&avg, &volume); err != nil {
			return nil, nil, errs.DataError("scan history row", err)
		}
		avgs = append(avgs, avg)
		volumes = append(volumes, volume)
	}
	return avgs, volumes, rows.Err()
}

// LoadMarketStats reads the existing marketstats table, for callers that
// need the already-computed rows without re-running CalcStats — e.g. a
// doctrines rebuild triggered by a fit change between scheduled cycles.
func LoadMarketStats(ctx context.Context, e *Engine) ([]MarketStatsRow, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT type_id, type_name, group_id, group_name, category_id, category_name,
			total_volume_remain, min_price, price, avg_price, avg_volume, days_remaining, last_update
		FROM marketstats`)
	if err != nil {
		return nil, errs.DataError("load marketstats", err)
	}
	defer rows.Close()

	var out []MarketStatsRow
	for rows.Next() {
		var r MarketStatsRow
		var lastUpdate string
		if err := rows.Scan(&r.TypeID, &r.TypeName, &r.GroupID, &r.GroupName, &r.CategoryID, &r.CategoryName,
			&r.TotalVolumeRemain, &r.MinPrice, &r.Price, &r.AvgPrice, &r.AvgVolume, &r.DaysRemaining, &lastUpdate); err != nil {
			return nil, errs.DataError("scan marketstats row", err)
		}
		if parsed, err := time.Parse(time.RFC3339, lastUpdate); err == nil {
			r.LastUpdate = parsed
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (e *Engine) writeStats(ctx context.Context, eng *upsert.Engine, rows []MarketStatsRow) error {
	upsertRows := make([]upsert.Row, len(rows))
	for i, r := range rows {
		upsertRows[i] = upsert.Row{
			"type_id": r.TypeID, "type_name": r.TypeName, "group_id": r.GroupID, "group_name": r.GroupName,
			"category_id": r.CategoryID, "category_name": r.CategoryName,
			"total_volume_remain": r.TotalVolumeRemain, "min_price": r.MinPrice, "price": r.Price,
			"avg_price": r.AvgPrice, "avg_volume": r.AvgVolume, "days_remaining": r.DaysRemaining,
			"last_update": r.LastUpdate.UTC().Format(time.RFC3339),
		}
	}
	_, err := eng.Upsert(ctx, schema.MarketStats, upsertRows)
	return err
}

// percentile5 returns the 5th-percentile value of data via gonum's
// empirical-CDF quantile estimator, requiring sorted input.
func percentile5(data []float64) float64 {
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	return stat.Quantile(0.05, stat.Empirical, sorted, nil)
}

func minOf(data []float64) float64 {
	m := math.Inf(1)
	for _, v := range data {
		if v < m {
			m = v
		}
	}
	if math.IsInf(m, 1) {
		return 0
	}
	return m
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
