// Package schema is the single source of truth for table layout: the
// embedded CREATE TABLE statements, the canonical column order used by the
// Upsert Engine, and the explicit wipe-and-replace allow-list.
//
// Grounded on the teacher's internal/database/db.go Migrate/schemas
// convention, adapted from runtime.Caller directory discovery to embed.FS
// since the schema files now ship inside the binary.
package schema

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

// Store identifies which embedded schema file applies to a database alias.
type Store string

const (
	StoreMarket   Store = "market"
	StoreFittings Store = "fittings"
)

var storeFile = map[Store]string{
	StoreMarket:   "sql/market.sql",
	StoreFittings: "sql/fittings.sql",
}

// Migrate applies the CREATE TABLE statements for store against conn.
func Migrate(ctx context.Context, conn *sql.DB, store Store) error {
	file, ok := storeFile[store]
	if !ok {
		return fmt.Errorf("schema: unknown store %q", store)
	}
	data, err := fs.ReadFile(sqlFiles, file)
	if err != nil {
		return fmt.Errorf("schema: read %s: %w", file, err)
	}
	if _, err := conn.ExecContext(ctx, string(data)); err != nil {
		return fmt.Errorf("schema: apply %s: %w", file, err)
	}
	return nil
}

// Table names as used by the Upsert Engine and Derivation Engine.
const (
	Watchlist     = "watchlist"
	MarketOrders  = "market_orders"
	MarketHistory = "market_history"
	MarketStats   = "marketstats"
	Doctrines     = "doctrines"
	UpdateLog     = "update_log"
	JobRun        = "job_run"

	FittingsFitting     = "fittings_fitting"
	FittingsFittingItem = "fittings_fittingitem"
	DoctrineMap         = "doctrine_map"
	ShipTargets         = "ship_targets"
)

// wipeAndReplace is the explicit allow-list of tables the Upsert Engine
// treats as dropped-and-rebuilt each cycle rather than conditionally
// upserted row-by-row. Membership is checked by name, never inferred.
var wipeAndReplace = map[string]bool{
	MarketStats: true,
	Doctrines:   true,
}

// IsWipeAndReplace reports whether table is rebuilt wholesale each cycle.
func IsWipeAndReplace(table string) bool {
	return wipeAndReplace[table]
}

// Columns gives the canonical insert column order for each table the
// Upsert Engine writes to. Order matters: it is used to build both the
// INSERT statement and the positional row values passed to it.
var columns = map[string][]string{
	Watchlist: {"type_id", "type_name", "group_id", "group_name", "category_id", "category_name"},
	MarketOrders: {
		"order_id", "is_buy_order", "type_id", "type_name", "duration", "issued", "price", "volume_remain",
	},
	MarketHistory: {
		"id", "date", "type_id", "type_name", "average", "volume", "highest", "lowest", "order_count", "timestamp",
	},
	MarketStats: {
		"type_id", "type_name", "group_id", "group_name", "category_id", "category_name",
		"total_volume_remain", "min_price", "price", "avg_price", "avg_volume", "days_remaining", "last_update",
	},
	Doctrines: {
		"fit_id", "ship_id", "ship_name", "hulls", "type_id", "type_name", "fit_qty", "fits_on_mkt",
		"total_stock", "price", "avg_vol", "days", "group_id", "group_name", "category_id", "category_name", "timestamp",
	},
	UpdateLog: {"table_name", "updated_at", "rows"},
	JobRun:    {"job_name", "started_at", "finished_at", "status", "detail"},

	FittingsFitting:     {"id", "ship_id", "ship_name", "name", "created_at", "updated_at"},
	FittingsFittingItem: {"fit_id", "type_id", "type_name", "flag", "quantity"},
	DoctrineMap:         {"doctrine_id", "fit_id"},
	ShipTargets:         {"fit_id", "fit_name", "ship_id", "ship_name", "ship_target", "created_at"},
}

// Columns returns the canonical insert column order for table, or nil if
// the table is not registered.
func Columns(table string) []string {
	cols := columns[table]
	out := make([]string, len(cols))
	copy(out, cols)
	return out
}

// PrimaryKey names the single-column primary key the Upsert Engine
// conflict-resolves on for conditionally-upserted tables. Wipe-and-replace
// tables have no entry: they are never conflict-resolved, only replaced.
var primaryKey = map[string]string{
	Watchlist:     "type_id",
	MarketOrders:  "order_id",
	MarketHistory: "id",
	FittingsFitting: "id",
	ShipTargets:     "fit_id",
}

// PrimaryKey returns the conflict-resolution column for table and whether
// one is registered.
func PrimaryKey(table string) (string, bool) {
	pk, ok := primaryKey[table]
	return pk, ok
}

// KnownTables returns every table name schema knows about, sorted, for
// diagnostics.
func KnownTables() []string {
	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
